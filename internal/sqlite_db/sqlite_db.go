// Package sqlite_db records training runs and their epochs in SQLite.
package sqlite_db

import (
	"database/sql"
	"os"
	"path/filepath"
	"time"

	_ "github.com/glebarez/sqlite" // Pure Go SQLite driver
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	"id" TEXT PRIMARY KEY,
	"variant" TEXT NOT NULL,
	"data_path" TEXT NOT NULL,
	"model_path" TEXT NOT NULL,
	"started_at" DATETIME NOT NULL,
	"finished_at" DATETIME,
	"accuracy" REAL,
	"f1" REAL,
	"report" TEXT
);
CREATE TABLE IF NOT EXISTS epochs (
	"run_id" TEXT NOT NULL REFERENCES runs(id),
	"epoch" INTEGER NOT NULL,
	"loss" REAL NOT NULL,
	"accuracy" REAL NOT NULL,
	"val_loss" REAL NOT NULL,
	"val_accuracy" REAL NOT NULL,
	"duration_ms" INTEGER NOT NULL,
	PRIMARY KEY (run_id, epoch)
);`

// InitDB initializes an SQLite database at the given path.
// It creates the database file and its directory if they don't exist and
// sets up the runs and epochs tables.
func InitDB(dataSourceName string) (*sql.DB, error) {
	dir := filepath.Dir(dataSourceName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "failed to create directory %s", dir)
	}

	// The driver name for github.com/glebarez/sqlite is "sqlite"
	db, err := sql.Open("sqlite", dataSourceName)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to create tables")
	}
	return db, nil
}

// Run represents a training run stored in the database.
type Run struct {
	ID         string
	Variant    string
	DataPath   string
	ModelPath  string
	StartedAt  time.Time
	FinishedAt sql.NullTime
	Accuracy   sql.NullFloat64
	F1         sql.NullFloat64
	Report     sql.NullString
}

// Epoch is one row of the epochs table.
type Epoch struct {
	Epoch       int
	Loss        float64
	Accuracy    float64
	ValLoss     float64
	ValAccuracy float64
	Duration    time.Duration
}

// StartRun inserts a new run and returns its generated ID.
func StartRun(db *sql.DB, variant, dataPath, modelPath string) (string, error) {
	id := uuid.New().String()
	_, err := db.Exec(`INSERT INTO runs(id, variant, data_path, model_path, started_at) VALUES (?, ?, ?, ?, ?)`,
		id, variant, dataPath, modelPath, time.Now().UTC())
	if err != nil {
		return "", errors.Wrap(err, "failed to insert run")
	}
	return id, nil
}

// SaveEpoch records the metrics of one epoch of a run.
func SaveEpoch(db *sql.DB, runID string, e Epoch) error {
	_, err := db.Exec(`INSERT INTO epochs(run_id, epoch, loss, accuracy, val_loss, val_accuracy, duration_ms) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		runID, e.Epoch, e.Loss, e.Accuracy, e.ValLoss, e.ValAccuracy, e.Duration.Milliseconds())
	if err != nil {
		return errors.Wrapf(err, "failed to insert epoch %d", e.Epoch)
	}
	return nil
}

// FinishRun stores the final scores and the rendered report of a run.
func FinishRun(db *sql.DB, runID string, accuracy, f1 float64, report string) error {
	res, err := db.Exec(`UPDATE runs SET finished_at = ?, accuracy = ?, f1 = ?, report = ? WHERE id = ?`,
		time.Now().UTC(), accuracy, f1, report, runID)
	if err != nil {
		return errors.Wrap(err, "failed to finish run")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.Errorf("no run with id %s", runID)
	}
	return nil
}

// GetRun retrieves a run by ID.
func GetRun(db *sql.DB, runID string) (*Run, error) {
	var r Run
	err := db.QueryRow(`SELECT id, variant, data_path, model_path, started_at, finished_at, accuracy, f1, report FROM runs WHERE id = ?`, runID).
		Scan(&r.ID, &r.Variant, &r.DataPath, &r.ModelPath, &r.StartedAt, &r.FinishedAt, &r.Accuracy, &r.F1, &r.Report)
	if err == sql.ErrNoRows {
		return nil, errors.Errorf("no run with id %s", runID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to query run")
	}
	return &r, nil
}

// GetEpochs retrieves the epochs of a run in order.
func GetEpochs(db *sql.DB, runID string) ([]Epoch, error) {
	rows, err := db.Query(`SELECT epoch, loss, accuracy, val_loss, val_accuracy, duration_ms FROM epochs WHERE run_id = ? ORDER BY epoch ASC`, runID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query epochs")
	}
	defer rows.Close()

	var epochs []Epoch
	for rows.Next() {
		var e Epoch
		var ms int64
		if err := rows.Scan(&e.Epoch, &e.Loss, &e.Accuracy, &e.ValLoss, &e.ValAccuracy, &ms); err != nil {
			return nil, errors.Wrap(err, "failed to scan epoch")
		}
		e.Duration = time.Duration(ms) * time.Millisecond
		epochs = append(epochs, e)
	}
	return epochs, errors.Wrap(rows.Err(), "failed to read epochs")
}
