package sqlite_db

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
)

func TestRunLifecycle(t *testing.T) {
	db, err := InitDB(filepath.Join(t.TempDir(), "nested", "history.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	id, err := StartRun(db, "bilstm-crf", "data/ner.csv", "data/model.gob")
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= 2; i++ {
		e := Epoch{Epoch: i, Loss: 1 / float64(i), Accuracy: 0.5, ValLoss: 0.9, ValAccuracy: 0.4, Duration: 1500 * time.Millisecond}
		if err := SaveEpoch(db, id, e); err != nil {
			t.Fatal(err)
		}
	}
	if err := FinishRun(db, id, 0.93, 0.71, "report"); err != nil {
		t.Fatal(err)
	}

	run, err := GetRun(db, id)
	if err != nil {
		t.Fatal(err)
	}
	if run.Variant != "bilstm-crf" || !run.FinishedAt.Valid || run.F1.Float64 != 0.71 || run.Report.String != "report" {
		t.Errorf("unexpected run:\n%s", spew.Sdump(run))
	}
	epochs, err := GetEpochs(db, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(epochs) != 2 || epochs[1].Loss != 0.5 || epochs[0].Duration != 1500*time.Millisecond {
		t.Errorf("unexpected epochs:\n%s", spew.Sdump(epochs))
	}
}

func TestFinishUnknownRun(t *testing.T) {
	db, err := InitDB(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	if err := FinishRun(db, "missing", 0, 0, ""); err == nil {
		t.Error("expected an error for an unknown run")
	}
	if _, err := GetRun(db, "missing"); err == nil {
		t.Error("expected an error for an unknown run")
	}
}
