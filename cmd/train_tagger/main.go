// Command train_tagger trains a sequence tagger on a tagged corpus, saves
// it and scores it on the held-out test sentences.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/golangast/seqtagger/internal/config"
	"github.com/golangast/seqtagger/internal/datareader"
	"github.com/golangast/seqtagger/internal/logging"
	"github.com/golangast/seqtagger/internal/metrics"
	"github.com/golangast/seqtagger/internal/sqlite_db"
	"github.com/golangast/seqtagger/tagger/bilstm"
)

func main() {
	cfg, err := config.Parse("train_tagger", os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	log, err := logging.New(cfg.Runtime.LogLevel, os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, log); err != nil {
		logging.Caller(log, 0).Fatalf("training failed: %+v", err)
	}
}

func run(ctx context.Context, cfg config.Config, log *logrus.Logger) error {
	dr, err := datareader.Load(cfg.Data.Path, cfg.Data.Format, cfg.Data.Latin1, datareader.Options{
		MaxWords:  cfg.Data.MaxWords,
		TestSplit: cfg.Data.TestSplit,
		Seed:      cfg.Train.Seed,
	}, log)
	if err != nil {
		return err
	}
	if err := dr.SaveMeta(cfg.Model.MetaPath); err != nil {
		return err
	}

	tc, err := cfg.TaggerConfig(dr.Vocab.Size-1, dr.MaxWords, dr.Tags.Size)
	if err != nil {
		return err
	}
	model := bilstm.New(tc, log)
	if err := model.Build(); err != nil {
		return err
	}

	var db *sql.DB
	var runID string
	if cfg.Runtime.HistoryDB != "" {
		if db, err = sqlite_db.InitDB(cfg.Runtime.HistoryDB); err != nil {
			return err
		}
		defer db.Close()
		if runID, err = sqlite_db.StartRun(db, tc.Variant.String(), cfg.Data.Path, cfg.Model.Path); err != nil {
			return err
		}
		log.WithField("run", runID).Info("recording run history")
	}
	m := metrics.NewTraining()
	variant := tc.Variant.String()

	model.OnEpoch = func(s bilstm.EpochStats) {
		m.ObserveEpoch(variant, s.Epoch, s.Loss, s.Accuracy, s.ValLoss, s.ValAccuracy)
		if cfg.Runtime.MetricsFile != "" {
			if err := m.WriteFile(cfg.Runtime.MetricsFile); err != nil {
				log.WithError(err).Warn("could not write metrics")
			}
		}
		if db != nil {
			err := sqlite_db.SaveEpoch(db, runID, sqlite_db.Epoch{
				Epoch: s.Epoch, Loss: s.Loss, Accuracy: s.Accuracy,
				ValLoss: s.ValLoss, ValAccuracy: s.ValAccuracy, Duration: s.Duration,
			})
			if err != nil {
				log.WithError(err).Warn("could not record epoch")
			}
		}
	}

	if _, err := model.Fit(ctx, dr.SentSeqTrain, dr.TagSeqTrain); err != nil {
		return err
	}
	if err := model.Save(); err != nil {
		return err
	}
	if len(dr.SentSeqTest) == 0 {
		log.Warn("no test sentences, skipping scoring")
		return nil
	}

	report, err := model.Score(ctx, dr.SentSeqTest, dr.TagSeqTest, dr.Idx2Tag)
	if err != nil {
		return errors.Wrap(err, "scoring")
	}
	fmt.Println(report)

	m.ObserveScore(variant, report.Accuracy, report.Micro.F1)
	if cfg.Runtime.MetricsFile != "" {
		if err := m.WriteFile(cfg.Runtime.MetricsFile); err != nil {
			return err
		}
	}
	if db != nil {
		return sqlite_db.FinishRun(db, runID, report.Accuracy, report.Micro.F1, report.String())
	}
	return nil
}
