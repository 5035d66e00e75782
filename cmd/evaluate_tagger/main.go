// Command evaluate_tagger loads a saved tagger and scores it on the test
// split of a corpus.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/sirupsen/logrus"

	"github.com/golangast/seqtagger/internal/config"
	"github.com/golangast/seqtagger/internal/datareader"
	"github.com/golangast/seqtagger/internal/logging"
	"github.com/golangast/seqtagger/tagger/bilstm"
)

func main() {
	cfg, err := config.Parse("evaluate_tagger", os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	log, err := logging.New(cfg.Runtime.LogLevel, os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		logging.Caller(log, 0).Fatalf("evaluation failed: %+v", err)
	}
}

func run(ctx context.Context, cfg config.Config, log *logrus.Logger) error {
	// The split is reproduced from the same seed used for training.
	dr, err := datareader.Load(cfg.Data.Path, cfg.Data.Format, cfg.Data.Latin1, datareader.Options{
		MaxWords:  cfg.Data.MaxWords,
		TestSplit: cfg.Data.TestSplit,
		Seed:      cfg.Train.Seed,
	}, log)
	if err != nil {
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
	if err := model.Load(); err != nil {
		return err
	}
	report, err := model.Score(ctx, dr.SentSeqTest, dr.TagSeqTest, dr.Idx2Tag)
	if err != nil {
		return err
	}
	fmt.Println(report)
	return nil
}
