// Command predict_tagger tags whitespace-separated sentences read from
// stdin, one per line, with a saved tagger.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/golangast/seqtagger/internal/config"
	"github.com/golangast/seqtagger/internal/datareader"
	"github.com/golangast/seqtagger/internal/logging"
	"github.com/golangast/seqtagger/tagger/bilstm"
)

func main() {
	cfg, err := config.Parse("predict_tagger", os.Args[1:])
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

	if err := run(ctx, cfg, log, os.Stdin, os.Stdout); err != nil {
		logging.Caller(log, 0).Fatalf("prediction failed: %+v", err)
	}
}

func run(ctx context.Context, cfg config.Config, log *logrus.Logger, in io.Reader, out io.Writer) error {
	dr, err := datareader.LoadMeta(cfg.Model.MetaPath)
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

	var sentences [][]string
	var ids [][]int
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		words := strings.Fields(scanner.Text())
		if len(words) == 0 {
			continue
		}
		if len(words) > dr.MaxWords {
			log.WithField("words", len(words)).Warnf("sentence truncated to %d words", dr.MaxWords)
			words = words[:dr.MaxWords]
		}
		sentences = append(sentences, words)
		ids = append(ids, dr.EncodeSentence(words))
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrap(err, "reading sentences")
	}
	if len(ids) == 0 {
		return nil
	}

	pred, err := model.Predict(ctx, ids)
	if err != nil {
		return err
	}
	for i, labels := range bilstm.PredToLabel(pred, dr.Idx2Tag) {
		pairs := make([]string, len(sentences[i]))
		for j, w := range sentences[i] {
			pairs[j] = w + "/" + labels[j]
		}
		fmt.Fprintln(out, strings.Join(pairs, " "))
	}
	return nil
}
