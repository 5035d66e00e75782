package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/golangast/seqtagger/internal/config"
	"github.com/golangast/seqtagger/internal/datareader"
	"github.com/golangast/seqtagger/internal/logging"
	"github.com/golangast/seqtagger/tagger/bilstm"
)

func TestRunTagsStdin(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Load()
	cfg.Model.Variant = "bilstm-crf"
	cfg.Model.Path = filepath.Join(dir, "model.gob")
	cfg.Model.MetaPath = filepath.Join(dir, "meta.gob")
	cfg.Model.EmbeddingSize, cfg.Model.LSTMUnits, cfg.Model.DenseUnits = 4, 3, 4
	cfg.Runtime.Workers = 2
	log := logging.Discard()

	sentences, err := datareader.ReadCoNLL(strings.NewReader("Peter B-per\nspoke O\n\nParis B-geo\nsleeps O\n"))
	if err != nil {
		t.Fatal(err)
	}
	dr, err := datareader.New(sentences, datareader.Options{MaxWords: 4}, log)
	if err != nil {
		t.Fatal(err)
	}
	if err := dr.SaveMeta(cfg.Model.MetaPath); err != nil {
		t.Fatal(err)
	}
	tc, err := cfg.TaggerConfig(dr.Vocab.Size-1, dr.MaxWords, dr.Tags.Size)
	if err != nil {
		t.Fatal(err)
	}
	model := bilstm.New(tc, log)
	if err := model.Build(); err != nil {
		t.Fatal(err)
	}
	if err := model.Save(); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	in := strings.NewReader("Peter sleeps\n\nunknown words here too and more\n")
	if err := run(context.Background(), cfg, log, in, &out); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 tagged lines, got %q", out.String())
	}
	if !strings.HasPrefix(lines[0], "Peter/") || len(strings.Fields(lines[1])) != 4 {
		t.Errorf("unexpected output %q", out.String())
	}
	if strings.Contains(out.String(), "/PAD") {
		t.Errorf("PAD leaked into output %q", out.String())
	}
}
