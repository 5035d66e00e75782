package config

import (
	"testing"

	"github.com/golangast/seqtagger/tagger/bilstm"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.Model.EmbeddingSize != 64 || cfg.Train.BatchSize != 32 || cfg.Train.Epochs != 15 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if cfg.Runtime.Workers < 1 {
		t.Errorf("workers = %d", cfg.Runtime.Workers)
	}
}

func TestEnvThenFlags(t *testing.T) {
	t.Setenv("SEQTAGGER_EPOCHS", "3")
	t.Setenv("SEQTAGGER_VARIANT", "bilstm-attention")
	t.Setenv("SEQTAGGER_LEARNING_RATE", "not-a-number")

	cfg, err := Parse("test", []string{"-variant", "bilstm", "-batch-size", "8"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Train.Epochs != 3 {
		t.Errorf("epochs = %d, want 3 from the environment", cfg.Train.Epochs)
	}
	if cfg.Model.Variant != "bilstm" || cfg.Train.BatchSize != 8 {
		t.Errorf("flags did not override: %+v", cfg)
	}
	if cfg.Train.LearningRate != 1e-3 {
		t.Errorf("bad env value should fall back, got %g", cfg.Train.LearningRate)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"variant", []string{"-variant", "gru"}},
		{"format", []string{"-format", "json"}},
		{"test split", []string{"-test-split", "1"}},
		{"epochs", []string{"-epochs", "0"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Parse("test", tc.args); err == nil {
				t.Errorf("expected an error for %v", tc.args)
			}
		})
	}
}

func TestTaggerConfig(t *testing.T) {
	cfg := Load()
	cfg.Model.Variant = "bilstm-crf-attention"
	cfg.Train.ValidationSplit = 0
	tc, err := cfg.TaggerConfig(100, 20, 9)
	if err != nil {
		t.Fatal(err)
	}
	if tc.Variant != bilstm.BiLSTMCRFAttention || tc.VocabSize != 100 || tc.NumTags != 9 {
		t.Errorf("unexpected tagger config: %+v", tc)
	}
	if tc.ValidationSplit >= 0 {
		t.Errorf("a zero validation split should disable validation, got %g", tc.ValidationSplit)
	}
}
