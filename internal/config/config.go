// Package config gathers the settings shared by the seqtagger commands.
// Values come from defaults, then SEQTAGGER_* environment variables, then
// command-line flags.
package config

import (
	"flag"
	"os"
	"strconv"

	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"

	"github.com/golangast/seqtagger/tagger/bilstm"
)

// Config holds all seqtagger configuration.
type Config struct {
	Data    DataConfig
	Model   ModelConfig
	Train   TrainConfig
	Runtime RuntimeConfig
}

// DataConfig holds corpus settings.
type DataConfig struct {
	Path      string
	Format    string // "conll" or "csv"
	Latin1    bool
	MaxWords  int // 0 uses the longest sentence
	TestSplit float64
}

// ModelConfig holds architecture settings.
type ModelConfig struct {
	Variant       string
	Path          string
	MetaPath      string
	EmbeddingSize int
	LSTMUnits     int
	DenseUnits    int
}

// TrainConfig holds optimization settings.
type TrainConfig struct {
	Epochs           int
	BatchSize        int
	LearningRate     float64
	ValidationSplit  float64
	RecurrentDropout float64
	ClipValue        float64
	Seed             int64
}

// RuntimeConfig holds process settings.
type RuntimeConfig struct {
	Workers     int
	LogLevel    string
	HistoryDB   string
	MetricsFile string
}

// DefaultWorkers is the number of logical cores, or 1 when unknown.
func DefaultWorkers() int {
	if n := cpuid.CPU.LogicalCores; n > 0 {
		return n
	}
	return 1
}

// Load reads configuration from environment variables with defaults.
func Load() Config {
	return Config{
		Data: DataConfig{
			Path:      getenv("SEQTAGGER_DATA", "data/ner_dataset.csv"),
			Format:    getenv("SEQTAGGER_FORMAT", "csv"),
			Latin1:    getenvBool("SEQTAGGER_LATIN1", true),
			MaxWords:  getenvInt("SEQTAGGER_MAX_WORDS", 0),
			TestSplit: getenvFloat("SEQTAGGER_TEST_SPLIT", 0.1),
		},
		Model: ModelConfig{
			Variant:       getenv("SEQTAGGER_VARIANT", "bilstm-crf"),
			Path:          getenv("SEQTAGGER_MODEL", "data/lstm_crf.gob"),
			MetaPath:      getenv("SEQTAGGER_META", "data/lstm_crf.meta.gob"),
			EmbeddingSize: getenvInt("SEQTAGGER_EMBEDDING", 64),
			LSTMUnits:     getenvInt("SEQTAGGER_LSTM_UNITS", 50),
			DenseUnits:    getenvInt("SEQTAGGER_DENSE_UNITS", 50),
		},
		Train: TrainConfig{
			Epochs:           getenvInt("SEQTAGGER_EPOCHS", 15),
			BatchSize:        getenvInt("SEQTAGGER_BATCH_SIZE", 32),
			LearningRate:     getenvFloat("SEQTAGGER_LEARNING_RATE", 1e-3),
			ValidationSplit:  getenvFloat("SEQTAGGER_VALIDATION_SPLIT", 0.1),
			RecurrentDropout: getenvFloat("SEQTAGGER_RECURRENT_DROPOUT", 0.1),
			ClipValue:        getenvFloat("SEQTAGGER_CLIP", 0),
			Seed:             int64(getenvInt("SEQTAGGER_SEED", 42)),
		},
		Runtime: RuntimeConfig{
			Workers:     getenvInt("SEQTAGGER_WORKERS", DefaultWorkers()),
			LogLevel:    getenv("SEQTAGGER_LOG_LEVEL", "info"),
			HistoryDB:   getenv("SEQTAGGER_HISTORY_DB", "data/history.db"),
			MetricsFile: os.Getenv("SEQTAGGER_METRICS_FILE"),
		},
	}
}

// RegisterFlags binds every setting to a flag on fs, using the current
// values as defaults.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Data.Path, "data", c.Data.Path, "Path to the tagged corpus")
	fs.StringVar(&c.Data.Format, "format", c.Data.Format, "Corpus format: conll or csv")
	fs.BoolVar(&c.Data.Latin1, "latin1", c.Data.Latin1, "Decode the corpus from ISO-8859-1")
	fs.IntVar(&c.Data.MaxWords, "max-words", c.Data.MaxWords, "Padded sentence length (0 uses the longest sentence)")
	fs.Float64Var(&c.Data.TestSplit, "test-split", c.Data.TestSplit, "Fraction of sentences held out for testing")

	fs.StringVar(&c.Model.Variant, "variant", c.Model.Variant, "Model variant: bilstm, bilstm-crf, bilstm-attention, bilstm-crf-attention")
	fs.StringVar(&c.Model.Path, "model", c.Model.Path, "Path of the saved model")
	fs.StringVar(&c.Model.MetaPath, "meta", c.Model.MetaPath, "Path of the saved vocabulary and tag set")
	fs.IntVar(&c.Model.EmbeddingSize, "embedding", c.Model.EmbeddingSize, "Embedding size")
	fs.IntVar(&c.Model.LSTMUnits, "lstm-units", c.Model.LSTMUnits, "LSTM units per direction")
	fs.IntVar(&c.Model.DenseUnits, "dense-units", c.Model.DenseUnits, "Units of the time-distributed dense layer")

	fs.IntVar(&c.Train.Epochs, "epochs", c.Train.Epochs, "Number of training epochs")
	fs.IntVar(&c.Train.BatchSize, "batch-size", c.Train.BatchSize, "Batch size")
	fs.Float64Var(&c.Train.LearningRate, "lr", c.Train.LearningRate, "Adam learning rate")
	fs.Float64Var(&c.Train.ValidationSplit, "validation-split", c.Train.ValidationSplit, "Fraction of training samples used for validation")
	fs.Float64Var(&c.Train.RecurrentDropout, "recurrent-dropout", c.Train.RecurrentDropout, "Recurrent dropout rate")
	fs.Float64Var(&c.Train.ClipValue, "clip", c.Train.ClipValue, "Gradient clip value (0 disables)")
	fs.Int64Var(&c.Train.Seed, "seed", c.Train.Seed, "Random seed")

	fs.IntVar(&c.Runtime.Workers, "workers", c.Runtime.Workers, "Parallel prediction workers")
	fs.StringVar(&c.Runtime.LogLevel, "log-level", c.Runtime.LogLevel, "Log level")
	fs.StringVar(&c.Runtime.HistoryDB, "history-db", c.Runtime.HistoryDB, "SQLite run history (empty disables)")
	fs.StringVar(&c.Runtime.MetricsFile, "metrics-file", c.Runtime.MetricsFile, "Prometheus textfile output (empty disables)")
}

// Parse loads the environment and then parses args with a new flag set.
func Parse(name string, args []string) (Config, error) {
	c := Load()
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	c.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		return c, err
	}
	return c, c.Validate()
}

// Validate checks settings that cannot be caught by flag parsing.
func (c Config) Validate() error {
	if _, err := bilstm.ParseVariant(c.Model.Variant); err != nil {
		return err
	}
	switch {
	case c.Data.Format != "conll" && c.Data.Format != "csv":
		return errors.Errorf("unknown corpus format %q", c.Data.Format)
	case c.Data.TestSplit < 0 || c.Data.TestSplit >= 1:
		return errors.Errorf("test split %g outside [0, 1)", c.Data.TestSplit)
	case c.Train.ValidationSplit < 0 || c.Train.ValidationSplit >= 1:
		return errors.Errorf("validation split %g outside [0, 1)", c.Train.ValidationSplit)
	case c.Train.Epochs <= 0 || c.Train.BatchSize <= 0:
		return errors.New("epochs and batch size must be positive")
	case c.Model.EmbeddingSize <= 0 || c.Model.LSTMUnits <= 0 || c.Model.DenseUnits <= 0:
		return errors.New("layer sizes must be positive")
	}
	return nil
}

// TaggerConfig turns the settings into a tagger configuration for a corpus
// with vocabSize words, maxWords positions and numTags tags.
func (c Config) TaggerConfig(vocabSize, maxWords, numTags int) (bilstm.Config, error) {
	v, err := bilstm.ParseVariant(c.Model.Variant)
	if err != nil {
		return bilstm.Config{}, err
	}
	// The tagger treats zero as "use the default" and negative as "off".
	dropout, split := c.Train.RecurrentDropout, c.Train.ValidationSplit
	if dropout == 0 {
		dropout = -1
	}
	if split == 0 {
		split = -1
	}
	return bilstm.Config{
		VocabSize:        vocabSize,
		MaxWords:         maxWords,
		NumTags:          numTags,
		EmbeddingSize:    c.Model.EmbeddingSize,
		ModelFilePath:    c.Model.Path,
		Variant:          v,
		LSTMUnits:        c.Model.LSTMUnits,
		DenseUnits:       c.Model.DenseUnits,
		RecurrentDropout: dropout,
		BatchSize:        c.Train.BatchSize,
		Epochs:           c.Train.Epochs,
		ValidationSplit:  split,
		LearningRate:     c.Train.LearningRate,
		ClipValue:        c.Train.ClipValue,
		Seed:             c.Train.Seed,
		Workers:          c.Runtime.Workers,
	}, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getenvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getenvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
