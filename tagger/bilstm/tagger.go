// Package bilstm implements bidirectional LSTM sequence taggers with an
// optional soft-attention layer and an optional CRF output layer.
//
// Every variant shares the same encoder:
//
//	ids → Embedding(N+1, E, mask zero) → BiLSTM(50 per direction)
//	    → TimeDistributed(Dense(50, relu)) → [Attention] → softmax | CRF
package bilstm

import (
	"io"
	"math/rand"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/golangast/seqtagger/neural/nn"
	. "github.com/golangast/seqtagger/neural/tensor"
)

// ErrNotBuilt is returned by operations that need the layers to exist.
var ErrNotBuilt = errors.New("model has not been built")

// PadTag is replaced by OutsideTag when predictions become labels.
const (
	PadTag     = "PAD"
	OutsideTag = "O"
)

// Config describes the model and how it is trained. Zero hyperparameters
// take the defaults listed beside them.
type Config struct {
	VocabSize     int // N; the embedding has N+1 rows
	MaxWords      int
	NumTags       int
	EmbeddingSize int
	ModelFilePath string
	Variant       Variant

	LSTMUnits        int     // 50
	DenseUnits       int     // 50
	RecurrentDropout float64 // 0.1; negative disables it
	BatchSize        int     // 32
	Epochs           int     // 15
	ValidationSplit  float64 // 0.1; negative disables it
	LearningRate     float64 // 1e-3
	ClipValue        float64 // 0 disables clipping
	Seed             int64
	Workers          int // 1
}

func (c *Config) setDefaults() {
	if c.LSTMUnits == 0 {
		c.LSTMUnits = 50
	}
	if c.DenseUnits == 0 {
		c.DenseUnits = 50
	}
	if c.RecurrentDropout == 0 {
		c.RecurrentDropout = 0.1
	} else if c.RecurrentDropout < 0 {
		c.RecurrentDropout = 0
	}
	if c.BatchSize == 0 {
		c.BatchSize = 32
	}
	if c.Epochs == 0 {
		c.Epochs = 15
	}
	if c.ValidationSplit == 0 {
		c.ValidationSplit = 0.1
	} else if c.ValidationSplit < 0 {
		c.ValidationSplit = 0
	}
	if c.LearningRate == 0 {
		c.LearningRate = 1e-3
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
}

func (c Config) validate() error {
	switch {
	case c.VocabSize <= 0:
		return errors.Errorf("vocabulary size must be positive, got %d", c.VocabSize)
	case c.MaxWords <= 0:
		return errors.Errorf("max words must be positive, got %d", c.MaxWords)
	case c.NumTags <= 0:
		return errors.Errorf("number of tags must be positive, got %d", c.NumTags)
	case c.EmbeddingSize <= 0:
		return errors.Errorf("embedding size must be positive, got %d", c.EmbeddingSize)
	case c.ValidationSplit >= 1:
		return errors.Errorf("validation split must be below 1, got %g", c.ValidationSplit)
	case c.RecurrentDropout >= 1:
		return errors.Errorf("recurrent dropout must be below 1, got %g", c.RecurrentDropout)
	}
	if _, ok := variantNames[c.Variant]; !ok {
		return errors.Errorf("unknown variant %d", c.Variant)
	}
	return nil
}

// Tagger is a BiLSTM sequence tagger. Build must be called before any
// other operation.
type Tagger struct {
	cfg Config
	log logrus.FieldLogger
	rng *rand.Rand

	// Out receives the accuracy printed by Score. Defaults to stdout.
	Out io.Writer
	// OnEpoch, when set, is called after every training epoch.
	OnEpoch func(EpochStats)

	embedding *nn.Embedding
	encoder   *nn.Bidirectional
	dense     *nn.Dense
	attention *nn.Attention
	output    *nn.Dense
	crf       *nn.CRF

	built  bool
	fitted bool
}

// New creates an unbuilt tagger. A nil logger discards log output.
func New(cfg Config, log logrus.FieldLogger) *Tagger {
	cfg.setDefaults()
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	return &Tagger{
		cfg: cfg,
		log: log.WithField("variant", cfg.Variant.String()),
		rng: rand.New(rand.NewSource(cfg.Seed)),
		Out: os.Stdout,
	}
}

// Config returns the configuration with defaults applied.
func (t *Tagger) Config() Config { return t.cfg }

// Build creates the layers for the configured variant. Building again
// reinitializes every parameter.
func (t *Tagger) Build() error {
	if err := t.cfg.validate(); err != nil {
		return errors.Wrap(err, "invalid tagger config")
	}
	t.log.Info("Building model...")
	c := t.cfg
	t.embedding = nn.NewEmbedding(t.rng, c.VocabSize+1, c.EmbeddingSize, true)
	t.encoder = nn.NewBidirectional(t.rng, c.EmbeddingSize, c.LSTMUnits, c.RecurrentDropout)
	t.dense = nn.NewDense(t.rng, 2*c.LSTMUnits, c.DenseUnits, nn.ActivationReLU)

	features := c.DenseUnits
	t.attention = nil
	if c.Variant.HasAttention() {
		t.attention = nn.NewAttention(t.rng, features, c.MaxWords)
		features *= 2
	}

	t.output, t.crf = nil, nil
	if c.Variant.HasCRF() {
		t.crf = nn.NewCRF(t.rng, features, c.NumTags)
	} else {
		t.output = nn.NewDense(t.rng, features, c.NumTags, nn.ActivationSoftmax)
	}
	t.built, t.fitted = true, false

	t.log.WithField("parameters", countParameters(t.Parameters())).Debug("model built")
	return nil
}

// Parameters returns every learnable tensor in a fixed order.
func (t *Tagger) Parameters() []*Tensor {
	if !t.built {
		return nil
	}
	params := append(t.embedding.Parameters(), t.encoder.Parameters()...)
	params = append(params, t.dense.Parameters()...)
	if t.attention != nil {
		params = append(params, t.attention.Parameters()...)
	}
	if t.crf != nil {
		params = append(params, t.crf.Parameters()...)
	} else {
		params = append(params, t.output.Parameters()...)
	}
	return params
}

func countParameters(params []*Tensor) int {
	n := 0
	for _, p := range params {
		n += len(p.Data)
	}
	return n
}

// forward runs ids through the network. It returns the head output
// (softmax probabilities or CRF energies) and the mask that reaches the
// head, which is nil once attention has dropped it.
func (t *Tagger) forward(ids [][]int, training bool, rng *rand.Rand) (*Tensor, *Tensor, error) {
	for i, row := range ids {
		if len(row) != t.cfg.MaxWords {
			return nil, nil, errors.Wrapf(ErrShapeMismatch, "sequence %d has %d ids, expected %d", i, len(row), t.cfg.MaxWords)
		}
	}
	x, mask, err := t.embedding.Forward(ids)
	if err != nil {
		return nil, nil, errors.Wrap(err, "embedding")
	}
	if x, err = t.encoder.Forward(x, mask, training, rng); err != nil {
		return nil, nil, errors.Wrap(err, "bidirectional LSTM")
	}
	if x, err = t.dense.Forward(x); err != nil {
		return nil, nil, errors.Wrap(err, "dense")
	}
	if t.attention != nil {
		if x, err = t.attention.Forward(x); err != nil {
			return nil, nil, errors.Wrap(err, "attention")
		}
		mask = nil
	}
	if t.crf != nil {
		energies, err := t.crf.Energies(x)
		return energies, mask, errors.Wrap(err, "CRF energies")
	}
	probs, err := t.output.Forward(x)
	return probs, mask, errors.Wrap(err, "softmax output")
}

// lossAndPaths computes the training loss for a batch and the tag path the
// model currently predicts.
func (t *Tagger) lossAndPaths(head, mask *Tensor, tags [][]int) (*Tensor, [][]int, error) {
	if t.crf != nil {
		loss, err := t.crf.NegativeLogLikelihood(head, tags, mask)
		if err != nil {
			return nil, nil, err
		}
		return loss, t.crf.Decode(head, mask), nil
	}
	loss, err := nn.CategoricalCrossEntropy(head, tags, mask)
	if err != nil {
		return nil, nil, err
	}
	return loss, reshapePaths(head.Argmax(), len(tags)), nil
}

func reshapePaths(flat []int, batchSize int) [][]int {
	seqLength := len(flat) / batchSize
	paths := make([][]int, batchSize)
	for b := range paths {
		paths[b] = flat[b*seqLength : (b+1)*seqLength]
	}
	return paths
}
