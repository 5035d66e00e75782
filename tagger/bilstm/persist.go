package bilstm

import (
	"github.com/pkg/errors"

	"github.com/golangast/seqtagger/neural/nnu/gobs"
	. "github.com/golangast/seqtagger/neural/tensor"
)

// savedModel is the gob layout written by Save.
type savedModel struct {
	Variant    string
	VocabSize  int
	MaxWords   int
	NumTags    int
	Embedding  int
	LSTMUnits  int
	DenseUnits int
	Params     []*Tensor
}

// Save writes the configuration and all parameters to ModelFilePath.
func (t *Tagger) Save() error {
	if !t.built {
		return ErrNotBuilt
	}
	if t.cfg.ModelFilePath == "" {
		return errors.New("no model file path configured")
	}
	m := savedModel{
		Variant:    t.cfg.Variant.String(),
		VocabSize:  t.cfg.VocabSize,
		MaxWords:   t.cfg.MaxWords,
		NumTags:    t.cfg.NumTags,
		Embedding:  t.cfg.EmbeddingSize,
		LSTMUnits:  t.cfg.LSTMUnits,
		DenseUnits: t.cfg.DenseUnits,
		Params:     t.Parameters(),
	}
	if err := gobs.Save(t.cfg.ModelFilePath, m); err != nil {
		return errors.Wrap(err, "saving model")
	}
	t.log.WithField("path", t.cfg.ModelFilePath).Info("model saved")
	return nil
}

// Load restores parameters written by Save into a built model. The saved
// variant and every parameter shape must match the current model.
func (t *Tagger) Load() error {
	if !t.built {
		return ErrNotBuilt
	}
	m, err := gobs.Load[savedModel](t.cfg.ModelFilePath)
	if err != nil {
		return errors.Wrap(err, "loading model")
	}
	if m.Variant != t.cfg.Variant.String() {
		return errors.Errorf("model file holds a %s model, this tagger is %s", m.Variant, t.cfg.Variant)
	}
	params := t.Parameters()
	if len(m.Params) != len(params) {
		return errors.Wrapf(ErrShapeMismatch, "model file has %d parameters, expected %d", len(m.Params), len(params))
	}
	for i, p := range params {
		if !sameShape(p.Shape, m.Params[i].Shape) {
			return errors.Wrapf(ErrShapeMismatch, "parameter %d: file has %v, model has %v", i, m.Params[i].Shape, p.Shape)
		}
	}
	for i, p := range params {
		copy(p.Data, m.Params[i].Data)
	}
	t.fitted = true
	t.log.WithField("path", t.cfg.ModelFilePath).Info("model loaded")
	return nil
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
