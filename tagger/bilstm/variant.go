package bilstm

import (
	"strings"

	"github.com/pkg/errors"
)

// Variant selects the layers placed after the shared BiLSTM encoder.
type Variant int

const (
	// BiLSTM ends in a time-distributed softmax.
	BiLSTM Variant = iota
	// BiLSTMCRF ends in a linear-chain CRF.
	BiLSTMCRF
	// BiLSTMAttention adds soft attention before the softmax.
	BiLSTMAttention
	// BiLSTMCRFAttention adds soft attention before the CRF.
	BiLSTMCRFAttention
)

var variantNames = map[Variant]string{
	BiLSTM:             "bilstm",
	BiLSTMCRF:          "bilstm-crf",
	BiLSTMAttention:    "bilstm-attention",
	BiLSTMCRFAttention: "bilstm-crf-attention",
}

func (v Variant) String() string {
	if name, ok := variantNames[v]; ok {
		return name
	}
	return "unknown"
}

// HasCRF reports whether the variant decodes with a CRF.
func (v Variant) HasCRF() bool { return v == BiLSTMCRF || v == BiLSTMCRFAttention }

// HasAttention reports whether the variant includes the attention layer.
func (v Variant) HasAttention() bool { return v == BiLSTMAttention || v == BiLSTMCRFAttention }

// ParseVariant maps a name such as "bilstm-crf" to its Variant.
// Underscores and case are ignored.
func ParseVariant(name string) (Variant, error) {
	key := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "_", "-")
	for v, n := range variantNames {
		if n == key {
			return v, nil
		}
	}
	return 0, errors.Errorf("unknown model variant %q (want bilstm, bilstm-crf, bilstm-attention or bilstm-crf-attention)", name)
}
