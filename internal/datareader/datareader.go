package datareader

import (
	"math/rand"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/golangast/seqtagger/neural/nnu/gobs"
	"github.com/golangast/seqtagger/neural/nnu/vocab"
)

// Special tag labels.
const (
	PadTag     = "PAD"
	OutsideTag = "O"
)

// Options control how a corpus becomes training data.
type Options struct {
	// MaxWords fixes the padded length. Zero uses the longest sentence.
	MaxWords int
	// TestSplit is the fraction of sentences held out for testing.
	TestSplit float64
	Seed      int64
}

// DataReader holds the encoded train/test split of a corpus.
type DataReader struct {
	Vocab    *vocab.Vocabulary
	Tags     *vocab.Vocabulary
	MaxWords int

	SentSeqTrain [][]int
	TagSeqTrain  [][][]float64
	SentSeqTest  [][]int
	TagSeqTest   [][][]float64

	Idx2Tag map[int]string
}

// New builds vocabularies over all sentences, pads every sentence to
// MaxWords and splits the result with a seeded shuffle.
func New(sentences []Sentence, opts Options, log logrus.FieldLogger) (*DataReader, error) {
	if len(sentences) == 0 {
		return nil, errors.New("corpus has no sentences")
	}
	if opts.TestSplit < 0 || opts.TestSplit >= 1 {
		return nil, errors.Errorf("test split %g outside [0, 1)", opts.TestSplit)
	}

	words := make([][]string, len(sentences))
	tags := make([][]string, len(sentences))
	longest := 0
	for i, s := range sentences {
		if len(s.Words) != len(s.Tags) {
			return nil, errors.Errorf("sentence %d has %d words and %d tags", i, len(s.Words), len(s.Tags))
		}
		words[i], tags[i] = s.Words, s.Tags
		if len(s.Words) > longest {
			longest = len(s.Words)
		}
	}

	d := &DataReader{
		Vocab:    vocab.NewTokenVocabulary(words),
		Tags:     vocab.NewTagSet(tags, PadTag),
		MaxWords: opts.MaxWords,
	}
	if d.MaxWords <= 0 {
		d.MaxWords = longest
	}
	d.Idx2Tag = d.Tags.TokenToWord

	order := rand.New(rand.NewSource(opts.Seed)).Perm(len(sentences))
	numTest := int(float64(len(sentences)) * opts.TestSplit)
	for n, i := range order {
		ids := d.EncodeSentence(sentences[i].Words)
		oneHot := d.EncodeTags(sentences[i].Tags)
		if n < numTest {
			d.SentSeqTest = append(d.SentSeqTest, ids)
			d.TagSeqTest = append(d.TagSeqTest, oneHot)
		} else {
			d.SentSeqTrain = append(d.SentSeqTrain, ids)
			d.TagSeqTrain = append(d.TagSeqTrain, oneHot)
		}
	}

	log.WithFields(logrus.Fields{
		"sentences": len(sentences),
		"vocab":     d.Vocab.Size - 1,
		"tags":      d.Tags.Size,
		"max_words": d.MaxWords,
		"train":     len(d.SentSeqTrain),
		"test":      len(d.SentSeqTest),
	}).Info("corpus encoded")
	return d, nil
}

// Load reads a corpus file and encodes it.
func Load(path, format string, latin1 bool, opts Options, log logrus.FieldLogger) (*DataReader, error) {
	sentences, err := ReadFile(path, format, latin1)
	if err != nil {
		return nil, err
	}
	return New(sentences, opts, log)
}

// EncodeSentence maps words to ids, truncated or zero padded at the end to
// MaxWords. Unknown words map to 0.
func (d *DataReader) EncodeSentence(words []string) []int {
	if len(words) > d.MaxWords {
		words = words[:d.MaxWords]
	}
	normalized := make([]string, len(words))
	for i, w := range words {
		normalized[i] = normalize(w)
	}
	ids := make([]int, d.MaxWords)
	copy(ids, d.Vocab.Encode(normalized))
	return ids
}

// EncodeTags returns MaxWords one-hot rows; padding rows mark PAD.
func (d *DataReader) EncodeTags(tags []string) [][]float64 {
	pad := d.Tags.GetTokenID(PadTag)
	rows := make([][]float64, d.MaxWords)
	for i := range rows {
		rows[i] = make([]float64, d.Tags.Size)
		id := pad
		if i < len(tags) {
			if t := d.Tags.GetTokenID(tags[i]); t >= 0 {
				id = t
			}
		}
		rows[i][id] = 1
	}
	return rows
}

// Meta is what prediction needs to encode input and decode output
// without the corpus.
type Meta struct {
	Vocab    *vocab.Vocabulary
	Tags     *vocab.Vocabulary
	MaxWords int
}

// Meta returns the reader's encoding metadata.
func (d *DataReader) Meta() Meta {
	return Meta{Vocab: d.Vocab, Tags: d.Tags, MaxWords: d.MaxWords}
}

// SaveMeta writes the encoding metadata to path.
func (d *DataReader) SaveMeta(path string) error {
	return errors.Wrap(gobs.Save(path, d.Meta()), "saving corpus metadata")
}

// LoadMeta restores a reader with no sequences from a SaveMeta file.
func LoadMeta(path string) (*DataReader, error) {
	m, err := gobs.Load[Meta](path)
	if err != nil {
		return nil, errors.Wrap(err, "loading corpus metadata")
	}
	return &DataReader{Vocab: m.Vocab, Tags: m.Tags, MaxWords: m.MaxWords, Idx2Tag: m.Tags.TokenToWord}, nil
}
