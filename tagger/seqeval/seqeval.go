// Package seqeval scores tag sequences at the token and the entity level.
// Entities are chunked from IOB1, IOB2 and IOBES style labels such as
// "B-per" or "I-geo". The first character of a label is its chunk tag and
// the text after the first '-' is its type, so "PER" reads as tag "P" with
// type "ER" and a bare "B" has type "_".
package seqeval

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
)

// ErrLengthMismatch is returned when gold and predicted sequences differ
// in count or length.
var ErrLengthMismatch = errors.New("gold and predicted sequences differ in length")

// Entity is a labelled span [Start, End] over the flattened sequences.
type Entity struct {
	Type       string
	Start, End int
}

func checkLengths(gold, pred [][]string) error {
	if len(gold) != len(pred) {
		return errors.Wrapf(ErrLengthMismatch, "%d gold sequences, %d predicted", len(gold), len(pred))
	}
	for i := range gold {
		if len(gold[i]) != len(pred[i]) {
			return errors.Wrapf(ErrLengthMismatch, "sequence %d: %d gold labels, %d predicted", i, len(gold[i]), len(pred[i]))
		}
	}
	return nil
}

func ratio[T constraints.Integer](num, den T) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

// Accuracy is the fraction of labels predicted exactly.
func Accuracy(gold, pred [][]string) (float64, error) {
	if err := checkLengths(gold, pred); err != nil {
		return 0, err
	}
	correct, total := 0, 0
	for i := range gold {
		for j := range gold[i] {
			total++
			if gold[i][j] == pred[i][j] {
				correct++
			}
		}
	}
	return ratio(correct, total), nil
}

func split(label string) (tag, typ string) {
	if label == "" {
		return "O", ""
	}
	tag = label[:1]
	typ = label[1:]
	if i := strings.IndexByte(typ, '-'); i >= 0 {
		typ = typ[i+1:]
	}
	if typ == "" {
		typ = "_"
	}
	return tag, typ
}

func endOfChunk(prevTag, tag, prevType, typ string) bool {
	switch {
	case prevTag == "E", prevTag == "S":
		return true
	case prevTag == "B" && (tag == "B" || tag == "S" || tag == "O"):
		return true
	case prevTag == "I" && (tag == "B" || tag == "S" || tag == "O"):
		return true
	}
	return prevTag != "O" && prevTag != "." && prevType != typ
}

func startOfChunk(prevTag, tag, prevType, typ string) bool {
	switch {
	case tag == "B", tag == "S":
		return true
	case (prevTag == "E" || prevTag == "S" || prevTag == "O") && (tag == "E" || tag == "I"):
		return true
	}
	return tag != "O" && tag != "." && prevType != typ
}

// Entities extracts the chunks of all sequences. Sequences are joined with
// an "O" between them so no chunk crosses a sentence boundary.
func Entities(seqs [][]string) []Entity {
	var flat []string
	for _, s := range seqs {
		flat = append(flat, s...)
		flat = append(flat, "O")
	}
	flat = append(flat, "O")

	var chunks []Entity
	prevTag, prevType := "O", ""
	begin := 0
	for i, label := range flat {
		tag, typ := split(label)
		if endOfChunk(prevTag, tag, prevType, typ) {
			chunks = append(chunks, Entity{Type: prevType, Start: begin, End: i - 1})
		}
		if startOfChunk(prevTag, tag, prevType, typ) {
			begin = i
		}
		prevTag, prevType = tag, typ
	}
	return chunks
}

// Scores are the metrics of one row of a report.
type Scores struct {
	Precision float64
	Recall    float64
	F1        float64
	Support   int
}

func scores(truePos, predicted, support int) Scores {
	s := Scores{
		Precision: ratio(truePos, predicted),
		Recall:    ratio(truePos, support),
		Support:   support,
	}
	if s.Precision+s.Recall > 0 {
		s.F1 = 2 * s.Precision * s.Recall / (s.Precision + s.Recall)
	}
	return s
}

// Report is an entity-level classification report. Accuracy is the
// token-level accuracy of the same sequences.
type Report struct {
	Accuracy float64
	Types    []string
	PerType  map[string]Scores
	Micro    Scores
	Macro    Scores
	Weighted Scores
}

// ClassificationReport compares gold and predicted entities per type.
func ClassificationReport(gold, pred [][]string) (Report, error) {
	acc, err := Accuracy(gold, pred)
	if err != nil {
		return Report{}, err
	}
	trueSet := map[Entity]bool{}
	support := map[string]int{}
	for _, e := range Entities(gold) {
		trueSet[e] = true
		support[e.Type]++
	}
	predicted := map[string]int{}
	hits := map[string]int{}
	for _, e := range Entities(pred) {
		predicted[e.Type]++
		if trueSet[e] {
			hits[e.Type]++
		}
	}

	r := Report{Accuracy: acc, PerType: map[string]Scores{}}
	for typ := range support {
		r.Types = append(r.Types, typ)
	}
	for typ := range predicted {
		if _, ok := support[typ]; !ok {
			r.Types = append(r.Types, typ)
		}
	}
	sort.Strings(r.Types)

	var allHits, allPred, allSupport int
	for _, typ := range r.Types {
		s := scores(hits[typ], predicted[typ], support[typ])
		r.PerType[typ] = s
		allHits += hits[typ]
		allPred += predicted[typ]
		allSupport += s.Support

		r.Macro.Precision += s.Precision
		r.Macro.Recall += s.Recall
		r.Macro.F1 += s.F1
		w := float64(s.Support)
		r.Weighted.Precision += w * s.Precision
		r.Weighted.Recall += w * s.Recall
		r.Weighted.F1 += w * s.F1
	}
	r.Micro = scores(allHits, allPred, allSupport)
	if n := float64(len(r.Types)); n > 0 {
		r.Macro.Precision /= n
		r.Macro.Recall /= n
		r.Macro.F1 /= n
	}
	if allSupport > 0 {
		w := float64(allSupport)
		r.Weighted.Precision /= w
		r.Weighted.Recall /= w
		r.Weighted.F1 /= w
	}
	r.Macro.Support = allSupport
	r.Weighted.Support = allSupport
	return r, nil
}

// String renders the report as a fixed-width table.
func (r Report) String() string {
	width := len("weighted avg")
	for _, typ := range r.Types {
		if len(typ) > width {
			width = len(typ)
		}
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%*s %9s %9s %9s %9s\n\n", width, "", "precision", "recall", "f1-score", "support")
	row := func(name string, s Scores) {
		fmt.Fprintf(&b, "%*s %9.2f %9.2f %9.2f %9d\n", width, name, s.Precision, s.Recall, s.F1, s.Support)
	}
	for _, typ := range r.Types {
		row(typ, r.PerType[typ])
	}
	b.WriteString("\n")
	row("micro avg", r.Micro)
	row("macro avg", r.Macro)
	row("weighted avg", r.Weighted)
	return b.String()
}
