// Package datareader loads tagged sentences, builds the token and tag
// vocabularies and turns the corpus into padded id and one-hot sequences.
package datareader

import (
	"bufio"
	"encoding/csv"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/unicode/norm"
)

// Corpus formats accepted by Read.
const (
	FormatCoNLL = "conll"
	FormatCSV   = "csv"
)

// Sentence is one tagged sentence; Words and Tags have the same length.
type Sentence struct {
	Words []string
	Tags  []string
}

// ReadFile opens path and reads it in the given format. CSV files are
// decoded from ISO-8859-1 when latin1 is set, as the Kaggle NER export is.
func ReadFile(path, format string, latin1 bool) ([]Sentence, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening corpus %s", path)
	}
	defer f.Close()

	var r io.Reader = f
	if latin1 {
		r = charmap.ISO8859_1.NewDecoder().Reader(f)
	}
	switch format {
	case FormatCoNLL:
		return ReadCoNLL(r)
	case FormatCSV:
		return ReadCSV(r)
	default:
		return nil, errors.Errorf("unknown corpus format %q", format)
	}
}

// ReadCoNLL reads whitespace-separated columns with the token first and the
// tag last. Blank lines end a sentence and -DOCSTART- lines are skipped.
func ReadCoNLL(r io.Reader) ([]Sentence, error) {
	var sentences []Sentence
	var cur Sentence
	flush := func() {
		if len(cur.Words) > 0 {
			sentences = append(sentences, cur)
		}
		cur = Sentence{}
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			flush()
			continue
		}
		if fields[0] == "-DOCSTART-" {
			continue
		}
		if len(fields) < 2 {
			return nil, errors.Errorf("line %d: expected a token and a tag, got %q", line, scanner.Text())
		}
		cur.Words = append(cur.Words, normalize(fields[0]))
		cur.Tags = append(cur.Tags, fields[len(fields)-1])
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "reading CoNLL corpus")
	}
	flush()
	return sentences, nil
}

// ReadCSV reads the "Sentence #,Word,POS,Tag" layout where only the first
// row of every sentence carries the sentence label.
func ReadCSV(r io.Reader) ([]Sentence, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	header, err := cr.Read()
	if err != nil {
		return nil, errors.Wrap(err, "reading CSV header")
	}
	col := map[string]int{}
	for i, h := range header {
		col[strings.TrimSpace(h)] = i
	}
	sentCol, ok1 := col["Sentence #"]
	wordCol, ok2 := col["Word"]
	tagCol, ok3 := col["Tag"]
	if !ok1 || !ok2 || !ok3 {
		return nil, errors.Errorf("CSV header %v lacks Sentence #, Word or Tag", header)
	}

	var sentences []Sentence
	for row := 2; ; row++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "reading CSV row %d", row)
		}
		if len(rec) <= tagCol || len(rec) <= wordCol || len(rec) <= sentCol {
			return nil, errors.Errorf("CSV row %d has %d fields", row, len(rec))
		}
		if strings.TrimSpace(rec[sentCol]) != "" || len(sentences) == 0 {
			sentences = append(sentences, Sentence{})
		}
		s := &sentences[len(sentences)-1]
		s.Words = append(s.Words, normalize(rec[wordCol]))
		s.Tags = append(s.Tags, strings.TrimSpace(rec[tagCol]))
	}
	return sentences, nil
}

func normalize(token string) string {
	return norm.NFC.String(strings.TrimSpace(token))
}
