// Package vocab maps tokens and tags to the integer ids the model consumes.
package vocab

import "sort"

// Vocabulary represents the mapping between words and token IDs.
type Vocabulary struct {
	WordToToken map[string]int // Maps words (string) to token IDs (int)
	TokenToWord map[int]string // Maps token IDs (int) to words (string)
	Size        int            // Number of ids in use, including reserved ones

	// UnknownTokenID and PaddingTokenID are both 0 for token vocabularies
	// and -1 for tag sets, which reserve nothing.
	UnknownTokenID int
	PaddingTokenID int
}

// NewVocabulary creates an empty Vocabulary with initialized maps.
func NewVocabulary() *Vocabulary {
	return &Vocabulary{
		WordToToken: make(map[string]int),
		TokenToWord: make(map[int]string),
	}
}

// NewTokenVocabulary builds a vocabulary from the distinct words in
// sentences. Words get ids 1..N in sorted order; 0 is shared by padding
// and unknown words.
func NewTokenVocabulary(sentences [][]string) *Vocabulary {
	v := NewVocabulary()
	words := distinct(sentences)
	for i, w := range words {
		v.WordToToken[w] = i + 1
		v.TokenToWord[i+1] = w
	}
	v.Size = len(words) + 1
	return v
}

// NewTagSet builds a tag vocabulary with ids 0..T-1 in sorted order and
// extra labels appended after them. Labels already seen are not repeated.
func NewTagSet(sequences [][]string, extra ...string) *Vocabulary {
	v := NewVocabulary()
	v.UnknownTokenID, v.PaddingTokenID = -1, -1
	for _, t := range distinct(sequences) {
		v.add(t)
	}
	for _, t := range extra {
		if _, ok := v.WordToToken[t]; !ok {
			v.add(t)
		}
	}
	return v
}

func (v *Vocabulary) add(word string) {
	v.WordToToken[word] = v.Size
	v.TokenToWord[v.Size] = word
	v.Size++
}

func distinct(sequences [][]string) []string {
	seen := make(map[string]struct{})
	for _, seq := range sequences {
		for _, w := range seq {
			seen[w] = struct{}{}
		}
	}
	words := make([]string, 0, len(seen))
	for w := range seen {
		words = append(words, w)
	}
	sort.Strings(words)
	return words
}

// GetTokenID retrieves the token ID for a given word.
// Returns the UnknownTokenID if the word is not in the vocabulary.
func (v *Vocabulary) GetTokenID(word string) int {
	if id, ok := v.WordToToken[word]; ok {
		return id
	}
	return v.UnknownTokenID
}

// Encode maps words to ids.
func (v *Vocabulary) Encode(words []string) []int {
	ids := make([]int, len(words))
	for i, w := range words {
		ids[i] = v.GetTokenID(w)
	}
	return ids
}
