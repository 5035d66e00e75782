package vocab

import (
	"testing"

	"github.com/davecgh/go-spew/spew"
)

func TestTokenVocabularyIsSortedFromOne(t *testing.T) {
	v := NewTokenVocabulary([][]string{{"the", "cat"}, {"a", "cat"}})
	want := map[string]int{"a": 1, "cat": 2, "the": 3}
	for w, id := range want {
		if got := v.GetTokenID(w); got != id {
			t.Errorf("GetTokenID(%q) = %d, want %d", w, got, id)
		}
	}
	if v.Size != 4 {
		t.Errorf("Size = %d, want 4", v.Size)
	}
	if got := v.GetTokenID("dog"); got != 0 {
		t.Errorf("unknown word id = %d, want 0", got)
	}
}

func TestTagSetAppendsExtra(t *testing.T) {
	v := NewTagSet([][]string{{"O", "B-per"}, {"I-per", "O"}}, "PAD", "O")
	want := []string{"B-per", "I-per", "O", "PAD"}
	if v.Size != len(want) {
		t.Fatalf("Size = %d, want %d\n%s", v.Size, len(want), spew.Sdump(v.TokenToWord))
	}
	for id, w := range want {
		if v.TokenToWord[id] != w {
			t.Fatalf("tag %d = %q, want %q\n%s", id, v.TokenToWord[id], w, spew.Sdump(v.TokenToWord))
		}
	}
	if v.GetTokenID("missing") != -1 {
		t.Error("unknown tag should map to -1")
	}
}

func TestEncode(t *testing.T) {
	v := NewTokenVocabulary([][]string{{"x", "y"}})
	got := v.Encode([]string{"y", "z", "x"})
	want := []int{2, 0, 1}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Encode = %v, want %v", got, want)
		}
	}
}
