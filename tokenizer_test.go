package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTestVocab(t *testing.T) string {
	t.Helper()
	vocab := []string{
		"[PAD]", "[UNK]", "[CLS]", "[SEP]",
		"hello", "world", "un", "##aff", "##able", "!", ",",
	}
	path := filepath.Join(t.TempDir(), "vocab.txt")
	if err := os.WriteFile(path, []byte(strings.Join(vocab, "\n")+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestTokenizerEncode(t *testing.T) {
	tok, err := NewTokenizer(writeTestVocab(t), 16)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		text string
		want []int
	}{
		{"simple words", "hello world", []int{2, 4, 5, 3}},
		{"wordpiece continuation", "unaffable", []int{2, 6, 7, 8, 3}},
		{"unknown word", "xyzzy", []int{2, 1, 3}},
		{"punctuation split", "hello, world!", []int{2, 4, 10, 5, 9, 3}},
		{"case folding", "HELLO World", []int{2, 4, 5, 3}},
		{"accent stripping", "héllo wörld", []int{2, 4, 5, 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tok.Encode(tt.text)
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("got %v, want %v", got, tt.want)
				}
			}
		})
	}
}

func TestTokenizerTruncation(t *testing.T) {
	tok, err := NewTokenizer(writeTestVocab(t), 4)
	if err != nil {
		t.Fatal(err)
	}

	got := tok.Encode("hello world hello world hello")
	if len(got) != 4 {
		t.Fatalf("expected length 4 after truncation, got %d", len(got))
	}
	if got[0] != tok.clsID || got[len(got)-1] != tok.sepID {
		t.Errorf("truncated sequence must keep [CLS] and [SEP]: %v", got)
	}
}

func TestTokenizerEncodeBatchPadding(t *testing.T) {
	tok, err := NewTokenizer(writeTestVocab(t), 16)
	if err != nil {
		t.Fatal(err)
	}

	batch := tok.EncodeBatch([]string{"hello", "hello world hello"})
	if len(batch) != 2 {
		t.Fatalf("expected 2 sequences, got %d", len(batch))
	}
	if len(batch[0]) != len(batch[1]) {
		t.Fatalf("batch is not rectangular: %d vs %d", len(batch[0]), len(batch[1]))
	}
	// The short sequence must end in padding.
	if batch[0][len(batch[0])-1] != tok.PadID() {
		t.Errorf("short sequence is not padded: %v", batch[0])
	}
}

func TestTokenizerMissingSpecials(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vocab.txt")
	if err := os.WriteFile(path, []byte("hello\nworld\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewTokenizer(path, 16); err == nil {
		t.Error("expected an error for a vocabulary without special tokens")
	}
}
