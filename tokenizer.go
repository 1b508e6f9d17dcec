package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// ===========================================================================
// WORDPIECE TOKENIZER
// ===========================================================================
//
// Standard BERT preprocessing: basic tokenization (lowercase, NFD
// accent stripping, punctuation splitting) followed by greedy
// longest-match-first WordPiece with "##" continuation pieces. The
// vocabulary is a plain text file, one token per line, line number =
// token id.
//
// ===========================================================================

const (
	clsToken = "[CLS]"
	sepToken = "[SEP]"
	unkToken = "[UNK]"
	padToken = "[PAD]"

	// Words longer than this are mapped straight to [UNK] rather than
	// decomposed, matching the reference WordPiece implementations.
	maxWordChars = 100
)

// Tokenizer converts raw text into padded token id sequences.
type Tokenizer struct {
	vocab     map[string]int
	maxSeqLen int

	clsID int
	sepID int
	unkID int
	padID int
}

// NewTokenizer loads a vocabulary file and prepares a tokenizer that
// truncates sequences to maxSeqLen ids including [CLS] and [SEP].
func NewTokenizer(vocabPath string, maxSeqLen int) (*Tokenizer, error) {
	if maxSeqLen < 3 {
		return nil, fmt.Errorf("%w: maxSeqLen %d leaves no room for content tokens", ErrInvalidConfig, maxSeqLen)
	}

	f, err := os.Open(vocabPath)
	if err != nil {
		return nil, fmt.Errorf("tokenizer: open vocabulary: %w", err)
	}
	defer f.Close()

	vocab := make(map[string]int)
	scanner := bufio.NewScanner(f)
	for i := 0; scanner.Scan(); i++ {
		vocab[strings.TrimSpace(scanner.Text())] = i
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("tokenizer: read vocabulary: %w", err)
	}

	t := &Tokenizer{vocab: vocab, maxSeqLen: maxSeqLen}
	for _, sp := range []struct {
		tok string
		id  *int
	}{{clsToken, &t.clsID}, {sepToken, &t.sepID}, {unkToken, &t.unkID}, {padToken, &t.padID}} {
		id, ok := vocab[sp.tok]
		if !ok {
			return nil, fmt.Errorf("tokenizer: vocabulary missing %s", sp.tok)
		}
		*sp.id = id
	}
	return t, nil
}

// VocabSize returns the number of entries in the vocabulary.
func (t *Tokenizer) VocabSize() int {
	return len(t.vocab)
}

// PadID returns the padding token id.
func (t *Tokenizer) PadID() int {
	return t.padID
}

// Encode tokenizes one text into [CLS] pieces... [SEP], truncated to
// the configured maximum length.
func (t *Tokenizer) Encode(text string) []int {
	ids := []int{t.clsID}
	for _, word := range basicTokenize(text) {
		ids = append(ids, t.wordpiece(word)...)
	}
	if len(ids) > t.maxSeqLen-1 {
		ids = ids[:t.maxSeqLen-1]
	}
	return append(ids, t.sepID)
}

// EncodeBatch tokenizes each text and right-pads all sequences to the
// longest one with [PAD], so the result is rectangular.
func (t *Tokenizer) EncodeBatch(texts []string) [][]int {
	batch := make([][]int, len(texts))
	longest := 0
	for i, text := range texts {
		batch[i] = t.Encode(text)
		if len(batch[i]) > longest {
			longest = len(batch[i])
		}
	}
	for i := range batch {
		for len(batch[i]) < longest {
			batch[i] = append(batch[i], t.padID)
		}
	}
	return batch
}

// wordpiece splits one basic token into subword ids by greedy
// longest-match-first lookup.
func (t *Tokenizer) wordpiece(word string) []int {
	runes := []rune(word)
	if len(runes) > maxWordChars {
		return []int{t.unkID}
	}

	var ids []int
	start := 0
	for start < len(runes) {
		end := len(runes)
		found := -1
		for end > start {
			piece := string(runes[start:end])
			if start > 0 {
				piece = "##" + piece
			}
			if id, ok := t.vocab[piece]; ok {
				found = id
				break
			}
			end--
		}
		if found < 0 {
			// One char failed to match: the whole word becomes [UNK].
			return []int{t.unkID}
		}
		ids = append(ids, found)
		start = end
	}
	return ids
}

// basicTokenize lowercases, strips accents, and splits on whitespace
// and punctuation.
func basicTokenize(text string) []string {
	var words []string
	var cur strings.Builder

	flush := func() {
		if cur.Len() > 0 {
			words = append(words, cur.String())
			cur.Reset()
		}
	}

	for _, r := range norm.NFD.String(strings.ToLower(text)) {
		switch {
		case unicode.Is(unicode.Mn, r):
			// Combining mark left over from NFD decomposition: drop it.
		case unicode.IsSpace(r):
			flush()
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			flush()
			words = append(words, string(r))
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return words
}
