package embeddings

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Tokenizer converts a sub-batch of texts into padded model inputs.
type Tokenizer interface {
	// Encode pads every sequence to the longest one in texts and truncates
	// sequences longer than maxLength tokens, special tokens included.
	Encode(texts []string, maxLength int) (*TokenizedBatch, error)
}

const maxWordPieceChars = 100

// WordPieceTokenizer is a BERT-style uncased tokenizer driven by a vocab.txt file.
type WordPieceTokenizer struct {
	vocab     map[string]int64
	lowerCase bool
	padID     int64
	unkID     int64
	clsID     int64
	sepID     int64
}

// LoadWordPieceTokenizer reads a vocab.txt (one token per line, id = line number).
func LoadWordPieceTokenizer(vocabPath string, lowerCase bool) (*WordPieceTokenizer, error) {
	f, err := os.Open(vocabPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open vocab file: %w", err)
	}
	defer f.Close()
	return NewWordPieceTokenizer(f, lowerCase)
}

// NewWordPieceTokenizer builds a tokenizer from a vocab stream.
func NewWordPieceTokenizer(r io.Reader, lowerCase bool) (*WordPieceTokenizer, error) {
	vocab := make(map[string]int64)
	scanner := bufio.NewScanner(r)
	var id int64
	for scanner.Scan() {
		token := strings.TrimRight(scanner.Text(), "\r")
		if token != "" {
			if _, dup := vocab[token]; !dup {
				vocab[token] = id
			}
		}
		id++
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read vocab: %w", err)
	}

	t := &WordPieceTokenizer{vocab: vocab, lowerCase: lowerCase}
	for name, dst := range map[string]*int64{
		"[PAD]": &t.padID,
		"[UNK]": &t.unkID,
		"[CLS]": &t.clsID,
		"[SEP]": &t.sepID,
	} {
		v, ok := vocab[name]
		if !ok {
			return nil, fmt.Errorf("vocab is missing special token %s", name)
		}
		*dst = v
	}
	return t, nil
}

// VocabSize returns the number of distinct tokens.
func (t *WordPieceTokenizer) VocabSize() int {
	return len(t.vocab)
}

// Encode implements Tokenizer.
func (t *WordPieceTokenizer) Encode(texts []string, maxLength int) (*TokenizedBatch, error) {
	if maxLength < 2 {
		return nil, fmt.Errorf("max length %d leaves no room for special tokens", maxLength)
	}

	rows := make([][]int64, len(texts))
	truncated := make([]bool, len(texts))
	seqLen := 0
	for i, text := range texts {
		ids := t.tokenIDs(text)
		if len(ids) > maxLength-2 {
			ids = ids[:maxLength-2]
			truncated[i] = true
		}
		row := make([]int64, 0, len(ids)+2)
		row = append(row, t.clsID)
		row = append(row, ids...)
		row = append(row, t.sepID)
		rows[i] = row
		if len(row) > seqLen {
			seqLen = len(row)
		}
	}

	batch := &TokenizedBatch{
		InputIDs:      make([]int64, len(texts)*seqLen),
		AttentionMask: make([]int64, len(texts)*seqLen),
		TokenTypeIDs:  make([]int64, len(texts)*seqLen),
		BatchSize:     len(texts),
		SeqLen:        seqLen,
		Truncated:     truncated,
	}
	for i, row := range rows {
		offset := i * seqLen
		for j := 0; j < seqLen; j++ {
			if j < len(row) {
				batch.InputIDs[offset+j] = row[j]
				batch.AttentionMask[offset+j] = 1
			} else {
				batch.InputIDs[offset+j] = t.padID
			}
		}
	}
	return batch, nil
}

// Tokenize returns the word pieces for text without special tokens.
func (t *WordPieceTokenizer) Tokenize(text string) []string {
	var pieces []string
	for _, word := range t.basicTokenize(text) {
		pieces = append(pieces, t.wordPiece(word)...)
	}
	return pieces
}

func (t *WordPieceTokenizer) tokenIDs(text string) []int64 {
	pieces := t.Tokenize(text)
	ids := make([]int64, len(pieces))
	for i, p := range pieces {
		if id, ok := t.vocab[p]; ok {
			ids[i] = id
		} else {
			ids[i] = t.unkID
		}
	}
	return ids
}

// basicTokenize cleans text, splits on whitespace and punctuation and
// isolates CJK ideographs.
func (t *WordPieceTokenizer) basicTokenize(text string) []string {
	var b strings.Builder
	for _, r := range text {
		switch {
		case r == 0 || r == unicode.ReplacementChar || isControl(r):
			continue
		case isWhitespace(r):
			b.WriteRune(' ')
		case isCJK(r):
			b.WriteRune(' ')
			b.WriteRune(r)
			b.WriteRune(' ')
		default:
			b.WriteRune(r)
		}
	}

	var out []string
	for _, word := range strings.Fields(b.String()) {
		if t.lowerCase {
			word = stripAccents(strings.ToLower(word))
		}
		out = append(out, splitPunctuation(word)...)
	}
	return out
}

// wordPiece applies greedy longest-match-first segmentation.
func (t *WordPieceTokenizer) wordPiece(word string) []string {
	chars := []rune(word)
	if len(chars) > maxWordPieceChars {
		return []string{"[UNK]"}
	}

	var pieces []string
	start := 0
	for start < len(chars) {
		end := len(chars)
		found := ""
		for start < end {
			candidate := string(chars[start:end])
			if start > 0 {
				candidate = "##" + candidate
			}
			if _, ok := t.vocab[candidate]; ok {
				found = candidate
				break
			}
			end--
		}
		if found == "" {
			return []string{"[UNK]"}
		}
		pieces = append(pieces, found)
		start = end
	}
	return pieces
}

func stripAccents(s string) string {
	tr := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)))
	out, _, err := transform.String(tr, s)
	if err != nil {
		return s
	}
	return out
}

func splitPunctuation(word string) []string {
	var out []string
	var cur []rune
	for _, r := range word {
		if isPunctuation(r) {
			if len(cur) > 0 {
				out = append(out, string(cur))
				cur = cur[:0]
			}
			out = append(out, string(r))
			continue
		}
		cur = append(cur, r)
	}
	if len(cur) > 0 {
		out = append(out, string(cur))
	}
	return out
}

func isWhitespace(r rune) bool {
	if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
		return true
	}
	return unicode.Is(unicode.Zs, r)
}

// isControl reports every "C" category rune: Cc, Cf, Co, Cs and unassigned
// (Cn) code points. Tab and newlines are whitespace instead.
func isControl(r rune) bool {
	if r == '\t' || r == '\n' || r == '\r' {
		return false
	}
	return unicode.In(r, unicode.C) || !unicode.In(r, unicode.L, unicode.M, unicode.N, unicode.P, unicode.S, unicode.Z)
}

// isPunctuation treats every non-alphanumeric ASCII symbol as punctuation,
// matching BERT's basic tokenizer.
func isPunctuation(r rune) bool {
	if (r >= 33 && r <= 47) || (r >= 58 && r <= 64) || (r >= 91 && r <= 96) || (r >= 123 && r <= 126) {
		return true
	}
	return unicode.IsPunct(r)
}

func isCJK(r rune) bool {
	return (r >= 0x4E00 && r <= 0x9FFF) ||
		(r >= 0x3400 && r <= 0x4DBF) ||
		(r >= 0x20000 && r <= 0x2A6DF) ||
		(r >= 0x2A700 && r <= 0x2B73F) ||
		(r >= 0x2B740 && r <= 0x2B81F) ||
		(r >= 0x2B820 && r <= 0x2CEAF) ||
		(r >= 0xF900 && r <= 0xFAFF) ||
		(r >= 0x2F800 && r <= 0x2FA1F)
}
