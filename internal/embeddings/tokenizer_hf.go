package embeddings

import (
	"fmt"
	"sync"

	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"
)

// HFTokenizer encodes with a Hugging Face tokenizer.json, so normalization,
// pre-tokenization and special tokens follow the model's own definition.
type HFTokenizer struct {
	mu    sync.Mutex
	tk    *tokenizer.Tokenizer
	padID int64
}

// LoadHFTokenizer reads a tokenizer.json file.
func LoadHFTokenizer(path string) (*HFTokenizer, error) {
	tk, err := pretrained.FromFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load tokenizer.json: %w", err)
	}

	t := &HFTokenizer{tk: tk}
	for _, pad := range []string{"[PAD]", "<pad>"} {
		if id, ok := tk.TokenToId(pad); ok {
			t.padID = int64(id)
			break
		}
	}
	return t, nil
}

// VocabSize returns the vocabulary size including added tokens.
func (t *HFTokenizer) VocabSize() int {
	return t.tk.GetVocabSize(true)
}

// Encode implements Tokenizer.
func (t *HFTokenizer) Encode(texts []string, maxLength int) (*TokenizedBatch, error) {
	if maxLength < 2 {
		return nil, fmt.Errorf("max length %d leaves no room for special tokens", maxLength)
	}

	ids := make([][]int64, len(texts))
	typeIDs := make([][]int64, len(texts))
	truncated := make([]bool, len(texts))
	seqLen := 0
	for i, text := range texts {
		t.mu.Lock()
		en, err := t.tk.EncodeSingle(text, true)
		t.mu.Unlock()
		if err != nil {
			return nil, fmt.Errorf("text %d: %w", i, err)
		}
		ids[i], typeIDs[i], truncated[i] = truncateEncoding(en, maxLength)
		if len(ids[i]) > seqLen {
			seqLen = len(ids[i])
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
	for i := range texts {
		offset := i * seqLen
		for j := 0; j < seqLen; j++ {
			if j < len(ids[i]) {
				batch.InputIDs[offset+j] = ids[i][j]
				batch.TokenTypeIDs[offset+j] = typeIDs[i][j]
				batch.AttentionMask[offset+j] = 1
			} else {
				batch.InputIDs[offset+j] = t.padID
			}
		}
	}
	return batch, nil
}

// truncateEncoding keeps every special token plus as many leading content
// tokens as fit in maxLength.
func truncateEncoding(en *tokenizer.Encoding, maxLength int) ([]int64, []int64, bool) {
	special := en.SpecialTokenMask
	if len(special) != len(en.Ids) {
		special = make([]int, len(en.Ids))
	}
	budget := maxLength
	for _, s := range special {
		if s == 1 {
			budget--
		}
	}

	ids := make([]int64, 0, len(en.Ids))
	typeIDs := make([]int64, 0, len(en.Ids))
	truncated := false
	content := 0
	for i, id := range en.Ids {
		if special[i] != 1 {
			if content >= budget {
				truncated = true
				continue
			}
			content++
		}
		ids = append(ids, int64(id))
		if i < len(en.TypeIds) {
			typeIDs = append(typeIDs, int64(en.TypeIds[i]))
		} else {
			typeIDs = append(typeIDs, 0)
		}
	}
	if len(ids) > maxLength {
		ids, typeIDs, truncated = ids[:maxLength], typeIDs[:maxLength], true
	}
	return ids, typeIDs, truncated
}
