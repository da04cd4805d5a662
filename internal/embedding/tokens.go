package embedding

import (
	"fmt"

	"github.com/tiktoken-go/tokenizer"
)

// Tokenizer counts and truncates text against the cl100k_base vocabulary
// used by the text-embedding-3 model family.
type Tokenizer struct {
	codec tokenizer.Codec
}

// NewTokenizer loads the cl100k_base codec.
func NewTokenizer() (*Tokenizer, error) {
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return nil, fmt.Errorf("load cl100k_base tokenizer: %w", err)
	}
	return &Tokenizer{codec: codec}, nil
}

// Count returns the number of tokens in text.
func (t *Tokenizer) Count(text string) (int, error) {
	n, err := t.codec.Count(text)
	if err != nil {
		return 0, fmt.Errorf("count tokens: %w", err)
	}
	return n, nil
}

// Truncate cuts text down to at most maxTokens tokens, re-decoding on token
// boundaries so multi-byte runes are never split.
func (t *Tokenizer) Truncate(text string, maxTokens int) (string, error) {
	if maxTokens <= 0 {
		return "", nil
	}
	ids, _, err := t.codec.Encode(text)
	if err != nil {
		return "", fmt.Errorf("encode for truncation: %w", err)
	}
	if len(ids) <= maxTokens {
		return text, nil
	}
	out, err := t.codec.Decode(ids[:maxTokens])
	if err != nil {
		return "", fmt.Errorf("decode truncated tokens: %w", err)
	}
	return out, nil
}

// SplitBatches packs texts into batches where no batch exceeds batchSize
// items or maxTokens total tokens. Texts over maxTokens on their own are
// truncated first. Input order is preserved across batches.
func (t *Tokenizer) SplitBatches(texts []string, batchSize, maxTokens int) ([][]string, error) {
	if batchSize <= 0 {
		batchSize = 1
	}
	var (
		batches  [][]string
		current  []string
		curToks  int
	)
	flush := func() {
		if len(current) > 0 {
			batches = append(batches, current)
			current = nil
			curToks = 0
		}
	}
	for _, text := range texts {
		n, err := t.Count(text)
		if err != nil {
			return nil, err
		}
		if maxTokens > 0 && n > maxTokens {
			text, err = t.Truncate(text, maxTokens)
			if err != nil {
				return nil, err
			}
			n = maxTokens
		}
		if len(current) >= batchSize || (maxTokens > 0 && curToks+n > maxTokens && len(current) > 0) {
			flush()
		}
		current = append(current, text)
		curToks += n
	}
	flush()
	return batches, nil
}

// Chunk splits text into pieces of at most chunkTokens tokens with the given
// token overlap between consecutive pieces. Used for long captured articles.
func (t *Tokenizer) Chunk(text string, chunkTokens, overlap int) ([]string, error) {
	if chunkTokens <= 0 {
		return []string{text}, nil
	}
	if overlap >= chunkTokens {
		overlap = chunkTokens / 4
	}
	ids, _, err := t.codec.Encode(text)
	if err != nil {
		return nil, fmt.Errorf("encode for chunking: %w", err)
	}
	if len(ids) <= chunkTokens {
		return []string{text}, nil
	}
	var chunks []string
	step := chunkTokens - overlap
	for start := 0; start < len(ids); start += step {
		end := start + chunkTokens
		if end > len(ids) {
			end = len(ids)
		}
		piece, err := t.codec.Decode(ids[start:end])
		if err != nil {
			return nil, fmt.Errorf("decode chunk: %w", err)
		}
		chunks = append(chunks, piece)
		if end == len(ids) {
			break
		}
	}
	return chunks, nil
}
