package credit

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Counter counts the tokens a model's tokenizer would produce for a
// piece of text. Billing uses real token counts, never character
// heuristics.
type Counter interface {
	Count(model, text string) (int, error)
}

// TiktokenCounter counts tokens with the BPE encodings published for
// OpenAI models. Encoders are expensive to construct, so they are
// cached per encoding name.
type TiktokenCounter struct {
	mu       sync.Mutex
	encoders map[string]*tiktoken.Tiktoken
}

// NewTiktokenCounter returns a counter with an empty encoder cache.
// Encoders are loaded lazily on first use per model.
func NewTiktokenCounter() *TiktokenCounter {
	return &TiktokenCounter{encoders: make(map[string]*tiktoken.Tiktoken)}
}

// Count returns the token count of text under model's tokenizer.
// Models without a registered encoding fall back to cl100k_base,
// which is what current chat models share.
func (c *TiktokenCounter) Count(model, text string) (int, error) {
	enc, err := c.encoderFor(model)
	if err != nil {
		return 0, err
	}
	return len(enc.Encode(text, nil, nil)), nil
}

func (c *TiktokenCounter) encoderFor(model string) (*tiktoken.Tiktoken, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if enc, ok := c.encoders[model]; ok {
		return enc, nil
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding(tiktoken.MODEL_CL100K_BASE)
		if err != nil {
			return nil, fmt.Errorf("loading tokenizer for %s: %w", model, err)
		}
	}
	c.encoders[model] = enc
	return enc, nil
}
