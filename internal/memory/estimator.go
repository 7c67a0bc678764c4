package memory

import (
	"github.com/tiktoken-go/tokenizer"
)

// defaultCharsPerToken is the heuristic average used when no real
// tokenizer is configured. One token is roughly four characters of
// English text.
const defaultCharsPerToken = 4

// TokenEstimator approximates the LLM cost of a piece of text.
type TokenEstimator interface {
	Estimate(text string) int
}

// HeuristicEstimator divides character count by a fixed average.
// It is the default: fast, deterministic, and close enough for
// budgeting decisions.
type HeuristicEstimator struct {
	CharsPerToken int
}

// Estimate returns len(text) / CharsPerToken.
func (h HeuristicEstimator) Estimate(text string) int {
	cpt := h.CharsPerToken
	if cpt <= 0 {
		cpt = defaultCharsPerToken
	}
	return len(text) / cpt
}

// BPEEstimator counts tokens with a real BPE tokenizer. Slower than the
// heuristic but exact for models using the cl100k vocabulary.
type BPEEstimator struct {
	codec tokenizer.Codec
}

// NewBPEEstimator builds a cl100k-based estimator.
func NewBPEEstimator() (*BPEEstimator, error) {
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return nil, err
	}
	return &BPEEstimator{codec: codec}, nil
}

// Estimate returns the exact BPE token count, falling back to the
// heuristic if encoding fails.
func (e *BPEEstimator) Estimate(text string) int {
	ids, _, err := e.codec.Encode(text)
	if err != nil {
		return HeuristicEstimator{}.Estimate(text)
	}
	return len(ids)
}
