package tokenizer

import (
	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
)

// DefaultMaxTokens is the defensive ceiling on any single estimate.
const DefaultMaxTokens = 1_000_000

const charsPerToken = 4

// Segment is one message as the estimator sees it.
type Segment struct {
	Role    string
	Content string
}

// Estimator produces prompt-token estimates for calls whose provider did not
// report usage. When the cl100k_base encoding is loadable it counts real BPE
// tokens; otherwise it falls back to the chars/4 heuristic. Either way the
// result is deterministic for a given build and input.
type Estimator struct {
	enc       *tiktoken.Tiktoken
	maxTokens int
	logger    *zap.Logger
}

// New probes for the cl100k_base encoding and degrades to the heuristic
// when it cannot be loaded.
func New(logger *zap.Logger, maxTokens int) *Estimator {
	e := NewHeuristic(logger, maxTokens)

	enc, err := tiktoken.GetEncoding(tiktoken.MODEL_CL100K_BASE)
	if err != nil {
		logger.Info("cl100k_base encoding unavailable, using chars/4 estimation",
			zap.Error(err))
		return e
	}
	e.enc = enc
	return e
}

// NewHeuristic builds an estimator that always uses chars/4.
func NewHeuristic(logger *zap.Logger, maxTokens int) *Estimator {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return &Estimator{
		maxTokens: maxTokens,
		logger:    logger,
	}
}

// EstimateText estimates the token count of a single text.
func (e *Estimator) EstimateText(text string) int {
	if text == "" {
		return e.clamp(1)
	}
	if e.enc != nil {
		return e.clamp(len(e.enc.Encode(text, nil, nil)))
	}
	return e.clamp(len(text) / charsPerToken)
}

// EstimateMessages estimates across a message list. The heuristic branch
// works on the concatenated content; the BPE branch adds the per-message
// framing overhead the chat format carries.
func (e *Estimator) EstimateMessages(segments []Segment) int {
	if len(segments) == 0 {
		return e.clamp(1)
	}

	if e.enc != nil {
		total := 0
		for _, seg := range segments {
			// 4 tokens of framing per message, 2 to prime the reply.
			total += len(e.enc.Encode(seg.Content, nil, nil)) + 4
		}
		return e.clamp(total + 2)
	}

	chars := 0
	for _, seg := range segments {
		chars += len(seg.Content)
	}
	return e.clamp(chars / charsPerToken)
}

func (e *Estimator) clamp(n int) int {
	if n < 1 {
		return 1
	}
	if n > e.maxTokens {
		return e.maxTokens
	}
	return n
}
