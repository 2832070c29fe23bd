package tokenizer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestEstimateText(t *testing.T) {
	e := NewHeuristic(zap.NewNop(), 0)

	t.Run("chars over four", func(t *testing.T) {
		assert.Equal(t, 1000, e.EstimateText(strings.Repeat("x", 4000)))
	})

	t.Run("never below one", func(t *testing.T) {
		assert.Equal(t, 1, e.EstimateText(""))
		assert.Equal(t, 1, e.EstimateText("ab"))
	})

	t.Run("capped at ceiling", func(t *testing.T) {
		small := NewHeuristic(zap.NewNop(), 100)
		assert.Equal(t, 100, small.EstimateText(strings.Repeat("x", 4000)))
	})
}

func TestEstimateMessages(t *testing.T) {
	e := NewHeuristic(zap.NewNop(), 0)

	t.Run("concatenates content", func(t *testing.T) {
		segments := []Segment{
			{Role: "system", Content: strings.Repeat("a", 2000)},
			{Role: "user", Content: strings.Repeat("b", 2000)},
		}
		assert.Equal(t, 1000, e.EstimateMessages(segments))
	})

	t.Run("empty list is one token", func(t *testing.T) {
		assert.Equal(t, 1, e.EstimateMessages(nil))
	})

	t.Run("deterministic", func(t *testing.T) {
		segments := []Segment{{Role: "user", Content: "hello world"}}
		assert.Equal(t, e.EstimateMessages(segments), e.EstimateMessages(segments))
	})
}
