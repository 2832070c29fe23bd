package circuitbreaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b := New(3, time.Minute)

	assert.False(t, b.IsOpen())

	b.RecordFailure()
	b.RecordFailure()
	assert.False(t, b.IsOpen(), "still below threshold")

	b.RecordFailure()
	assert.True(t, b.IsOpen())

	open, failures := b.State()
	assert.True(t, open)
	assert.Equal(t, 3, failures)
}

func TestBreaker_SuccessResets(t *testing.T) {
	b := New(2, time.Minute)

	b.RecordFailure()
	b.RecordFailure()
	assert.True(t, b.IsOpen())

	b.RecordSuccess()
	assert.False(t, b.IsOpen())

	_, failures := b.State()
	assert.Equal(t, 0, failures)
}

func TestBreaker_CooldownCloses(t *testing.T) {
	b := New(1, 20*time.Millisecond)

	b.RecordFailure()
	assert.True(t, b.IsOpen())

	time.Sleep(30 * time.Millisecond)
	assert.False(t, b.IsOpen(), "cooldown elapsed")
}

func TestBreaker_DefaultsApplied(t *testing.T) {
	b := New(0, 0)
	assert.Equal(t, 5, b.threshold)
	assert.Equal(t, 30*time.Second, b.cooldown)
}

func TestManager_PerUpstreamIsolation(t *testing.T) {
	m := NewManager(1, time.Minute)

	m.RecordFailure("openai/gpt-4o")
	assert.True(t, m.IsOpen("openai/gpt-4o"))
	assert.False(t, m.IsOpen("anthropic/claude-sonnet"), "other upstream unaffected")

	m.Reset("openai/gpt-4o")
	assert.False(t, m.IsOpen("openai/gpt-4o"))
}

func TestManager_GetReturnsSameBreaker(t *testing.T) {
	m := NewManager(3, time.Minute)

	first := m.Get("openai/gpt-4o")
	second := m.Get("openai/gpt-4o")
	assert.Same(t, first, second)
}

func TestManager_States(t *testing.T) {
	m := NewManager(1, time.Minute)

	m.RecordFailure("openai/gpt-4o")
	m.RecordSuccess("anthropic/claude-sonnet")

	states := m.States()
	assert.Len(t, states, 2)
	assert.Equal(t, true, states["openai/gpt-4o"]["is_open"])
	assert.Equal(t, false, states["anthropic/claude-sonnet"]["is_open"])
}

func TestManager_ResetAll(t *testing.T) {
	m := NewManager(1, time.Minute)

	m.RecordFailure("a/x")
	m.RecordFailure("b/y")

	m.ResetAll()
	assert.False(t, m.IsOpen("a/x"))
	assert.False(t, m.IsOpen("b/y"))
}
