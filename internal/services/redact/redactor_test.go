package redact

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestApply(t *testing.T) {
	r := New(zap.NewNop(), nil)

	t.Run("secret assignments", func(t *testing.T) {
		redacted, _, was := r.Apply("use api_key=sk-12345abc for auth")

		assert.True(t, was)
		assert.NotContains(t, redacted, "sk-12345abc")
		assert.Contains(t, redacted, Replacement)
	})

	t.Run("bearer tokens", func(t *testing.T) {
		redacted, _, was := r.Apply("header: Bearer eyJhbGciOiJIUzI1NiJ9.payload")

		assert.True(t, was)
		assert.NotContains(t, redacted, "eyJhbGciOiJIUzI1NiJ9")
	})

	t.Run("ssn-like sequences", func(t *testing.T) {
		redacted, _, was := r.Apply("ssn is 123-45-6789 ok")

		assert.True(t, was)
		assert.Equal(t, "ssn is [REDACTED] ok", redacted)
	})

	t.Run("long digit runs", func(t *testing.T) {
		redacted, _, was := r.Apply("card 4111111111111111 on file")

		assert.True(t, was)
		assert.Equal(t, "card [REDACTED] on file", redacted)
	})

	t.Run("short digit runs survive", func(t *testing.T) {
		redacted, _, was := r.Apply("order 123456 shipped")

		assert.False(t, was)
		assert.Equal(t, "order 123456 shipped", redacted)
	})

	t.Run("emails", func(t *testing.T) {
		redacted, _, was := r.Apply("contact alice@example.com today")

		assert.True(t, was)
		assert.Equal(t, "contact [REDACTED] today", redacted)
	})

	t.Run("clean text untouched", func(t *testing.T) {
		redacted, digest, was := r.Apply("hello world")

		assert.False(t, was)
		assert.Equal(t, "hello world", redacted)
		assert.NotEmpty(t, digest)
	})

	t.Run("empty input", func(t *testing.T) {
		redacted, digest, was := r.Apply("")

		assert.False(t, was)
		assert.Empty(t, redacted)
		assert.Empty(t, digest)
	})
}

func TestDigestOverRedactedForm(t *testing.T) {
	r := New(zap.NewNop(), nil)

	raw := "my password=hunter2 here"
	redacted, digest, was := r.Apply(raw)
	require.True(t, was)

	// The digest must match the redacted text, never the raw input.
	redactedSum := sha256.Sum256([]byte(redacted))
	rawSum := sha256.Sum256([]byte(raw))

	assert.Equal(t, hex.EncodeToString(redactedSum[:]), digest)
	assert.NotEqual(t, hex.EncodeToString(rawSum[:]), digest)
}

func TestCustomPatterns(t *testing.T) {
	t.Run("extra pattern applied after builtins", func(t *testing.T) {
		r := New(zap.NewNop(), []Pattern{
			{Name: "internal_id", Pattern: `ID-\d{4}`},
		})

		redacted, _, was := r.Apply("record ID-9921 found")

		assert.True(t, was)
		assert.Equal(t, "record [REDACTED] found", redacted)
	})

	t.Run("extras run in slice order", func(t *testing.T) {
		// The first rule consumes the whole marker, so the second never
		// matches; a map would make this order a coin flip.
		r := New(zap.NewNop(), []Pattern{
			{Name: "full_marker", Pattern: `X-\d+-Y`},
			{Name: "digits_only", Pattern: `\d+-Y`},
		})

		redacted, _, was := r.Apply("trace X-123-Y end")

		assert.True(t, was)
		assert.Equal(t, "trace [REDACTED] end", redacted)
	})

	t.Run("invalid pattern skipped", func(t *testing.T) {
		r := New(zap.NewNop(), []Pattern{
			{Name: "broken", Pattern: `([unclosed`},
		})

		// Builtins still work.
		redacted, _, was := r.Apply("mail bob@example.com")
		assert.True(t, was)
		assert.NotContains(t, redacted, "bob@example.com")
	})
}

func TestApplyIsOrdered(t *testing.T) {
	r := New(zap.NewNop(), nil)

	// The assignment rule swallows the digits before the card rule sees them,
	// so exactly one replacement appears.
	redacted, _, was := r.Apply("token=4111111111111111")

	assert.True(t, was)
	assert.Equal(t, 1, strings.Count(redacted, Replacement))
}
