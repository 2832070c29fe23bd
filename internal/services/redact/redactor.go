package redact

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"

	"go.uber.org/zap"
)

// Replacement substitutes every sensitive match before anything derived
// from call text is persisted.
const Replacement = "[REDACTED]"

// compiledPattern is one pre-compiled rule of the ordered sweep.
type compiledPattern struct {
	name  string
	regex *regexp.Regexp
}

// Pattern is one custom redaction rule. Custom patterns run after the
// built-ins, in slice order.
type Pattern struct {
	Name    string
	Pattern string
}

// builtinPatterns run in this order on every input. Order matters: the
// assignment patterns must fire before the bare digit runs so a key value
// containing digits is attributed to the right rule.
var builtinPatterns = []Pattern{
	{"secret_assignment", `(?i)(api[_-]?key|apikey|secret|token|password|passwd|authorization)\s*[:=]\s*\S+`},
	{"bearer_token", `(?i)bearer\s+[a-zA-Z0-9._\-]+`},
	{"ssn", `\b\d{3}-\d{2}-\d{4}\b`},
	{"card_number", `\b\d{13,19}\b`},
	{"email", `[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`},
}

// Redactor applies the ordered pattern set and digests the result. It holds
// no per-call state and is safe for concurrent use.
type Redactor struct {
	patterns []compiledPattern
	logger   *zap.Logger
}

// New compiles the built-in patterns plus any extras, in order. An invalid
// extra pattern is logged and skipped rather than failing construction.
func New(logger *zap.Logger, extras []Pattern) *Redactor {
	r := &Redactor{logger: logger}

	for _, spec := range builtinPatterns {
		re, err := regexp.Compile(spec.Pattern)
		if err != nil {
			logger.Error("failed to compile builtin redaction pattern, skipping",
				zap.String("pattern", spec.Name), zap.Error(err))
			continue
		}
		r.patterns = append(r.patterns, compiledPattern{name: spec.Name, regex: re})
	}

	for _, spec := range extras {
		re, err := regexp.Compile(spec.Pattern)
		if err != nil {
			logger.Error("failed to compile custom redaction pattern, skipping",
				zap.String("pattern", spec.Name), zap.Error(err))
			continue
		}
		r.patterns = append(r.patterns, compiledPattern{name: spec.Name, regex: re})
	}

	return r
}

// Apply redacts text and returns the redacted form, the hex SHA-256 digest
// of that redacted form, and whether anything was replaced. The digest is
// always computed over the redacted text so raw input is never recoverable
// from persisted fields.
func (r *Redactor) Apply(text string) (redacted string, digest string, wasRedacted bool) {
	if text == "" {
		return "", "", false
	}

	redacted = text
	for _, p := range r.patterns {
		next := p.regex.ReplaceAllString(redacted, Replacement)
		if next != redacted {
			wasRedacted = true
			redacted = next
		}
	}

	sum := sha256.Sum256([]byte(redacted))
	return redacted, hex.EncodeToString(sum[:]), wasRedacted
}

// Digest hashes already-redacted text. Callers must not pass raw input.
func Digest(redacted string) string {
	if redacted == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(redacted))
	return hex.EncodeToString(sum[:])
}
