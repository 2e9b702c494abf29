// Package validate implements the message validator contract consumed
// by the synchronization core. The core only depends on the Result
// shape; this implementation covers structural checks plus a small
// masked-term pass that yields a censored variant.
package validate

import (
	"strings"
	"unicode/utf8"
)

// MaxContentLength bounds message content (~100KB).
const MaxContentLength = 100000

// Result is the validator verdict. When Censored is true, Message holds
// a cleaned variant the caller should persist instead of the original.
type Result struct {
	IsValid  bool
	Message  string
	Censored bool
	Errors   []string
}

// Options tunes a validation pass.
type Options struct {
	MaxLength int
}

// Validator checks message content before it is routed to persistence.
type Validator struct {
	maskedTerms []string
}

// New creates a validator with the default masked-term list.
func New() *Validator {
	return &Validator{
		maskedTerms: []string{"@everyone", "free money", "wire transfer to"},
	}
}

// Validate applies structural checks, then the masked-term pass.
func (v *Validator) Validate(text string, opts Options) Result {
	maxLen := opts.MaxLength
	if maxLen <= 0 {
		maxLen = MaxContentLength
	}

	var errs []string
	if strings.TrimSpace(text) == "" {
		errs = append(errs, "content cannot be empty")
	}
	if len(text) > maxLen {
		errs = append(errs, "content exceeds maximum length")
	}
	if !utf8.ValidString(text) {
		errs = append(errs, "content must be valid UTF-8")
	}
	if len(errs) > 0 {
		return Result{IsValid: false, Errors: errs}
	}

	cleaned := text
	censored := false
	lower := strings.ToLower(text)
	for _, term := range v.maskedTerms {
		for {
			idx := strings.Index(lower, term)
			if idx < 0 {
				break
			}
			mask := strings.Repeat("*", len(term))
			cleaned = cleaned[:idx] + mask + cleaned[idx+len(term):]
			lower = lower[:idx] + mask + lower[idx+len(term):]
			censored = true
		}
	}

	return Result{IsValid: true, Message: cleaned, Censored: censored}
}
