// Package validation scrubs externally supplied text before it is persisted
// or fed into agent prompts.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// DefaultMaxLength caps a single input field.
const DefaultMaxLength = 50 * 1024

// sentinel replaces matched malicious content in the sanitized form.
const sentinel = "[MALICIOUS CONTENT REMOVED]"

// maliciousPatterns are rejected outright. The set mirrors the canonical
// payloads: script tags, javascript: URIs, inline event handlers, template
// injection in its common dialects, command substitution, and SQL sentinels.
var maliciousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`),
	regexp.MustCompile(`(?i)javascript:`),
	regexp.MustCompile(`(?i)\bon\w+\s*=`),
	regexp.MustCompile(`\$\{[^}]*\}`),
	regexp.MustCompile(`\{\{[^}]*\}\}`),
	regexp.MustCompile(`#\{[^}]*\}`),
	regexp.MustCompile("`[^`]*`"),
	regexp.MustCompile(`\$\([^)]*\)`),
	regexp.MustCompile(`(?i)eval\s*\(`),
	regexp.MustCompile(`(?i)exec\s*\(`),
	regexp.MustCompile(`(?i);\s*DROP`),
	regexp.MustCompile(`'\s*OR\s*'1'\s*=\s*'1`),
	regexp.MustCompile(`(?i)UNION\s+SELECT`),
	regexp.MustCompile(`[;|]\s*(?:cat|ls|rm|cp|mv|chmod|chown)\b`),
}

var shellMetacharacters = "|&;()`$"

var htmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&#x27;",
	"/", "&#x2F;",
)

// Result is the structured outcome of one validation pass. Validation is
// non-fatal for ingest: callers store Sanitized and attach Warnings.
type Result struct {
	IsValid   bool     `json:"isValid"`
	Errors    []string `json:"errors,omitempty"`
	Warnings  []string `json:"warnings,omitempty"`
	Sanitized string   `json:"sanitized"`
}

// Validator checks free-form text for injection payloads and produces a
// sanitized form.
type Validator struct {
	maxLength int
}

// New creates a validator with the default length cap.
func New() *Validator {
	return &Validator{maxLength: DefaultMaxLength}
}

// NewWithMaxLength creates a validator with an explicit length cap.
func NewWithMaxLength(maxLength int) *Validator {
	if maxLength <= 0 {
		maxLength = DefaultMaxLength
	}
	return &Validator{maxLength: maxLength}
}

// Validate checks input and returns the structured result with the sanitized
// form always populated.
func (v *Validator) Validate(input string) Result {
	var result Result

	if len(input) > v.maxLength {
		result.Errors = append(result.Errors,
			fmt.Sprintf("input length %d exceeds maximum %d", len(input), v.maxLength))
		input = input[:v.maxLength]
	}

	for _, pattern := range maliciousPatterns {
		if pattern.MatchString(input) {
			result.Errors = append(result.Errors,
				fmt.Sprintf("malicious pattern detected: %s", pattern.String()))
		}
	}

	if n := countShellMetacharacters(input); n > 0 {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("found %d shell metacharacters that may need escaping", n))
	}

	result.Sanitized = sanitize(input)
	result.IsValid = len(result.Errors) == 0
	return result
}

// ValidateTaskID checks a task identifier: non-empty, bounded, and limited to
// alphanumerics, hyphens, underscores, and dots.
func (v *Validator) ValidateTaskID(taskID string) error {
	if taskID == "" {
		return fmt.Errorf("task ID cannot be empty")
	}
	if len(taskID) > 100 {
		return fmt.Errorf("task ID length %d exceeds maximum 100", len(taskID))
	}
	for _, r := range taskID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_', r == '.':
		default:
			return fmt.Errorf("task ID contains invalid character %q", r)
		}
	}
	return nil
}

// ValidatePRNumber checks that a PR number is plausible.
func (v *Validator) ValidatePRNumber(prNumber int) error {
	if prNumber <= 0 {
		return fmt.Errorf("PR number must be positive, got %d", prNumber)
	}
	if prNumber > 1_000_000 {
		return fmt.Errorf("PR number %d out of range", prNumber)
	}
	return nil
}

// sanitize replaces malicious matches with the sentinel, then HTML-escapes
// the remainder. Replacement runs before escaping so the sentinel survives
// verbatim.
func sanitize(input string) string {
	s := input
	for _, pattern := range maliciousPatterns {
		s = pattern.ReplaceAllString(s, "\x00SENTINEL\x00")
	}
	s = htmlEscaper.Replace(s)
	s = strings.ReplaceAll(s, "\x00SENTINEL\x00", sentinel)
	return strings.TrimSpace(s)
}

func countShellMetacharacters(input string) int {
	n := 0
	for _, r := range input {
		if strings.ContainsRune(shellMetacharacters, r) {
			n++
		}
	}
	return n
}
