package remediation

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	gh "github.com/google/go-github/v75/github"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
)

// CriticalErrorKind names an error class that terminates remediation.
type CriticalErrorKind string

const (
	ErrAuthentication     CriticalErrorKind = "Authentication"
	ErrAuthorization      CriticalErrorKind = "Authorization"
	ErrStateCorruption    CriticalErrorKind = "StateCorruption"
	ErrInjectionAttempt   CriticalErrorKind = "InjectionAttempt"
	ErrConfigMapSizeLimit CriticalErrorKind = "ConfigMapSizeExceeded"
	ErrRateLimitExhausted CriticalErrorKind = "RateLimitExhausted"
)

// InjectionAttemptError marks input rejected outright by the validator.
type InjectionAttemptError struct {
	Detail string
}

func (e *InjectionAttemptError) Error() string {
	return "injection attempt detected: " + e.Detail
}

// SizeLimitError marks a context document that cannot fit even after
// truncation.
type SizeLimitError struct {
	Size int
	Max  int
}

func (e *SizeLimitError) Error() string {
	return fmt.Sprintf("record size %d exceeds limit %d", e.Size, e.Max)
}

// ClassifyCritical maps an error onto a critical kind, or false for errors
// the retry and requeue machinery absorbs on its own.
func ClassifyCritical(err error) (CriticalErrorKind, bool) {
	if err == nil {
		return "", false
	}

	var corruption *StateCorruptionError
	if errors.As(err, &corruption) {
		return ErrStateCorruption, true
	}
	var injection *InjectionAttemptError
	if errors.As(err, &injection) {
		return ErrInjectionAttempt, true
	}
	var size *SizeLimitError
	if errors.As(err, &size) {
		return ErrConfigMapSizeLimit, true
	}

	var rateErr *gh.RateLimitError
	if errors.As(err, &rateErr) {
		return ErrRateLimitExhausted, true
	}
	var ghErr *gh.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		switch ghErr.Response.StatusCode {
		case http.StatusUnauthorized:
			return ErrAuthentication, true
		case http.StatusForbidden:
			return ErrAuthorization, true
		}
	}

	if apierrors.IsUnauthorized(err) {
		return ErrAuthentication, true
	}
	if apierrors.IsForbidden(err) {
		return ErrAuthorization, true
	}

	// Fallback for errors that crossed a process boundary as text.
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "401") || strings.Contains(msg, "unauthorized"):
		return ErrAuthentication, true
	case strings.Contains(msg, "403") || strings.Contains(msg, "forbidden"):
		return ErrAuthorization, true
	}

	return "", false
}
