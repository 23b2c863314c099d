package backend

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// StatusError is returned when an endpoint answers with a non-success status.
// Message carries the backend's {"error": ...} text when one was sent.
type StatusError struct {
	Endpoint   string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: unexpected status %d", e.Endpoint, e.StatusCode)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Endpoint, e.StatusCode, e.Message)
}

// MissingModelError means the requested model is not installed on the backend,
// or was not part of the known roster when the turn was submitted.
type MissingModelError struct {
	Model  string
	Detail string
}

func (e *MissingModelError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("model %q is not available: %s", e.Model, e.Detail)
	}
	return fmt.Sprintf("model %q is not available", e.Model)
}

// Remediation returns the action a user can take to resolve the error.
func (e *MissingModelError) Remediation() string {
	if e.Model == "" {
		return "select a model that is installed on the backend"
	}
	return fmt.Sprintf("install it with `ollama pull %s` or select another model", e.Model)
}

func IsMissingModel(err error) bool {
	var mm *MissingModelError
	return errors.As(err, &mm)
}

// IsMissingModelText reports whether a backend error string names a missing
// model. The backend exposes no error codes, so this is a substring match on
// free text and will silently break if the wording changes.
func IsMissingModelText(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "model") && strings.Contains(m, "not found")
}

// classifyError turns an {"error": ...} text into a MissingModelError when it
// names a missing model and otherwise returns fallback.
func classifyError(model string, msg string, fallback error) error {
	if IsMissingModelText(msg) {
		return &MissingModelError{Model: model, Detail: msg}
	}
	return fallback
}
