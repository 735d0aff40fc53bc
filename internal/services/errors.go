package services

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrPrerequisiteMissing marks a stage invoked without its required prior artifacts.
	ErrPrerequisiteMissing = errors.New("prerequisite missing")
	// ErrTransient marks failures worth retrying on a later run (network, rate limits).
	ErrTransient = errors.New("transient failure")
	// ErrPermanent marks failures that will not succeed without manual intervention.
	ErrPermanent = errors.New("permanent failure")
	// ErrValidation marks malformed inputs or responses.
	ErrValidation = errors.New("validation error")
	// ErrConfiguration marks missing or invalid configuration.
	ErrConfiguration = errors.New("configuration error")
	// ErrInconsistency marks contradictory evidence across stores; never auto-resolved.
	ErrInconsistency = errors.New("store inconsistency")
	// ErrNotFound marks a missing record or artifact.
	ErrNotFound = errors.New("not found")
)

// Wrap builds an error message that includes stage context while tagging it
// with the provided marker for later classification. The marker should be one
// of the exported sentinel errors above.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Retryable reports whether a stage error is eligible for retry on a
// subsequent run. Prerequisite, validation, and permanent failures are not.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrPermanent),
		errors.Is(err, ErrValidation),
		errors.Is(err, ErrConfiguration),
		errors.Is(err, ErrPrerequisiteMissing):
		return false
	default:
		return true
	}
}

// Classify returns a short label for the error taxonomy bucket, used in
// failure summaries and structured logs.
func Classify(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrPrerequisiteMissing):
		return "prerequisite_missing"
	case errors.Is(err, ErrPermanent):
		return "permanent"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	case errors.Is(err, ErrInconsistency):
		return "inconsistency"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrTransient):
		return "transient"
	default:
		return "unclassified"
	}
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
