package models

import (
	"errors"
	"regexp"
	"strings"
)

var (
	participantPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._@:-]*$`)
	contextPattern     = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:/-]*$`)
)

const (
	MaxParticipantIDLength = 128
	MaxContextKeyLength    = 128
)

var (
	ErrInvalidParticipant = errors.New("invalid participant id")
	ErrInvalidContext     = errors.New("invalid context key")
)

// NormalizeParticipantID lowercases and validates a participant id.
func NormalizeParticipantID(id string) (string, error) {
	normalized := CanonicalParticipantID(id)
	if err := ValidateParticipantID(normalized); err != nil {
		return "", err
	}
	return normalized, nil
}

// CanonicalParticipantID lowercases and trims id without validating it.
func CanonicalParticipantID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// ValidateParticipantID enforces participant id rules without modification.
func ValidateParticipantID(id string) error {
	if id == "" || len(id) > MaxParticipantIDLength || !participantPattern.MatchString(id) {
		return ErrInvalidParticipant
	}
	return nil
}

// NormalizeContextKey trims a context key. The empty key is valid.
func NormalizeContextKey(key string) (string, error) {
	trimmed := strings.TrimSpace(key)
	if err := ValidateContextKey(trimmed); err != nil {
		return "", err
	}
	return trimmed, nil
}

// ValidateContextKey enforces context key rules. The empty key is valid.
func ValidateContextKey(key string) error {
	if key == "" {
		return nil
	}
	if len(key) > MaxContextKeyLength || !contextPattern.MatchString(key) {
		return ErrInvalidContext
	}
	return nil
}
