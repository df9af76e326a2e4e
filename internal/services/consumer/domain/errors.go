package domain

import (
	"errors"
	"strconv"
	"unicode/utf8"

	apperrors "github.com/louisbranch/orderstream/internal/platform/errors"
)

type permanentError struct {
	cause error
}

func (e permanentError) Error() string {
	if e.cause == nil {
		return "permanent error"
	}
	return e.cause.Error()
}

func (e permanentError) Unwrap() error {
	return e.cause
}

// Permanent marks an error as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{cause: err}
}

// IsPermanent reports whether err was marked as non-retryable, either
// explicitly or by carrying a permanent error code.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var target permanentError
	if errors.As(err, &target) {
		return true
	}
	return apperrors.CodeOf(err).Permanent()
}

// IsDecodeError reports whether err came from decoding an entry.
func IsDecodeError(err error) bool {
	switch apperrors.CodeOf(err) {
	case apperrors.CodeDecodeMissingField, apperrors.CodeDecodeInvalidField, apperrors.CodeDecodeUnknownKind:
		return true
	default:
		return false
	}
}

// IsConflict reports whether err is a stale item version conflict.
func IsConflict(err error) bool {
	return apperrors.HasCode(err, apperrors.CodeItemVersionConflict)
}

func missingField(field string) error {
	return Permanent(apperrors.WithMetadata(apperrors.CodeDecodeMissingField, "missing required field", map[string]string{
		"field": field,
	}))
}

func invalidField(field, value string, cause error) error {
	return Permanent(apperrors.WrapWithMetadata(apperrors.CodeDecodeInvalidField, "invalid field", map[string]string{
		"field": field,
		"value": truncate(value, 64),
	}, cause))
}

func conflict(itemID, current, event int64) error {
	return Permanent(apperrors.WithMetadata(apperrors.CodeItemVersionConflict, "item version conflict", map[string]string{
		"item_id":         strconv.FormatInt(itemID, 10),
		"current_version": strconv.FormatInt(current, 10),
		"event_version":   strconv.FormatInt(event, 10),
	}))
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(value[cut]) {
		cut--
	}
	return value[:cut] + "..."
}
