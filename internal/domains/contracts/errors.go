// Package contracts defines the error taxonomy shared by the core
// domains: sentinel errors callers branch on, plus a category wrapper
// used for logging and metrics.
package contracts

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrClientIDMismatch is the inbox-binding invariant violation: an
	// inbox identifier is already bound to a different client identifier.
	ErrClientIDMismatch = errors.New("inbox is bound to a different client id")

	// ErrIdentityNotFound reports absent key material for an inbox.
	ErrIdentityNotFound = errors.New("identity not found")

	// ErrInboxNotFound reports an absent inbox binding.
	ErrInboxNotFound = errors.New("inbox not found")
)

const (
	ErrorCategoryStorage   = "storage"
	ErrorCategoryNetwork   = "network"
	ErrorCategoryIdentity  = "identity"
	ErrorCategoryLifecycle = "lifecycle"
)

type CategorizedError struct {
	Category string
	Err      error
}

func (e *CategorizedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Category, e.Err)
}

func (e *CategorizedError) Unwrap() error {
	return e.Err
}

func normalizeErrorCategory(category string) string {
	switch strings.ToLower(strings.TrimSpace(category)) {
	case ErrorCategoryStorage:
		return ErrorCategoryStorage
	case ErrorCategoryNetwork:
		return ErrorCategoryNetwork
	case ErrorCategoryIdentity:
		return ErrorCategoryIdentity
	default:
		return ErrorCategoryLifecycle
	}
}

func WrapCategorizedError(category string, err error) error {
	if err == nil {
		return nil
	}
	var existing *CategorizedError
	if errors.As(err, &existing) {
		return &CategorizedError{
			Category: normalizeErrorCategory(existing.Category),
			Err:      existing.Err,
		}
	}
	return &CategorizedError{
		Category: normalizeErrorCategory(category),
		Err:      err,
	}
}

func ErrorCategory(err error) string {
	var classified *CategorizedError
	if errors.As(err, &classified) {
		return normalizeErrorCategory(classified.Category)
	}
	return ErrorCategoryLifecycle
}
