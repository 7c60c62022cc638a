package model

import (
	"errors"
	"fmt"
)

// Category is the machine-checkable class of a fault reported to callers.
type Category string

const (
	CategoryInvalidRequest Category = "invalid_request"
	CategoryConfiguration  Category = "configuration"
	CategoryLaunch         Category = "launch"
	CategoryExecution      Category = "execution"
	CategoryCancelled      Category = "cancelled"
	CategoryNotRunning     Category = "not_running"
	CategoryTermination    Category = "termination"
	CategoryNotFound       Category = "not_found"
	CategoryInternal       Category = "internal"
)

// Error carries a Category across the execution service boundary.
type Error struct {
	Category Category
	Message  string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message != "" {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error with the same category, so callers can test
// errors.Is(err, &model.Error{Category: model.CategoryNotRunning}).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Category == e.Category && t.Message == "" && t.Err == nil
}

func NewError(category Category, message string, err error) *Error {
	return &Error{Category: category, Message: message, Err: err}
}

func Errorf(category Category, format string, args ...any) *Error {
	return &Error{Category: category, Message: fmt.Sprintf(format, args...)}
}

// CategoryOf returns the category of err, or CategoryInternal when err does
// not carry one.
func CategoryOf(err error) Category {
	var e *Error
	if errors.As(err, &e) {
		return e.Category
	}
	return CategoryInternal
}
