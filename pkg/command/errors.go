package command

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrMalformedCommand полезная нагрузка не является JSON объектом
	ErrMalformedCommand = errors.New("malformed command")
	// ErrValidation общая причина всех ValidationError
	ErrValidation = errors.New("invalid command")
	// ErrUnknownVerb значение "command" не распознано
	ErrUnknownVerb = errors.New("unknown command")
)

// ValidationError обязательное поле отсутствует или значение недопустимо
type ValidationError struct {
	Verb   Verb
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("Missing %s for command %q", e.Field, e.Verb)
	}
	return fmt.Sprintf("command %q: %s: %s", e.Verb, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func missing(verb Verb, field string) error {
	return &ValidationError{Verb: verb, Field: field}
}

func invalid(verb Verb, field, reason string) error {
	return &ValidationError{Verb: verb, Field: field, Reason: reason}
}
