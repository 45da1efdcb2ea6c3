// Package validation provides the shared validator used for audited entities
// and configuration files.
package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var instance = validator.New(validator.WithRequiredStructEnabled())

// Instance returns the shared validator for registering custom validators.
func Instance() *validator.Validate {
	return instance
}

// Struct validates a struct and returns the joined error message and false if invalid.
func Struct(v any) (string, bool) {
	msgs := Entity(v)
	if len(msgs) == 0 {
		return "", true
	}
	return strings.Join(msgs, "; "), false
}

// Entity validates v and returns one message per failed rule.
//
// Values that are not structs (or pointers to structs) have no rules and
// always pass.
func Entity(v any) []string {
	target, ok := structTarget(v)
	if !ok {
		return nil
	}
	err := instance.Struct(target)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{err.Error()}
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, formatError(fe))
	}
	return msgs
}

func formatError(fe validator.FieldError) string {
	if fe.Param() != "" {
		return fmt.Sprintf("%s: failed %q (%s)", fe.Namespace(), fe.Tag(), fe.Param())
	}
	return fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag())
}

// structTarget walks v's pointer chain and returns the struct, or the last
// pointer to it, for the validator. A nil at any level yields false.
func structTarget(v any) (any, bool) {
	if v == nil {
		return nil, false
	}
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil, false
		}
		if rv.Elem().Kind() == reflect.Struct {
			return rv.Interface(), true
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil, false
	}
	return v, true
}
