// Package utils holds small helpers shared by the HTTP and CLI layers.
package utils

import (
	stderrors "errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/turtacn/paygate/pkg/errors"
)

// defaultValidator reports fields by their JSON names.
var defaultValidator = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ValidateStruct checks s against its `validate` tags. Failures come back as one validation error whose
// metadata maps each failing field path to a readable message.
// ValidateStruct 根据 `validate` 标签校验 s。
func ValidateStruct(s interface{}) error {
	err := defaultValidator.Struct(s)
	if err == nil {
		return nil
	}
	var fieldErrors validator.ValidationErrors
	if !stderrors.As(err, &fieldErrors) {
		return errors.ErrValidation(err.Error())
	}

	messages := make([]string, 0, len(fieldErrors))
	fields := make(map[string]string, len(fieldErrors))
	for _, fe := range fieldErrors {
		path := fieldPath(fe)
		msg := formatValidationError(fe)
		fields[path] = msg
		messages = append(messages, path+" "+msg)
	}
	return errors.ErrValidation(strings.Join(messages, "; ")).WithMetadata("fields", fields)
}

// fieldPath drops the top-level struct name from the namespace, e.g. "rules[0].id".
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func formatValidationError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return fmt.Sprintf("must be one of: %s", fe.Param())
	case "min":
		if fe.Kind() == reflect.Slice {
			return fmt.Sprintf("must have at least %s items", fe.Param())
		}
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	case "printascii":
		return "must be printable ASCII"
	default:
		return fmt.Sprintf("failed on the '%s' tag", fe.Tag())
	}
}
