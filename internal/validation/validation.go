// Package validation holds the struct validator shared by request bodies and
// surge configuration records. Field rules live in `validate` struct tags;
// cross-field rules stay with the owning package.
package validation

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())

	// Report fields by their JSON name so messages match the request body.
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		switch name {
		case "-":
			return ""
		case "":
			return f.Name
		}
		return name
	})
	validate.RegisterValidation("notblank", validateNotBlank)
	validate.RegisterValidation("finite", validateFinite)
}

func validateNotBlank(fl validator.FieldLevel) bool {
	return strings.TrimSpace(fl.Field().String()) != ""
}

func validateFinite(fl validator.FieldLevel) bool {
	f := fl.Field().Float()
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// Struct validates s against its tags. Field failures are wrapped in kind so
// callers keep matching on their own sentinel with errors.Is.
func Struct(s any, kind error) error {
	if errs := Check(s); len(errs) > 0 {
		return fmt.Errorf("%w: %w", kind, errors.Join(errs...))
	}
	return nil
}

// Check returns one error per failed field, or nil.
func Check(s any) []error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var fields validator.ValidationErrors
	if !errors.As(err, &fields) {
		return []error{err}
	}
	errs := make([]error, 0, len(fields))
	for _, fe := range fields {
		errs = append(errs, errors.New(Describe(fe)))
	}
	return errs
}

// Describe renders one field failure, e.g. "pickup.lat out of range".
func Describe(fe validator.FieldError) string {
	field := fe.Namespace()
	if _, rest, ok := strings.Cut(field, "."); ok {
		field = rest
	}
	// Embedded coordinates read as pickup.lat, not pickup.Coord.lat.
	field = strings.ReplaceAll(field, ".Coord.", ".")
	switch fe.Tag() {
	case "required", "notblank":
		return field + " is required"
	case "latitude", "longitude", "finite":
		return field + " out of range"
	case "gt":
		return fmt.Sprintf("%s must be > %s", field, fe.Param())
	case "gte":
		return fmt.Sprintf("%s must be >= %s", field, fe.Param())
	case "lte":
		return fmt.Sprintf("%s must be <= %s", field, fe.Param())
	case "min":
		return fmt.Sprintf("%s needs at least %s entries", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s is longer than %s", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", field, fe.Param())
	case "timezone":
		return fmt.Sprintf("unknown %s %q", field, fe.Value())
	}
	return fmt.Sprintf("%s failed %s", field, fe.Tag())
}
