// Package validation wraps a shared go-playground validator and renders its
// failures as short field-level messages.
package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())
	// Report yaml names so messages match the files operators edit.
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
}

// Struct validates v against its validate tags. Every failing field is
// reported, joined into one error.
func Struct(v any) error {
	if v == nil {
		return errors.New("validation: nil value")
	}
	if err := validate.Struct(v); err != nil {
		return format(err)
	}
	return nil
}

func format(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]error, 0, len(verrs))
	for _, e := range verrs {
		field := trimRoot(e.Namespace())
		param := e.Param()
		switch e.Tag() {
		case "required":
			msgs = append(msgs, fmt.Errorf("%s: field is required", field))
		case "gt":
			msgs = append(msgs, fmt.Errorf("%s: must be greater than %s", field, param))
		case "gte", "min":
			msgs = append(msgs, fmt.Errorf("%s: must be at least %s", field, param))
		case "lte", "max":
			msgs = append(msgs, fmt.Errorf("%s: must not exceed %s", field, param))
		case "oneof":
			msgs = append(msgs, fmt.Errorf("%s: must be one of [%s]", field, param))
		case "gtefield", "gtfield":
			msgs = append(msgs, fmt.Errorf("%s: must not be below %s", field, param))
		default:
			msgs = append(msgs, fmt.Errorf("%s: validation failed (%s)", field, e.Tag()))
		}
	}
	return errors.Join(msgs...)
}

// trimRoot drops the top-level type name from a namespace such as
// "Config.simulation.time_step".
func trimRoot(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}
