// Package validation wraps go-playground/validator with the conventions used
// across the engine: JSON field names in messages, decimal support and a few
// domain tags.
package validation

import (
	"errors"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/warp/loyalty-engine/loyalty"
)

var validate *validator.Validate

func init() {
	validate = validator.New()

	// Use JSON tag names in error messages
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	// decimal.Decimal validates as its float value so gt/gte/lte apply.
	validate.RegisterCustomTypeFunc(func(v reflect.Value) interface{} {
		d, ok := v.Interface().(decimal.Decimal)
		if !ok {
			return nil
		}
		f, _ := d.Float64()
		return f
	}, decimal.Decimal{})

	registerCustomValidations()
}

func registerCustomValidations() {
	// MCC pattern must compile as a regular expression.
	validate.RegisterValidation("mccpattern", func(fl validator.FieldLevel) bool {
		p := fl.Field().String()
		if p == "" {
			return true
		}
		_, err := regexp.Compile("^(?:" + p + ")$")
		return err == nil
	})

	validate.RegisterValidation("movementkind", func(fl validator.FieldLevel) bool {
		return loyalty.MovementKind(fl.Field().String()).Valid()
	})
}

// Struct validates s and returns a *loyalty.ValidationError keyed by JSON
// field name, or nil.
func Struct(s interface{}) error {
	fields := Validate(s)
	if len(fields) == 0 {
		return nil
	}
	return &loyalty.ValidationError{Fields: fields}
}

// Validate validates a struct and returns a map of field errors.
func Validate(s interface{}) map[string]string {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return map[string]string{"_": err.Error()}
	}

	out := make(map[string]string)
	for _, fe := range verrs {
		field := fe.Field()
		switch fe.Tag() {
		case "required":
			out[field] = "This field is required"
		case "len":
			out[field] = "Must be exactly " + fe.Param() + " characters"
		case "min":
			out[field] = "Value is too short (min: " + fe.Param() + ")"
		case "max":
			out[field] = "Value is too long (max: " + fe.Param() + ")"
		case "gt":
			out[field] = "Value must be greater than " + fe.Param()
		case "gte":
			out[field] = "Value must be at least " + fe.Param()
		case "lte":
			out[field] = "Value must be at most " + fe.Param()
		case "oneof":
			out[field] = "Must be one of: " + fe.Param()
		case "numeric", "alpha":
			out[field] = "Invalid characters"
		case "mccpattern":
			out[field] = "Invalid merchant category pattern"
		case "movementkind":
			out[field] = "Unknown movement kind"
		default:
			out[field] = "Invalid value"
		}
	}
	return out
}

// Var validates a single variable.
func Var(field interface{}, tag string) error {
	return validate.Var(field, tag)
}
