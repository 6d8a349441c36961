package validation

import (
	"encoding/hex"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Validator checks structs against their validate tags. Supported rules:
//
//	required   the field is not its zero value
//	min=N      numbers >= N, strings and slices at least N long
//	max=N      numbers <= N, strings and slices at most N long
//	hex        the string is hex encoded
//	hexlen=N   the string is hex encoded and decodes to N bytes
//	oneof=a b  the string is one of the listed words
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// FieldError is a failed rule on one field
type FieldError struct {
	Field string
	Rule  string
	Msg   string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Msg)
}

// Validate checks s and returns every failed field joined
func (v *Validator) Validate(s interface{}) error {
	val := reflect.ValueOf(s)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}
	if val.Kind() != reflect.Struct {
		return fmt.Errorf("validate expects a struct, got %s", val.Kind())
	}

	typ := val.Type()
	var errs []error
	for i := 0; i < val.NumField(); i++ {
		fieldType := typ.Field(i)
		tag := fieldType.Tag.Get("validate")
		if tag == "" || !fieldType.IsExported() {
			continue
		}
		if err := v.validateField(fieldName(fieldType), val.Field(i), tag); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// fieldName prefers the JSON name, that is what API clients see
func fieldName(f reflect.StructField) string {
	if name, _, _ := strings.Cut(f.Tag.Get("json"), ","); name != "" && name != "-" {
		return name
	}
	return f.Name
}

func (v *Validator) validateField(name string, field reflect.Value, tag string) error {
	if field.Kind() == reflect.Ptr {
		if field.IsNil() {
			if strings.Contains(tag, "required") {
				return &FieldError{Field: name, Rule: "required", Msg: "field is required"}
			}
			return nil
		}
		field = field.Elem()
	}

	for _, rule := range strings.Split(tag, ",") {
		ruleName, arg, _ := strings.Cut(rule, "=")
		fail := func(format string, args ...any) error {
			return &FieldError{Field: name, Rule: ruleName, Msg: fmt.Sprintf(format, args...)}
		}

		switch ruleName {
		case "required":
			if field.IsZero() {
				return fail("field is required")
			}

		case "min", "max":
			limit, err := strconv.ParseFloat(arg, 64)
			if err != nil {
				return fail("bad rule %q", rule)
			}
			n, isLen, ok := magnitude(field)
			if !ok {
				continue
			}
			if ruleName == "min" && n < limit {
				if isLen {
					return fail("minimum length is %s", arg)
				}
				return fail("minimum is %s", arg)
			}
			if ruleName == "max" && n > limit {
				if isLen {
					return fail("maximum length is %s", arg)
				}
				return fail("maximum is %s", arg)
			}

		case "hex", "hexlen":
			if field.Kind() != reflect.String || field.Len() == 0 {
				continue
			}
			b, err := hex.DecodeString(field.String())
			if err != nil {
				return fail("must be hex encoded")
			}
			if ruleName == "hexlen" {
				want, err := strconv.Atoi(arg)
				if err != nil {
					return fail("bad rule %q", rule)
				}
				if len(b) != want {
					return fail("must be %d bytes", want)
				}
			}

		case "oneof":
			if field.Kind() != reflect.String || field.Len() == 0 {
				continue
			}
			allowed := strings.Fields(arg)
			found := false
			for _, a := range allowed {
				if field.String() == a {
					found = true
					break
				}
			}
			if !found {
				return fail("must be one of %s", strings.Join(allowed, ", "))
			}
		}
	}
	return nil
}

// magnitude returns the number a min or max rule compares
func magnitude(field reflect.Value) (n float64, isLen bool, ok bool) {
	switch field.Kind() {
	case reflect.String, reflect.Slice, reflect.Array, reflect.Map:
		return float64(field.Len()), true, true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(field.Int()), false, true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(field.Uint()), false, true
	case reflect.Float32, reflect.Float64:
		return field.Float(), false, true
	}
	return 0, false, false
}
