package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/openfroyo/tessera/pkg/stores"
)

// ValidationError represents a single invalid setting.
type ValidationError struct {
	Field   string // config key, e.g. "engine.max_parallel"
	Value   any
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is every problem found in one Settings.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

var validate = newValidator()

// newValidator reports fields by their config key instead of the Go name.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("mapstructure"), ",")
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})
	return v
}

// Validate checks the settings and returns every problem found.
func (s *Settings) Validate() ValidationErrors {
	var errs ValidationErrors

	if err := validate.Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return ValidationErrors{{Field: "settings", Message: err.Error()}}
		}
		for _, fe := range verrs {
			errs = append(errs, ValidationError{
				Field:   fieldKey(fe.Namespace()),
				Value:   fe.Value(),
				Message: describe(fe),
			})
		}
	}

	errs = append(errs, s.validateEngine()...)
	errs = append(errs, s.validateStore()...)
	return errs
}

func (s *Settings) validateEngine() []ValidationError {
	e := s.Engine
	if e.RetryMaxDelay > 0 && e.RetryBaseDelay > e.RetryMaxDelay {
		return []ValidationError{{
			Field:   "engine.retry_base_delay",
			Value:   e.RetryBaseDelay,
			Message: fmt.Sprintf("must not exceed retry_max_delay %s", e.RetryMaxDelay),
		}}
	}
	return nil
}

func (s *Settings) validateStore() []ValidationError {
	st := s.Store
	switch st.Backend {
	case "", stores.BackendSQLite, stores.BackendBadger:
		if st.Path == "" {
			return []ValidationError{{Field: "store.path", Value: st.Path, Message: "is required for file-backed stores"}}
		}
	case stores.BackendRedis:
		if st.RedisAddr == "" {
			return []ValidationError{{Field: "store.redis_addr", Value: st.RedisAddr, Message: "is required for the redis backend"}}
		}
	}
	return nil
}

// fieldKey drops the root struct name from a validator namespace.
func fieldKey(ns string) string {
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "oneof":
		return "must be one of: " + strings.ReplaceAll(fe.Param(), " ", ", ")
	case "gte":
		return "must be at least " + fe.Param()
	case "gt":
		return "must be greater than " + fe.Param()
	case "lte":
		return "must be at most " + fe.Param()
	case "required", "required_if":
		return "is required"
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}
