package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"time"

	"github.com/deepnoodle-ai/worldflow/retry"
	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

type intoOptions struct {
	maxRetries int
	baseWait   time.Duration
}

// IntoOption customizes Into.
type IntoOption func(*intoOptions)

// WithValidationRetries sets how many times a call is repeated after output
// fails validation.
func WithValidationRetries(n int) IntoOption {
	return func(o *intoOptions) { o.maxRetries = n }
}

// WithRetryWait sets the base delay between validation retries.
func WithRetryWait(d time.Duration) IntoOption {
	return func(o *intoOptions) { o.baseWait = d }
}

// Into calls the generator and decodes its output into T. Struct results are
// checked with their `validate` tags. Output that fails to decode or validate
// is retried a bounded number of times; any other error is returned at once.
func Into[T any](ctx context.Context, g Generator, req Request, opts ...IntoOption) (T, error) {
	o := intoOptions{maxRetries: 2, baseWait: 100 * time.Millisecond}
	for _, opt := range opts {
		opt(&o)
	}
	var out T
	err := retry.Do(ctx, func() error {
		raw, err := g.Generate(ctx, req)
		if err != nil {
			return err
		}
		var value T
		if err := Decode(raw, &value); err != nil {
			return &ValidationError{Schema: req.SchemaName, Err: err}
		}
		out = value
		return nil
	},
		retry.WithMaxRetries(o.maxRetries),
		retry.WithBaseWait(o.baseWait),
		retry.WithShouldRetry(func(err error) bool { return errors.Is(err, ErrValidation) }),
	)
	return out, err
}

// Decode unmarshals raw into v and validates it.
func Decode(raw json.RawMessage, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(v); err != nil {
		return err
	}
	return Validate(v)
}

// Validate applies struct validation tags to v. Non-struct values pass.
func Validate(v any) error {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil
	}
	return validate.Struct(rv.Interface())
}
