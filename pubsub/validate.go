package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate returns a validator that decodes the payload into T, checks its
// struct tags and writes the decoded value back, dropping unknown fields.
func Validate[T any]() Validator {
	return func(req *Request) error {
		var v T
		if err := json.Unmarshal(req.Payload, &v); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		if err := validate.Struct(&v); err != nil {
			return err
		}
		raw, err := json.Marshal(&v)
		if err != nil {
			return err
		}
		req.Payload = raw
		return nil
	}
}

// Handle adapts a typed handler to a pull Handler.
func Handle[T any](fn func(ctx context.Context, payload *T) error) Handler {
	return func(ctx context.Context, req *Request) error {
		var v T
		if err := json.Unmarshal(req.Payload, &v); err != nil {
			return fmt.Errorf("decode payload for %s: %w", req.Path, err)
		}
		return fn(ctx, &v)
	}
}
