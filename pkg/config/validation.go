package config

import (
	caerr "github.com/clearauth/clearauth-core/pkg/errors"
)

// Validator is an optional interface that configuration structs may
// implement for custom validation logic. If the struct passed to
// [Loader.Load] implements Validator, its Validate method is called after
// tag-based validation (the `required` tag) succeeds.
//
// Validate should return an error describing the first validation failure,
// or nil if the configuration is valid. Errors that are already
// [*caerr.Error] are returned as-is; other errors are wrapped with
// [caerr.CodeValidation].
type Validator interface {
	Validate() error
}

// runValidator invokes the Validator hook when the config implements it.
func runValidator(cfg any) error {
	v, ok := cfg.(Validator)
	if !ok {
		return nil
	}
	err := v.Validate()
	if err == nil {
		return nil
	}
	if _, isCAErr := caerr.AsError(err); isCAErr {
		return err
	}
	return caerr.Wrap(err, caerr.CodeValidation, "config: custom validation failed")
}
