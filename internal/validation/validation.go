// Package validation provides request validation helpers for the HTTP layer.
package validation

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/mbd888/stakehouse/internal/token"
)

var (
	ethAddressRegex = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
	walletIDRegex   = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)
	wagerIDRegex    = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,128}$`)
)

// ValidationError describes a single invalid field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation failures.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

// Validator checks one field and returns nil when it is valid.
type Validator func() *ValidationError

// Validate runs all validators and collects failures.
func Validate(validators ...Validator) error {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// WalletID validates a wallet identifier.
func WalletID(field, value string) Validator {
	return func() *ValidationError {
		if value == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		if !walletIDRegex.MatchString(value) {
			return &ValidationError{Field: field, Message: "must be 1-64 alphanumeric, underscore or hyphen characters"}
		}
		return nil
	}
}

// WagerID validates a wager identifier.
func WagerID(field, value string) Validator {
	return func() *ValidationError {
		if value == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		if !wagerIDRegex.MatchString(value) {
			return &ValidationError{Field: field, Message: "must be 1-128 alphanumeric, underscore or hyphen characters"}
		}
		return nil
	}
}

// Amount validates a positive decimal amount string.
func Amount(field, value string) Validator {
	return func() *ValidationError {
		if value == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		if _, ok := token.ParsePositive(value); !ok {
			return &ValidationError{Field: field, Message: "must be a positive decimal amount"}
		}
		return nil
	}
}

// EthAddress validates an Ethereum address.
func EthAddress(field, value string) Validator {
	return func() *ValidationError {
		if value == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		if !ethAddressRegex.MatchString(value) {
			return &ValidationError{Field: field, Message: "must be a valid Ethereum address (0x + 40 hex chars)"}
		}
		return nil
	}
}

// BasisPoints validates a fee expressed in basis points.
func BasisPoints(field string, value int64) Validator {
	return func() *ValidationError {
		if value < 0 || value > token.MaxFeeBasisPoints {
			return &ValidationError{Field: field, Message: fmt.Sprintf("must be between 0 and %d", token.MaxFeeBasisPoints)}
		}
		return nil
	}
}
