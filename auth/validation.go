package auth

import (
	"errors"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	goerrors "github.com/goliatone/go-errors"
)

// validatePayload runs ozzo rules and converts failures into a BadRequest
// carrying per field messages.
func validatePayload(msg string, rules func() error) error {
	if err := goerrors.ValidateWithOzzo(rules, msg); err != nil {
		return err.WithCode(goerrors.CodeBadRequest)
	}
	return nil
}

// ValidateStringEquals will check that both values match
func ValidateStringEquals(str string) validation.RuleFunc {
	return func(value any) error {
		s, _ := value.(string)
		if s != str {
			return errors.New("values must match")
		}
		return nil
	}
}
