package validator

import (
	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Validate runs struct-tag validation and returns a field→tag map of
// failures, or nil when the value is valid.
func Validate(v interface{}) map[string]string {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}

	fails := make(map[string]string)
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		fails["_struct"] = err.Error()
		return fails
	}
	for _, fe := range verrs {
		fails[fe.Field()] = fe.Tag()
	}
	return fails
}
