package directchat

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/putto11262002/directchat/core"
)

var validate *validator.Validate
var uniTrans *ut.UniversalTranslator

func registerTranslation(trans ut.Translator, tag, text string) {
	validate.RegisterTranslation(tag, trans, func(ut ut.Translator) error {
		return ut.Add(tag, text, true)
	}, func(ut ut.Translator, fe validator.FieldError) string {
		t, _ := ut.T(tag, fe.Field(), fe.Param())
		return t
	})
}

func init() {

	validate = validator.New()
	en := en.New()
	uniTrans = ut.New(en, en)
	enTrans, _ := uniTrans.GetTranslator("en")

	// fields are reported by the name clients and config files use
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		for _, tag := range []string{"json", "mapstructure"} {
			name, _, _ := strings.Cut(field.Tag.Get(tag), ",")
			if name == "-" {
				return ""
			}
			if name != "" {
				return name
			}
		}
		return strings.ToLower(field.Name)
	})

	registerTranslation(enTrans, "required", "{0} is a required field")
	registerTranslation(enTrans, "hostname", "{0} must be a valid hostname")
	registerTranslation(enTrans, "base64", "{0} must be a valid base64 encoded string")
	registerTranslation(enTrans, "oneof", "{0} must be one of [{1}]")
	registerTranslation(enTrans, "required_if", "{0} is required when {1}")
	registerTranslation(enTrans, "required_with", "{0} is required when {1} is set")
	registerTranslation(enTrans, "gte", "{0} must be at least {1}")

	validate.RegisterValidation("port", func(fl validator.FieldLevel) bool {
		port, ok := fl.Field().Interface().(int)
		if !ok {
			return false
		}
		return port > 0 && port <= 65535
	})
	registerTranslation(enTrans, "port", "{0} must be a valid port number")
}

// validatePayload validates a request or event payload. Failures wrap
// core.ErrInvalidArgument so they are reported as client errors.
func validatePayload(v any) error {
	if err := validate.Struct(v); err != nil {
		lines := strings.Split(strings.TrimSpace(FormatValidationErrors(err)), "\n")
		return fmt.Errorf("%w: %s", core.ErrInvalidArgument, strings.Join(lines, "; "))
	}
	return nil
}
