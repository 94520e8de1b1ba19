// Package validation содержит функции валидации входных данных.
package validation

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// FieldErrors содержит ошибки валидации по полям запроса, ключом служит имя поля в JSON.
type FieldErrors map[string]string

func (e FieldErrors) Error() string {
	keys := make([]string, 0, len(e))
	for k := range e {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Validator проверяет структуры запросов по тегам validate.
type Validator struct {
	v *validator.Validate
}

// New создаёт Validator с правилами для денежных сумм и идентификаторов транзакций.
func New() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())

	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})

	v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			return d.String()
		}
		return nil
	}, decimal.Decimal{})

	// регистрация встроенных имён не падает
	_ = v.RegisterValidation("money", func(fl validator.FieldLevel) bool {
		d, ok := parseMoney(fl.Field().String())
		return ok && d.IsPositive()
	})
	_ = v.RegisterValidation("money_nonneg", func(fl validator.FieldLevel) bool {
		d, ok := parseMoney(fl.Field().String())
		return ok && !d.IsNegative()
	})
	_ = v.RegisterValidation("txuuid", func(fl validator.FieldLevel) bool {
		return IsValidTransactionUUID(fl.Field().String())
	})

	return &Validator{v: v}
}

func parseMoney(s string) (decimal.Decimal, bool) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return d, d.Exponent() >= -2 || d.Equal(d.Round(2))
}

// Struct проверяет s и возвращает FieldErrors, если какие-то поля некорректны.
func (v *Validator) Struct(s any) error {
	err := v.v.Struct(s)
	if err == nil {
		return nil
	}

	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}

	fields := make(FieldErrors, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = message(fe)
	}
	return fields
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "this field is required"
	case "money":
		return "must be a positive amount with at most two decimal places"
	case "money_nonneg":
		return "must be a non-negative amount with at most two decimal places"
	case "txuuid":
		return "must be a transaction identifier"
	case "oneof":
		return "must be one of: " + strings.ReplaceAll(fe.Param(), " ", ", ")
	case "uuid", "uuid4":
		return "must be a valid UUID"
	case "gt":
		return fmt.Sprintf("must be greater than %s", fe.Param())
	case "gte", "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max", "lte":
		return fmt.Sprintf("must be at most %s", fe.Param())
	default:
		return "is invalid"
	}
}

// IsValidTransactionUUID проверяет формат идентификатора транзакции yymmdd-HHMMSS-xxxxxxxx.
func IsValidTransactionUUID(s string) bool {
	if len(s) != 22 || s[6] != '-' || s[13] != '-' {
		return false
	}

	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case i == 6 || i == 13:
		case i < 13:
			if ch < '0' || ch > '9' {
				return false
			}
		default:
			if !isHex(ch) {
				return false
			}
		}
	}

	return true
}

func isHex(ch byte) bool {
	return (ch >= '0' && ch <= '9') || (ch >= 'a' && ch <= 'f')
}
