package recurrence

import (
	"fmt"
	"reflect"
	"strings"
	"sync"

	"cloud.google.com/go/civil"
	"github.com/go-playground/validator/v10"

	"recurbill/internal/errors"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// Validator returns the shared validator with the Rule struct-level checks
// registered. Field names in reported errors are the JSON names.
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New()
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
		v.RegisterStructValidation(ruleStructLevel, Rule{})
		validate = v
	})
	return validate
}

// Validate reports why r cannot be scheduled, as an ErrValidation-marked
// error, or nil.
func (r Rule) Validate() error {
	return Check(r.Normalized())
}

// Check validates any struct with the shared validator and converts failures
// into a single ErrValidation-marked error.
func Check(v interface{}) error {
	err := Validator().Struct(v)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return errors.Mark(errors.Wrap(err, "validate"), errors.ErrValidation)
	}

	msgs := make([]string, 0, len(verrs))
	seen := make(map[string]bool, len(verrs))
	for _, fe := range verrs {
		msg := describe(fe)
		if seen[msg] {
			continue
		}
		seen[msg] = true
		msgs = append(msgs, msg)
	}
	return errors.NewValidationf("%s", strings.Join(msgs, "; "))
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "required_for":
		return fmt.Sprintf("%s is required for %s rules", fe.Field(), fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", fe.Field(), fe.Param())
	case "min", "gte":
		return fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param())
	case "max", "lte":
		return fmt.Sprintf("%s must be at most %s", fe.Field(), fe.Param())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", fe.Field(), fe.Param())
	case "not_before":
		return fmt.Sprintf("%s must not be before %s", fe.Field(), fe.Param())
	case "date":
		return fmt.Sprintf("%s is not a valid calendar date", fe.Field())
	}
	return fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag())
}

func ruleStructLevel(sl validator.StructLevel) {
	r := sl.Current().Interface().(Rule)

	switch {
	case r.StartDate == (civil.Date{}):
		sl.ReportError(r.StartDate, "start_date", "StartDate", "required", "")
	case !r.StartDate.IsValid():
		sl.ReportError(r.StartDate, "start_date", "StartDate", "date", "")
	}

	if r.EndDate != nil {
		switch {
		case !r.EndDate.IsValid():
			sl.ReportError(r.EndDate, "end_date", "EndDate", "date", "")
		case r.EndDate.Before(r.StartDate):
			sl.ReportError(r.EndDate, "end_date", "EndDate", "not_before", "start_date")
		}
	}

	switch r.Frequency {
	case Weekly, Biweekly:
		if r.DayOfWeek == nil {
			sl.ReportError(r.DayOfWeek, "day_of_week", "DayOfWeek", "required_for", string(r.Frequency))
		}
	case Monthly:
		switch {
		case r.DayOfMonth == nil:
			sl.ReportError(r.DayOfMonth, "day_of_month", "DayOfMonth", "required_for", string(r.Frequency))
		case *r.DayOfMonth < 1:
			sl.ReportError(*r.DayOfMonth, "day_of_month", "DayOfMonth", "min", "1")
		}
	}
}
