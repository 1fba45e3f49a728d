package config

import (
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/c360/mbp/errors"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// Validate checks the field constraints and the combinations of sections.
// Failures are reported as one *errors.ValidationError keyed by the YAML path
// of each field.
func (c *Config) Validate() error {
	verr := errors.NewValidationError("invalid configuration")

	if err := structValidator().Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return errors.WrapInvalid(err, "Config", "Validate", "struct validation")
		}
		for _, fe := range fieldErrs {
			verr.Add(fieldPath(fe), describe(fe))
		}
	}

	if c.Broker.Kind != BrokerNATS {
		if c.Storage.Kind == StoreNATSKV {
			verr.Add("storage.kind", "nats_kv storage needs the nats broker")
		}
		if c.Logs.Store == StoreNATSKV {
			verr.Add("logs.store", "nats_kv log store needs the nats broker")
		}
	}
	if c.Broker.Username != "" && c.Broker.Password == "" {
		verr.Add("broker.password", "required with broker.username")
	}
	if strings.Count(c.Rules.Webhook.URLFormat, "%s") != 2 {
		verr.Add("rules.webhook.url_format", "must contain two %s verbs for event and key")
	}

	return verr.OrNil()
}

// fieldPath strips the root type from the namespace: Config.broker.urls[0]
// becomes broker.urls[0].
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "required"
	case "required_if", "required_unless":
		return fmt.Sprintf("required (%s %s)", fe.Tag(), fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "min", "gte":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "gt":
		return fmt.Sprintf("must be greater than %s", fe.Param())
	case "hostname_port":
		return "must be host:port"
	case "excludesall":
		return fmt.Sprintf("must not contain any of %q", fe.Param())
	default:
		return fmt.Sprintf("failed %s check", fe.Tag())
	}
}
