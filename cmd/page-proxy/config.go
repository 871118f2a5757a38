package main

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/paged-api-client/pkg/client"
	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
)

var (
	validate   *validator.Validate
	translator ut.Translator
)

func init() {
	validate = validator.New()
	translator, _ = ut.New(en.New(), en.New()).GetTranslator("en")
	if err := en_translations.RegisterDefaultTranslations(validate, translator); err != nil {
		panic(err)
	}
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		return fld.Tag.Get("env")
	})
}

// envConfig is the proxy configuration as read from the environment.
type envConfig struct {
	BaseURL          string        `env:"BASE_URL" validate:"required,url"`
	UserAgent        string        `env:"USER_AGENT" validate:"required"`
	Token            string        `env:"API_TOKEN"`
	PerPage          int           `env:"PER_PAGE" validate:"gte=1,lte=100"`
	MinIntervalAny   time.Duration `env:"MIN_INTERVAL_ANY" validate:"gte=0"`
	MinIntervalWrite time.Duration `env:"MIN_INTERVAL_WRITE" validate:"gte=0"`
}

// FieldError names the variable that failed validation.
type FieldError struct {
	Field string `json:"field"`
	Err   string `json:"error"`
}

// FieldErrors represents a collection of field errors.
type FieldErrors []FieldError

// Error implements the error interface.
func (fe FieldErrors) Error() string {
	d, err := json.Marshal(fe)
	if err != nil {
		return err.Error()
	}
	return string(d)
}

func validateConfig(cfg envConfig) error {
	if err := validate.Struct(cfg); err != nil {
		verrors, ok := err.(validator.ValidationErrors)
		if !ok {
			return err
		}

		var fields FieldErrors
		for _, verror := range verrors {
			fields = append(fields, FieldError{
				Field: verror.Field(),
				Err:   verror.Translate(translator),
			})
		}
		return fields
	}
	return nil
}

// loadConfig builds the client configuration from environment variables.
func loadConfig(getenv func(string) string) (client.Config, error) {
	defaults := client.DefaultConfig("", "page-proxy/0.1.0")
	env := envConfig{
		BaseURL:          getenv("BASE_URL"),
		UserAgent:        defaults.UserAgent,
		Token:            getenv("API_TOKEN"),
		PerPage:          defaults.PerPage,
		MinIntervalAny:   defaults.MinIntervalAny,
		MinIntervalWrite: defaults.MinIntervalWrite,
	}
	if ua := getenv("USER_AGENT"); ua != "" {
		env.UserAgent = ua
	}

	if v := getenv("PER_PAGE"); v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return client.Config{}, fmt.Errorf("PER_PAGE: %w", err)
		}
		env.PerPage = n
	}

	for _, d := range []struct {
		key    string
		target *time.Duration
	}{
		{"MIN_INTERVAL_ANY", &env.MinIntervalAny},
		{"MIN_INTERVAL_WRITE", &env.MinIntervalWrite},
	} {
		v := getenv(d.key)
		if v == "" {
			continue
		}
		dur, err := time.ParseDuration(v)
		if err != nil {
			return client.Config{}, fmt.Errorf("%s: %w", d.key, err)
		}
		*d.target = dur
	}

	if err := validateConfig(env); err != nil {
		return client.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}

	cfg := client.DefaultConfig(env.BaseURL, env.UserAgent)
	cfg.Token = env.Token
	cfg.PerPage = env.PerPage
	cfg.MinIntervalAny = env.MinIntervalAny
	cfg.MinIntervalWrite = env.MinIntervalWrite
	return cfg, nil
}
