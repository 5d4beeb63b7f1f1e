package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. STREAMGUARD_RETRY_MAX_RETRIES.
const EnvPrefix = "STREAMGUARD_"

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

//nolint:gochecknoglobals // reflect type constant
var durationType = reflect.TypeOf(time.Duration(0))

// LoadConfig reads a YAML file, substitutes ${ENV} placeholders, applies STREAMGUARD_* overrides,
// fills defaults and validates. An empty path yields the defaults plus overrides.
func LoadConfig(configPath string) (*Config, error) {
	var data []byte
	if configPath != "" {
		var err error
		data, err = os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return Parse(data)
}

// Parse is LoadConfig for in-memory YAML.
func Parse(data []byte) (*Config, error) {
	dataStr := envVarRegex.ReplaceAllStringFunc(string(data), func(match string) string {
		envVar := match[2 : len(match)-1]
		if value := os.Getenv(envVar); value != "" {
			return value
		}
		return match
	})

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader([]byte(dataStr)))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	return applyEnvOverridesRecursive(reflect.ValueOf(cfg).Elem(), EnvPrefix)
}

func applyEnvOverridesRecursive(v reflect.Value, prefix string) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		tag := fieldType.Tag.Get("yaml")
		if tag == "" || tag == "-" {
			continue
		}
		envKey := strings.ToUpper(prefix + strings.Split(tag, ",")[0])

		if field.Kind() == reflect.Struct && field.Type() != durationType {
			if err := applyEnvOverridesRecursive(field, envKey+"_"); err != nil {
				return err
			}
			continue
		}
		if envValue, ok := os.LookupEnv(envKey); ok && envValue != "" {
			if err := setFieldFromEnv(field, envValue); err != nil {
				return fmt.Errorf("env %s: %w", envKey, err)
			}
		}
	}
	return nil
}

func setFieldFromEnv(field reflect.Value, envValue string) error {
	if !field.CanSet() {
		return nil
	}
	if field.Kind() == reflect.Ptr {
		elem := reflect.New(field.Type().Elem())
		if err := setFieldFromEnv(elem.Elem(), envValue); err != nil {
			return err
		}
		field.Set(elem)
		return nil
	}

	switch {
	case field.Type() == durationType:
		d, err := time.ParseDuration(envValue)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", envValue, err)
		}
		field.SetInt(int64(d))
	case field.Kind() == reflect.String:
		field.SetString(envValue)
	case field.Kind() == reflect.Bool:
		b, err := strconv.ParseBool(envValue)
		if err != nil {
			return fmt.Errorf("invalid bool %q: %w", envValue, err)
		}
		field.SetBool(b)
	case field.Kind() == reflect.Int:
		n, err := strconv.Atoi(envValue)
		if err != nil {
			return fmt.Errorf("invalid int %q: %w", envValue, err)
		}
		field.SetInt(int64(n))
	case field.Kind() == reflect.Float64:
		f, err := strconv.ParseFloat(envValue, 64)
		if err != nil {
			return fmt.Errorf("invalid float %q: %w", envValue, err)
		}
		field.SetFloat(f)
	case field.Kind() == reflect.Slice && field.Type().Elem().Kind() == reflect.String:
		parts := strings.Split(envValue, ",")
		out := reflect.MakeSlice(field.Type(), 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = reflect.Append(out, reflect.ValueOf(p))
			}
		}
		field.Set(out)
	}
	return nil
}
