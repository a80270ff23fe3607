package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"time"
)

// LoadFromEnv loads configuration values from environment variables.
// It uses the `env` struct tag to determine which environment variable
// to read, recursing into nested structs.
func LoadFromEnv(cfg interface{}) error {
	return loadFromEnv(reflect.ValueOf(cfg))
}

func loadFromEnv(v reflect.Value) error {
	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return nil
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return nil
	}

	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		if !field.CanSet() {
			continue
		}

		if field.Kind() == reflect.Struct && fieldType.Tag.Get("env") == "" {
			if err := loadFromEnv(field); err != nil {
				return err
			}
			continue
		}

		envTag := fieldType.Tag.Get("env")
		if envTag == "" {
			continue
		}
		envValue := os.Getenv(envTag)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue, fieldType.Name, envTag); err != nil {
			return err
		}
	}
	return nil
}

func setFieldValue(field reflect.Value, value, name, envTag string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("%s: invalid bool %q in %s: %w", name, value, envTag, err)
		}
		field.SetBool(b)

	case reflect.Int, reflect.Int32, reflect.Int64:
		// time.Duration is an int64 with its own syntax.
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("%s: invalid duration %q in %s: %w", name, value, envTag, err)
			}
			field.SetInt(int64(d))
			return nil
		}
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("%s: invalid integer %q in %s: %w", name, value, envTag, err)
		}
		if field.OverflowInt(n) {
			return fmt.Errorf("%s: value %q overflows %s", name, value, field.Type())
		}
		field.SetInt(n)

	case reflect.Uint, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return fmt.Errorf("%s: invalid unsigned integer %q in %s: %w", name, value, envTag, err)
		}
		if field.OverflowUint(n) {
			return fmt.Errorf("%s: value %q overflows %s", name, value, field.Type())
		}
		field.SetUint(n)

	default:
		return fmt.Errorf("%s: unsupported field kind %s for %s", name, field.Kind(), envTag)
	}
	return nil
}
