package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/golobby/cast"
	"github.com/golobby/config/v3"
	"github.com/golobby/config/v3/pkg/feeder"
)

const (
	tagDefault  = "default"
	tagRequired = "required"
)

// Load fills cfg from the file at path (if any) and then from MODLOADER_*
// environment variables, applies defaults, checks required fields and
// validates the result. The file format follows the extension: .yaml/.yml,
// .toml, .json or .env.
func Load(path string, cfg *RuntimeConfig) error {
	if cfg == nil {
		return ErrConfigNil
	}

	c := config.New()
	if path != "" {
		f, err := fileFeeder(path)
		if err != nil {
			return err
		}
		c.AddFeeder(f)
	}
	c.AddFeeder(feeder.Env{})
	c.AddStruct(cfg)
	if err := c.Feed(); err != nil {
		return fmt.Errorf("failed to feed runtime config: %w", err)
	}

	if err := ApplyDefaults(cfg); err != nil {
		return err
	}
	if err := CheckRequired(cfg); err != nil {
		return err
	}
	return cfg.Validate()
}

func fileFeeder(path string) (config.Feeder, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return feeder.Yaml{Path: path}, nil
	case ".toml":
		return feeder.Toml{Path: path}, nil
	case ".json":
		return feeder.Json{Path: path}, nil
	case ".env":
		return feeder.DotEnv{Path: path}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
}

// ApplyDefaults sets every zero-valued field that carries a default tag.
func ApplyDefaults(cfg any) error {
	v, err := structValue(cfg)
	if err != nil {
		return err
	}
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		def, ok := field.Tag.Lookup(tagDefault)
		if !ok || !field.IsExported() {
			continue
		}
		fv := v.Field(i)
		if !fv.IsZero() {
			continue
		}
		converted, err := cast.FromType(def, field.Type)
		if err != nil {
			return fmt.Errorf("default for %s: %w", field.Name, err)
		}
		fv.Set(reflect.ValueOf(converted).Convert(field.Type))
	}
	return nil
}

// CheckRequired reports every zero-valued field tagged required:"true".
func CheckRequired(cfg any) error {
	v, err := structValue(cfg)
	if err != nil {
		return err
	}
	t := v.Type()
	var missing []string
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if field.Tag.Get(tagRequired) != "true" {
			continue
		}
		if v.Field(i).IsZero() {
			missing = append(missing, field.Name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrRequiredFieldEmpty, strings.Join(missing, ", "))
	}
	return nil
}

func structValue(cfg any) (reflect.Value, error) {
	if cfg == nil {
		return reflect.Value{}, ErrConfigNil
	}
	v := reflect.ValueOf(cfg)
	if v.Kind() != reflect.Pointer || v.IsNil() || v.Elem().Kind() != reflect.Struct {
		return reflect.Value{}, fmt.Errorf("%w: expected pointer to struct, got %T", ErrInvalidConfig, cfg)
	}
	return v.Elem(), nil
}
