// Package config provides configuration loading from environment variables,
// files (YAML/JSON), and struct tag defaults for clearauth libraries. It
// supports a layered configuration model where values are resolved in
// priority order:
//
//	envDefault struct tags  (lowest priority)
//	YAML/JSON config file  (medium priority)
//	Environment variables  (highest priority)
//
// # Struct Tags
//
// The loader uses three struct tags to control behavior:
//
//   - `env:"VAR_NAME"` — maps the field to an environment variable
//   - `envDefault:"value"` — sets a default when the field is zero-valued
//   - `required:"true"` — fails validation if the field remains zero after loading
//
// Fields must also have `yaml` or `json` tags for file-based loading, since
// the YAML and JSON unmarshalers use those tags respectively.
//
// # Usage
//
//	type RealmSettings struct {
//	    Issuer string        `env:"ISSUER" yaml:"issuer" required:"true"`
//	    Skew   time.Duration `env:"ALLOWED_CLOCK_SKEW" envDefault:"60s" yaml:"allowed_clock_skew"`
//	}
//
//	cfg := config.MustLoad[RealmSettings](
//	    config.New().WithEnvPrefix("REALM").WithFile("realm.yaml"),
//	)
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	caerr "github.com/clearauth/clearauth-core/pkg/errors"
)

// Loader builds and executes configuration loading with a layered
// resolution strategy. Use [New] to create a Loader and configure it with
// [Loader.WithEnvPrefix] and [Loader.WithFile] before calling [Loader.Load].
//
// Loader is not safe for concurrent use. Create a new Loader for each Load
// call, or synchronize access externally.
type Loader struct {
	envPrefix string
	filePath  string
}

// New creates a new [Loader] with default settings: environment variables
// only, no file, no prefix.
func New() *Loader {
	return &Loader{}
}

// WithEnvPrefix sets a prefix that is prepended (with an underscore
// separator) to all environment variable names derived from the "env"
// struct tag. The prefix is automatically uppercased; an empty prefix
// disables prefixing. Returns the Loader for fluent chaining.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = strings.ToUpper(prefix)
	return l
}

// WithFile sets the path to a YAML or JSON configuration file. The file
// format is detected by extension (.yaml/.yml/.json). A missing file is
// not an error; file configuration is optional. The path must not contain
// directory traversal sequences (".."). Returns the Loader for chaining.
func (l *Loader) WithFile(path string) *Loader {
	l.filePath = path
	return l
}

// setting is one leaf field of the configuration struct together with the
// tag metadata that drives its resolution.
type setting struct {
	value    reflect.Value
	path     string // dotted Go field path, for error messages
	envKey   string // fully prefixed environment variable name, "" if untagged
	fallback string // envDefault tag value, "" if untagged
	required bool
}

// Load populates the given struct pointer with configuration values
// resolved in priority order (highest wins):
//
//  1. envDefault struct tags (lowest priority)
//  2. YAML/JSON file values (if configured with [Loader.WithFile])
//  3. Environment variables from "env" struct tags (highest priority)
//
// After loading, the struct is validated: fields tagged `required:"true"`
// must hold non-zero values, and if the struct implements [Validator] its
// Validate method is called.
//
// The cfg parameter must be a non-nil pointer to a struct.
func (l *Loader) Load(cfg any) error {
	rv := reflect.ValueOf(cfg)
	if rv.Kind() != reflect.Pointer || rv.IsNil() || rv.Elem().Kind() != reflect.Struct {
		return caerr.New(caerr.CodeConfiguration,
			"config: Load requires a non-nil pointer to a struct")
	}

	// The flattened settings hold addressable leaves of cfg, so the
	// three layers below write through them in priority order: defaults
	// fill zero fields, the file overwrites freely, env vars win last.
	settings := gatherSettings(rv.Elem(), "", l.envPrefix, nil)

	for _, s := range settings {
		if s.fallback != "" && s.value.IsZero() {
			if err := assign(s.value, s.fallback); err != nil {
				return caerr.Wrapf(err, caerr.CodeConfiguration,
					"config: invalid envDefault for field %q", s.path)
			}
		}
	}

	if l.filePath != "" {
		if err := decodeFile(l.filePath, cfg); err != nil {
			return err
		}
	}

	for _, s := range settings {
		if s.envKey == "" {
			continue
		}
		raw, ok := os.LookupEnv(s.envKey)
		if !ok {
			continue
		}
		if err := assign(s.value, raw); err != nil {
			return caerr.Wrapf(err, caerr.CodeConfiguration,
				"config: invalid value in env var %q for field %q", s.envKey, s.path)
		}
	}

	for _, s := range settings {
		if s.required && s.value.IsZero() {
			return caerr.Newf(caerr.CodeValidationRequired,
				"config: required field %q is empty", s.path)
		}
	}

	return runValidator(cfg)
}

// MustLoad is a generic convenience function that creates a zero-valued
// instance of T, loads configuration into it, and returns the populated
// value. It panics if loading or validation fails. Use MustLoad in
// application startup where invalid configuration should prevent the
// process from starting.
func MustLoad[T any](loader *Loader) T {
	var cfg T
	if err := loader.Load(&cfg); err != nil {
		panic(fmt.Sprintf("config: MustLoad failed: %v", err))
	}
	return cfg
}

// decodeFile reads a YAML or JSON file into the config struct. Missing
// files are silently ignored.
func decodeFile(path string, cfg any) error {
	if strings.Contains(path, "..") {
		return caerr.New(caerr.CodeConfiguration,
			"config: file path must not contain directory traversal (..) sequences")
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return caerr.Wrapf(err, caerr.CodeConfiguration,
			"config: failed to read file %q", path)
	}

	var decode func([]byte, any) error
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		decode = yaml.Unmarshal
	case ".json":
		decode = json.Unmarshal
	default:
		return caerr.Newf(caerr.CodeConfiguration,
			"config: unsupported file extension %q (use .yaml, .yml, or .json)", ext)
	}
	if err := decode(data, cfg); err != nil {
		return caerr.Wrapf(err, caerr.CodeConfiguration,
			"config: failed to parse file %q", path)
	}
	return nil
}

// gatherSettings flattens the struct into its leaf settings in one walk.
// Nested structs contribute their "env" tag (joined with "_") to the env
// prefix of their children and their field name to the dotted path.
// time.Duration is a leaf despite being a named struct-adjacent type, and
// unexported fields are skipped.
func gatherSettings(v reflect.Value, path, envPrefix string, out []setting) []setting {
	t := v.Type()

	for i := 0; i < t.NumField(); i++ {
		field := v.Field(i)
		sf := t.Field(i)
		if !field.CanSet() {
			continue
		}

		fieldPath := sf.Name
		if path != "" {
			fieldPath = path + "." + sf.Name
		}
		envTag := sf.Tag.Get("env")

		if field.Kind() == reflect.Struct && field.Type() != reflect.TypeOf(time.Duration(0)) {
			childPrefix := envPrefix
			if envTag != "" {
				if childPrefix != "" {
					childPrefix += "_" + envTag
				} else {
					childPrefix = envTag
				}
			}
			out = gatherSettings(field, fieldPath, childPrefix, out)
			continue
		}

		envKey := ""
		if envTag != "" {
			envKey = envTag
			if envPrefix != "" {
				envKey = envPrefix + "_" + envTag
			}
		}

		out = append(out, setting{
			value:    field,
			path:     fieldPath,
			envKey:   envKey,
			fallback: sf.Tag.Get("envDefault"),
			required: sf.Tag.Get("required") == "true",
		})
	}

	return out
}

// assign parses the raw string and stores it in the field. Supported
// leaf types: time.Duration, string (including named string types such as
// realm.Secret), bool, signed integers, and string slices
// (comma-separated, whitespace-trimmed).
func assign(field reflect.Value, raw string) error {
	if field.Type() == reflect.TypeOf(time.Duration(0)) {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("cannot parse duration %q: %w", raw, err)
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(raw)
		return nil

	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("cannot parse bool %q: %w", raw, err)
		}
		field.SetBool(b)
		return nil

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, field.Type().Bits())
		if err != nil {
			return fmt.Errorf("cannot parse integer %q: %w", raw, err)
		}
		field.SetInt(n)
		return nil

	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice element type %s", field.Type().Elem().Kind())
		}
		return assignStringSlice(field, raw)

	default:
		return fmt.Errorf("unsupported field type %s", field.Kind())
	}
}

// assignStringSlice splits a comma-separated value into the field,
// building with the field's own type so named slice types work.
func assignStringSlice(field reflect.Value, raw string) error {
	parts := strings.Split(raw, ",")
	slice := reflect.MakeSlice(field.Type(), len(parts), len(parts))
	for i, p := range parts {
		slice.Index(i).SetString(strings.TrimSpace(p))
	}
	field.Set(slice)
	return nil
}
