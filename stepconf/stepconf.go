// Package stepconf fills configuration structs from environment variables.
//
// Fields are bound with the env struct tag: `env:"NAME"` or `env:"NAME,constraint"`.
// Supported constraints:
//   - required: the variable must be set to a non-empty value
//   - file, dir: the value must be an existing file or directory
//   - opt[a,b,'c,d']: the value must be one of the options
//   - range[min..max]: the numeric value must be between min and max, inclusive
//
// An unset or empty variable leaves the field at its current value, so defaults
// can be set on the struct before parsing. Path and required constraints still reject it.
package stepconf

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
)

const tagName = "env"

// ErrNotStructPtr indicates the parsed value is not a pointer to a struct.
var ErrNotStructPtr = errors.New("must be a pointer to a struct")

var (
	optionRegexp = regexp.MustCompile(`^opt\[(.*)\]$`)
	rangeRegexp  = regexp.MustCompile(`^range\[(-?[0-9.]+)\.\.(-?[0-9.]+)\]$`)
)

// EnvGetter ...
type EnvGetter interface {
	Get(key string) string
}

// Secret is a string that is printed masked.
type Secret string

// String ...
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "*****"
}

// ParseError occurs when a struct field cannot be set.
type ParseError struct {
	Field string
	Value string
	Err   error
}

// Error ...
func (e *ParseError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Err)
	}
	return fmt.Sprintf("%s: %s (value: %s)", e.Field, e.Err, e.Value)
}

// Unwrap ...
func (e *ParseError) Unwrap() error {
	return e.Err
}

// Parse fills conf from the process environment.
func Parse(conf interface{}) error {
	return parse(conf, env.NewRepository())
}

func parse(conf interface{}, envGetter EnvGetter) error {
	c := reflect.ValueOf(conf)
	if c.Kind() != reflect.Ptr {
		return ErrNotStructPtr
	}
	c = c.Elem()
	if c.Kind() != reflect.Struct {
		return ErrNotStructPtr
	}
	t := c.Type()

	var errs []error
	for i := 0; i < t.NumField(); i++ {
		tag, ok := t.Field(i).Tag.Lookup(tagName)
		if !ok {
			continue
		}
		key, constraint := parseTag(tag)
		value := envGetter.Get(key)

		if err := setField(c.Field(i), value, constraint); err != nil {
			errs = append(errs, &ParseError{Field: key, Value: value, Err: err})
		}
	}

	if len(errs) == 0 {
		return nil
	}
	errorString := "failed to parse config:"
	for _, err := range errs {
		errorString += fmt.Sprintf("\n- %s", err)
	}
	return errors.New(errorString)
}

func parseTag(tag string) (string, string) {
	if i := strings.Index(tag, ","); i >= 0 {
		return tag[:i], tag[i+1:]
	}
	return tag, ""
}

func setField(field reflect.Value, value, constraint string) error {
	if err := validateConstraint(value, constraint); err != nil {
		return err
	}

	if value == "" {
		return nil
	}

	if field.Kind() == reflect.Ptr {
		if field.IsNil() {
			field.Set(reflect.New(field.Type().Elem()))
		}
		field = field.Elem()
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Bool:
		b, err := parseBool(value)
		if err != nil {
			return errors.New("can't convert to bool")
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(value, 0, field.Type().Bits())
		if err != nil {
			return errors.New("can't convert to int")
		}
		field.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(value, 0, field.Type().Bits())
		if err != nil {
			return errors.New("can't convert to uint")
		}
		field.SetUint(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, field.Type().Bits())
		if err != nil {
			return errors.New("can't convert to float")
		}
		field.SetFloat(f)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type: %s", field.Type())
		}
		field.Set(reflect.ValueOf(strings.Split(value, "|")))
	default:
		return fmt.Errorf("type is not supported (%s)", field.Kind())
	}
	return nil
}

func parseBool(value string) (bool, error) {
	switch strings.ToLower(value) {
	case "yes", "y":
		return true, nil
	case "no", "n":
		return false, nil
	}
	return strconv.ParseBool(value)
}

func validateConstraint(value, constraint string) error {
	switch constraint {
	case "":
		return nil
	case "required":
		if value == "" {
			return errors.New("required variable is not present")
		}
		return nil
	case "file", "dir":
		return checkPath(value, constraint == "dir")
	}

	if match := rangeRegexp.FindStringSubmatch(constraint); match != nil {
		if value == "" {
			return nil
		}
		return checkRange(value, match[1], match[2])
	}

	match := optionRegexp.FindStringSubmatch(constraint)
	if match == nil {
		return fmt.Errorf("invalid constraint (%s)", constraint)
	}
	if value == "" {
		return nil
	}
	for _, opt := range optionValues(match[1]) {
		if opt == value {
			return nil
		}
	}
	return fmt.Errorf("value is not in value options (%s)", match[1])
}

// optionValues splits a comma separated option list. Options containing a comma are single quoted.
func optionValues(list string) []string {
	var (
		opts    []string
		current strings.Builder
		quoted  bool
	)
	for _, r := range list {
		switch {
		case r == '\'':
			quoted = !quoted
		case r == ',' && !quoted:
			opts = append(opts, current.String())
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}
	return append(opts, current.String())
}

func checkRange(value, min, max string) error {
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return errors.New("value is not a number")
	}
	lower, err := strconv.ParseFloat(min, 64)
	if err != nil {
		return fmt.Errorf("invalid range minimum (%s)", min)
	}
	upper, err := strconv.ParseFloat(max, 64)
	if err != nil {
		return fmt.Errorf("invalid range maximum (%s)", max)
	}
	if v < lower || v > upper {
		return fmt.Errorf("value is out of range [%s..%s]", min, max)
	}
	return nil
}

func checkPath(path string, dir bool) error {
	file, err := os.Stat(path)
	if err != nil {
		return errors.New("file does not exist")
	}
	if dir && !file.IsDir() {
		return errors.New("not a directory")
	}
	return nil
}

// Print logs the fields of config, masking secrets.
func Print(config interface{}, logger log.Logger) {
	v := reflect.ValueOf(config)
	t := reflect.TypeOf(config)
	if t.Kind() == reflect.Ptr {
		v, t = v.Elem(), t.Elem()
	}

	logger.Infof("%s:", strings.ToUpper(t.Name()[:1])+t.Name()[1:])
	for i := 0; i < t.NumField(); i++ {
		if !t.Field(i).IsExported() {
			continue
		}
		key, _ := parseTag(t.Field(i).Tag.Get(tagName))
		if key == "" {
			key = t.Field(i).Name
		}
		logger.Printf("- %s: %s", key, valueString(v.Field(i)))
	}
}

func valueString(v reflect.Value) string {
	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return ""
		}
		v = v.Elem()
	} else if v.IsZero() {
		return "<unset>"
	}
	return fmt.Sprintf("%v", v.Interface())
}
