package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Options is a flat bag of settings keyed by dotted names. Plugins receive
// their options this way; the environment loader produces one too.
type Options map[string]any

// NewOptions flattens nested maps (as decoded from YAML) into dotted keys.
func NewOptions(values map[string]any) Options {
	o := make(Options)
	o.merge("", values)
	return o
}

func (o Options) merge(prefix string, values map[string]any) {
	for key, value := range values {
		fullKey := key
		if prefix != "" {
			fullKey = prefix + "." + key
		}
		if nested, ok := value.(map[string]any); ok {
			o.merge(fullKey, nested)
			continue
		}
		o[fullKey] = value
	}
}

// OptionsFromEnv collects variables starting with prefix. NIMBLE_LOG_LEVEL
// with prefix "NIMBLE" becomes "log.level".
func OptionsFromEnv(prefix string, environ []string) Options {
	o := make(Options)
	for _, env := range environ {
		key, value, ok := strings.Cut(env, "=")
		if !ok {
			continue
		}
		if prefix != "" {
			if !strings.HasPrefix(key, prefix+"_") {
				continue
			}
			key = strings.TrimPrefix(key, prefix+"_")
		}
		key = strings.ReplaceAll(strings.ToLower(key), "_", ".")
		o[key] = value
	}
	return o
}

// Environ is OptionsFromEnv over the process environment.
func Environ(prefix string) Options {
	return OptionsFromEnv(prefix, os.Environ())
}

// Has reports whether key is set.
func (o Options) Has(key string) bool {
	_, ok := o[key]
	return ok
}

// GetString gets a string value
func (o Options) GetString(key string, defaultValue ...string) string {
	if value, exists := o[key]; exists {
		switch v := value.(type) {
		case string:
			return v
		case int, int64, float64, bool:
			return strings.TrimSpace(toString(v))
		}
	}
	if len(defaultValue) > 0 {
		return defaultValue[0]
	}
	return ""
}

// GetInt gets an integer value
func (o Options) GetInt(key string, defaultValue ...int) int {
	if value, exists := o[key]; exists {
		switch v := value.(type) {
		case int:
			return v
		case int64:
			return int(v)
		case float64:
			return int(v)
		case string:
			if i, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				return i
			}
		}
	}
	if len(defaultValue) > 0 {
		return defaultValue[0]
	}
	return 0
}

// GetInt64 gets a 64-bit integer value
func (o Options) GetInt64(key string, defaultValue ...int64) int64 {
	if value, exists := o[key]; exists {
		switch v := value.(type) {
		case int:
			return int64(v)
		case int64:
			return v
		case uint64:
			return int64(v)
		case float64:
			return int64(v)
		case string:
			if i, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
				return i
			}
		}
	}
	if len(defaultValue) > 0 {
		return defaultValue[0]
	}
	return 0
}

// GetBool gets a boolean value
func (o Options) GetBool(key string, defaultValue ...bool) bool {
	if value, exists := o[key]; exists {
		switch v := value.(type) {
		case bool:
			return v
		case string:
			switch strings.ToLower(strings.TrimSpace(v)) {
			case "true", "yes", "1", "on":
				return true
			case "false", "no", "0", "off":
				return false
			}
		case int:
			return v != 0
		}
	}
	if len(defaultValue) > 0 {
		return defaultValue[0]
	}
	return false
}

// GetFloat gets a float value
func (o Options) GetFloat(key string, defaultValue ...float64) float64 {
	if value, exists := o[key]; exists {
		switch v := value.(type) {
		case float64:
			return v
		case float32:
			return float64(v)
		case int:
			return float64(v)
		case int64:
			return float64(v)
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
				return f
			}
		}
	}
	if len(defaultValue) > 0 {
		return defaultValue[0]
	}
	return 0.0
}

// GetDuration gets a duration value. Bare integers are seconds.
func (o Options) GetDuration(key string, defaultValue ...time.Duration) time.Duration {
	if value, exists := o[key]; exists {
		switch v := value.(type) {
		case time.Duration:
			return v
		case string:
			if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
				return d
			}
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				return time.Duration(n) * time.Second
			}
		case int:
			return time.Duration(v) * time.Second
		case int64:
			return time.Duration(v)
		}
	}
	if len(defaultValue) > 0 {
		return defaultValue[0]
	}
	return 0
}

// GetStringSlice gets a string slice value. Strings are split on commas.
func (o Options) GetStringSlice(key string, defaultValue ...[]string) []string {
	if value, exists := o[key]; exists {
		switch v := value.(type) {
		case []string:
			return v
		case []any:
			result := make([]string, 0, len(v))
			for _, item := range v {
				if str, ok := item.(string); ok {
					result = append(result, str)
				}
			}
			return result
		case string:
			var result []string
			for _, part := range strings.Split(v, ",") {
				if part = strings.TrimSpace(part); part != "" {
					result = append(result, part)
				}
			}
			return result
		}
	}
	if len(defaultValue) > 0 {
		return defaultValue[0]
	}
	return []string{}
}

// Sub returns the options under prefix with the prefix stripped.
func (o Options) Sub(prefix string) Options {
	out := make(Options)
	p := prefix + "."
	for k, v := range o {
		if strings.HasPrefix(k, p) {
			out[strings.TrimPrefix(k, p)] = v
		}
	}
	return out
}

func toString(v any) string {
	switch x := v.(type) {
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	}
	return ""
}
