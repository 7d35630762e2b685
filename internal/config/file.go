package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultFilePath is where LoadFileFromEnv looks when EVENTSINK_CONFIG_PATH is unset.
	DefaultFilePath = ".eventsink.yaml"

	// FilePathEnvVar names the environment variable that overrides DefaultFilePath.
	FilePathEnvVar = "EVENTSINK_CONFIG_PATH"
)

// ErrInvalidConfigFile is returned when the defaults file exists but is not a flat YAML mapping.
var ErrInvalidConfigFile = errors.New("invalid config file")

// LoadFile seeds the process environment from a flat YAML mapping of variable names to values:
//
//	DB_HOST: db.internal
//	DB_PORT: 5432
//	EVENTSINK_RATE_LIMIT_ENABLED: false
//
// Variables that are already set in the environment win over the file, so the file only
// supplies defaults. A missing file is not an error. It returns the keys it applied.
func LoadFile(path string) ([]string, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from operator configuration
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}

		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidConfigFile, path, err)
	}

	if len(data) == 0 {
		return nil, nil
	}

	var values map[string]interface{}
	if err := yaml.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidConfigFile, path, err)
	}

	applied := make([]string, 0, len(values))

	for key, raw := range values {
		value, err := scalarString(raw)
		if err != nil {
			return applied, fmt.Errorf("%w: %s: key %q: %w", ErrInvalidConfigFile, path, key, err)
		}

		if _, set := os.LookupEnv(key); set {
			continue
		}

		if err := os.Setenv(key, value); err != nil {
			return applied, fmt.Errorf("failed to set %s from %s: %w", key, path, err)
		}

		applied = append(applied, key)
	}

	return applied, nil
}

// LoadFileFromEnv calls LoadFile with the path from EVENTSINK_CONFIG_PATH,
// falling back to DefaultFilePath in the working directory.
func LoadFileFromEnv() ([]string, error) {
	return LoadFile(GetEnvStr(FilePathEnvVar, DefaultFilePath))
}

func scalarString(raw interface{}) (string, error) {
	switch v := raw.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case bool:
		return strconv.FormatBool(v), nil
	case int:
		return strconv.Itoa(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case uint64:
		return strconv.FormatUint(v, 10), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	default:
		return "", fmt.Errorf("value must be a scalar, got %T", raw)
	}
}
