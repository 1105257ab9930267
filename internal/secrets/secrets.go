package secrets

import (
	"fmt"
	"os"
	"strings"
)

// GetSecret resolves envKey, preferring the Docker secrets form envKey_FILE
// (a path whose trimmed contents are the value) over the plain variable.
func GetSecret(envKey string, defaultValue string) (string, error) {
	if filePath := os.Getenv(envKey + "_FILE"); filePath != "" {
		data, err := os.ReadFile(filePath)
		if err != nil {
			return "", fmt.Errorf("read secret file %s: %w", filePath, err)
		}
		return strings.TrimSpace(string(data)), nil
	}

	if value := os.Getenv(envKey); value != "" {
		return value, nil
	}

	return defaultValue, nil
}

// GetOptionalSecret retrieves a secret with a default value, never fails
func GetOptionalSecret(envKey string, defaultValue string) string {
	value, err := GetSecret(envKey, defaultValue)
	if err != nil {
		return defaultValue
	}
	return value
}

// ReadKeyFile loads PEM material such as the venue signing key.
func ReadKeyFile(path string) ([]byte, error) {
	if path == "" {
		return nil, fmt.Errorf("key file path is empty")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file %s: %w", path, err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, fmt.Errorf("key file %s is empty", path)
	}
	return data, nil
}
