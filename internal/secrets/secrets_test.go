package secrets

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetSecretPrefersFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(path, []byte("  from-file\n"), 0o600))

	t.Setenv("KW_TEST_TOKEN", "from-env")
	t.Setenv("KW_TEST_TOKEN_FILE", path)

	got, err := GetSecret("KW_TEST_TOKEN", "fallback")
	require.NoError(t, err)
	assert.Equal(t, "from-file", got)
}

func TestGetOptionalSecret(t *testing.T) {
	t.Setenv("KW_TEST_ONLY_ENV", "from-env")
	assert.Equal(t, "from-env", GetOptionalSecret("KW_TEST_ONLY_ENV", "fallback"))
	assert.Equal(t, "fallback", GetOptionalSecret("KW_TEST_UNSET", "fallback"))

	t.Setenv("KW_TEST_BROKEN_FILE", filepath.Join(t.TempDir(), "missing"))
	assert.Equal(t, "fallback", GetOptionalSecret("KW_TEST_BROKEN", "fallback"))
}

func TestReadKeyFile(t *testing.T) {
	_, err := ReadKeyFile("")
	assert.Error(t, err)

	empty := filepath.Join(t.TempDir(), "empty.pem")
	require.NoError(t, os.WriteFile(empty, []byte("\n"), 0o600))
	_, err = ReadKeyFile(empty)
	assert.Error(t, err)
}
