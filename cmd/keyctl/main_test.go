package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	keystoreURI string
	secretsURI  string
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	t.Setenv("KEYVAULT_PASSPHRASE", "correct horse battery staple")
	dir := t.TempDir()
	return testEnv{
		keystoreURI: "file://" + filepath.Join(dir, "keys.db"),
		secretsURI:  "file://" + filepath.Join(dir, "secrets"),
	}
}

func (e testEnv) run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	app := newApp()
	app.Reader = strings.NewReader(stdin)
	app.Writer = &out
	app.ErrWriter = &out

	argv := append([]string{
		"keyctl",
		"--install-id=com.example.app",
		"--keystore=" + e.keystoreURI,
		"--secrets=" + e.secretsURI,
	}, args...)
	err := app.Run(argv)
	return out.String(), err
}

func TestKeyctl_SecretLifecycle(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.run(t, "sk-test-12345\n", "secret", "put", "openai-api-key")
	require.NoError(t, err)

	out, err := env.run(t, "", "secret", "get", "openai-api-key")
	require.NoError(t, err)
	assert.Equal(t, "sk-test-12345\n", out)

	_, err = env.run(t, "", "secret", "rm", "openai-api-key")
	require.NoError(t, err)

	_, err = env.run(t, "", "secret", "get", "openai-api-key")
	require.Error(t, err)
}

func TestKeyctl_SecretPutRejectsValueArgument(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.run(t, "", "secret", "put", "openai-api-key", "sk-test-12345")
	require.ErrorContains(t, err, "stdin")

	_, err = env.run(t, "", "secret", "get", "openai-api-key")
	require.Error(t, err)
}

func TestKeyctl_DatabaseKeyAndReset(t *testing.T) {
	env := newTestEnv(t)

	first, err := env.run(t, "", "db-key")
	require.NoError(t, err)
	assert.Len(t, strings.TrimSpace(first), 64)

	second, err := env.run(t, "", "db-key")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	status, err := env.run(t, "", "status")
	require.NoError(t, err)
	assert.Equal(t, "database\tpresent\nsecret\tabsent\n", status)

	_, err = env.run(t, "", "reset")
	require.Error(t, err)

	_, err = env.run(t, "", "reset", "--yes")
	require.NoError(t, err)

	status, err = env.run(t, "", "status")
	require.NoError(t, err)
	assert.Equal(t, "database\tabsent\nsecret\tabsent\n", status)

	third, err := env.run(t, "", "db-key")
	require.NoError(t, err)
	assert.NotEqual(t, first, third)
}
