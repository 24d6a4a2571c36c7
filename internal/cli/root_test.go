package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := GetRootCmd()
	output := &bytes.Buffer{}
	cmd.SetOut(output)
	cmd.SetErr(output)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return output.String(), err
}

func TestRootCommand(t *testing.T) {
	t.Run("should print the version", func(t *testing.T) {
		out, err := execute(t, "--version")
		require.NoError(t, err)
		assert.Contains(t, out, "conductor version "+GetVersion())
	})

	t.Run("should describe itself in help", func(t *testing.T) {
		out, err := execute(t, "--help")
		require.NoError(t, err)
		assert.Contains(t, out, "Conductor")
		assert.Contains(t, out, "JSON-RPC")
	})

	t.Run("should register every subcommand", func(t *testing.T) {
		names := map[string]bool{}
		for _, c := range GetRootCmd().Commands() {
			names[c.Name()] = true
		}
		for _, want := range []string{"serve", "run", "status", "stop", "init", "version"} {
			assert.True(t, names[want], "missing command %s", want)
		}
	})

	t.Run("should expose global flags", func(t *testing.T) {
		cmd := GetRootCmd()
		require.NotNil(t, cmd.PersistentFlags().Lookup("config"))
		require.NotNil(t, cmd.PersistentFlags().Lookup("log-level"))
	})
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "conductor version 0."))
}

func TestInitCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conductor.json")

	t.Run("should write a config with a shared secret", func(t *testing.T) {
		out, err := execute(t, "init", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, out, path)

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(data), "shared_secret")
	})

	t.Run("should refuse to overwrite without force", func(t *testing.T) {
		_, err := execute(t, "init", "--config", path)
		assert.ErrorContains(t, err, "already exists")

		_, err = execute(t, "init", "--config", path, "--force")
		assert.NoError(t, err)
	})
}
