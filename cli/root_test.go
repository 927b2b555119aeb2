package cli

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCmd(t *testing.T) {
	t.Run("Should register every role and utility command", func(t *testing.T) {
		cmd := RootCmd()
		names := make(map[string]bool)
		for _, sub := range cmd.Commands() {
			names[sub.Name()] = true
		}
		for _, want := range []string{"ingress", "worker", "dev", "config", "version"} {
			assert.True(t, names[want], "missing command %q", want)
		}
	})
	t.Run("Should carry the shared persistent flags", func(t *testing.T) {
		cmd := RootCmd()
		for _, name := range []string{"env-file", "log-level", "log-json", "log-source"} {
			assert.NotNil(t, cmd.PersistentFlags().Lookup(name), "missing flag %q", name)
		}
	})
}

func TestVersionCmd(t *testing.T) {
	t.Run("Should print version, commit, and build date", func(t *testing.T) {
		cmd := RootCmd()
		var out bytes.Buffer
		cmd.SetOut(&out)
		cmd.SetErr(&out)
		cmd.SetArgs([]string{"version"})
		require.NoError(t, cmd.Execute())
		assert.True(t, strings.HasPrefix(out.String(), "hookline "), out.String())
		assert.Contains(t, out.String(), "commit")
	})
}
