package config

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/goccy/go-yaml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSensitiveString_Redaction(t *testing.T) {
	t.Run("Should redact through String and fmt verbs", func(t *testing.T) {
		s := SensitiveString("hunter2")
		assert.Equal(t, "[REDACTED]", s.String())
		assert.Equal(t, "[REDACTED]", fmt.Sprintf("%s", s))
		assert.Equal(t, "[REDACTED]", fmt.Sprintf("%v", s))
	})

	t.Run("Should keep empty values empty", func(t *testing.T) {
		assert.Equal(t, "", SensitiveString("").String())
	})

	t.Run("Should expose the real content only through Value", func(t *testing.T) {
		s := SensitiveString("whsec_0123456789")
		assert.Equal(t, "whsec_0123456789", s.Value())
	})
}

func TestSensitiveString_Marshal(t *testing.T) {
	type redisSection struct {
		Host     string          `json:"host" yaml:"host"`
		Password SensitiveString `json:"password" yaml:"password"`
	}
	section := redisSection{Host: "redis.internal", Password: "hunter2"}

	t.Run("Should redact in JSON output", func(t *testing.T) {
		data, err := json.Marshal(section)
		require.NoError(t, err)
		assert.NotContains(t, string(data), "hunter2")

		var out map[string]string
		require.NoError(t, json.Unmarshal(data, &out))
		assert.Equal(t, "[REDACTED]", out["password"])
		assert.Equal(t, "redis.internal", out["host"])
	})

	t.Run("Should redact in YAML output", func(t *testing.T) {
		data, err := yaml.Marshal(section)
		require.NoError(t, err)
		assert.NotContains(t, string(data), "hunter2")
		assert.Contains(t, string(data), "[REDACTED]")
	})

	t.Run("Should marshal empty values as empty strings", func(t *testing.T) {
		data, err := json.Marshal(SensitiveString(""))
		require.NoError(t, err)
		assert.Equal(t, `""`, string(data))
	})
}

func TestSensitiveString_UnmarshalJSON(t *testing.T) {
	t.Run("Should load the raw value", func(t *testing.T) {
		var s SensitiveString
		require.NoError(t, json.Unmarshal([]byte(`"hunter2"`), &s))
		assert.Equal(t, "hunter2", s.Value())
		assert.Equal(t, "[REDACTED]", s.String())
	})

	t.Run("Should reject non-string input", func(t *testing.T) {
		var s SensitiveString
		assert.Error(t, json.Unmarshal([]byte(`42`), &s))
	})
}
