package routes

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVersion(t *testing.T) {
	t.Run("Should return the API version", func(t *testing.T) {
		version := Version()
		assert.NotEmpty(t, version, "Version should not be empty")
		assert.Contains(t, version, "v", "Version should contain 'v' prefix")
	})
}

func TestBase(t *testing.T) {
	t.Run("Should return versioned API base path", func(t *testing.T) {
		base := Base()
		expected := "/api/" + Version()
		assert.Equal(t, expected, base, "Base should be composed of '/api/' + Version()")
		assert.Contains(t, base, "/api/v", "Base should contain '/api/v' prefix")
	})
}

func TestWebhooks(t *testing.T) {
	t.Run("Should return webhook ingestion base path", func(t *testing.T) {
		webhooks := Webhooks()
		expected := Base() + "/webhook"
		assert.Equal(t, expected, webhooks, "Webhooks should be composed of Base() + '/webhook'")
		assert.Contains(t, webhooks, "/webhook", "Webhooks path should contain '/webhook'")
	})
}

func TestProbePaths(t *testing.T) {
	t.Run("Should keep probe paths unversioned", func(t *testing.T) {
		assert.Equal(t, "/healthz/live", Liveness())
		assert.Equal(t, "/healthz/ready", Readiness())
		assert.NotContains(t, Liveness(), "/api/", "probe paths must not move with API versions")
		assert.NotContains(t, Readiness(), "/api/", "probe paths must not move with API versions")
	})
}

func TestPathCompositionConsistency(t *testing.T) {
	t.Run("Should ensure all paths are consistently composed from Base()", func(t *testing.T) {
		base := Base()
		version := Version()

		assert.Equal(t, "/api/"+version, base)
		assert.Equal(t, base+"/webhook", Webhooks())

		paths := []string{Base(), Webhooks(), Liveness(), Readiness()}
		for _, path := range paths {
			assert.NotContains(t, path, "//", "Path %s should not contain double slashes", path)
		}
	})
}
