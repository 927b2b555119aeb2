package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hookline/hookline/pkg/logger"
	"github.com/hookline/hookline/pkg/version"
)

const (
	statusReady    = "ready"
	statusNotReady = "not_ready"

	// probeTimeout bounds each dependency check so a hung backend cannot
	// stall the kubelet's readiness request.
	probeTimeout = 1500 * time.Millisecond
)

// BreakerGate reports the publish circuit breaker's view of readiness. An
// open breaker means the broker has been failing; the instance should stop
// receiving traffic until a half-open probe succeeds.
type BreakerGate interface {
	Ready() bool
	BreakerState() string
}

// Probe is a named dependency check evaluated on every readiness request.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

// LivenessHandler reports process liveness. It always returns 200: the
// process serving the request is, by definition, alive.
//
//	@Summary      Liveness probe
//	@Description  Returns 200 while the process is running
//	@Tags         health
//	@Produce      json
//	@Success      200 {object} map[string]interface{} "Process is alive"
//	@Router       /healthz/live [get]
func LivenessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

// ReadinessHandler reports whether this instance should receive traffic:
// the publish breaker must not be open and every registered dependency
// probe must pass.
//
//	@Summary      Readiness probe
//	@Description  Returns readiness derived from the publish circuit breaker and dependency checks
//	@Tags         health
//	@Produce      json
//	@Success      200 {object} map[string]interface{} "Instance is ready"
//	@Failure      503 {object} map[string]interface{} "Instance is not ready"
//	@Router       /healthz/ready [get]
func ReadinessHandler(gate BreakerGate, probes []Probe) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		ready := true
		components := gin.H{}
		if gate != nil {
			state := gate.BreakerState()
			gateReady := gate.Ready()
			components["publisher_breaker"] = gin.H{"ready": gateReady, "state": state}
			if !gateReady {
				ready = false
				logger.FromContext(ctx).Warn("Readiness check failed: publish breaker open", "state", state)
			}
		}
		for _, probe := range probes {
			if probe.Check == nil {
				continue
			}
			if err := runProbe(ctx, probe); err != nil {
				ready = false
				components[probe.Name] = gin.H{"ready": false, "error": err.Error()}
				logger.FromContext(ctx).Warn("Readiness probe failed", "component", probe.Name, "error", err)
			} else {
				components[probe.Name] = gin.H{"ready": true}
			}
		}
		c.JSON(readinessStatusCode(ready), gin.H{
			"status":     readinessStatus(ready),
			"ready":      ready,
			"version":    version.Get().Version,
			"components": components,
		})
	}
}

func runProbe(ctx context.Context, probe Probe) error {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	return probe.Check(probeCtx)
}

func readinessStatus(ready bool) string {
	if !ready {
		return statusNotReady
	}
	return statusReady
}

func readinessStatusCode(ready bool) int {
	if !ready {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}
