package routes

// Version returns the current API version string used in routing (e.g., "v1").
func Version() string {
	return "v1"
}

// Base returns the versioned API base path (e.g., "/api/v1").
func Base() string {
	return "/api/" + Version()
}

// Webhooks returns the webhook ingestion base path (e.g., "/api/v1/webhook").
// Provider routes mount beneath it as POST {base}/:provider.
func Webhooks() string {
	return Base() + "/webhook"
}

// Liveness returns the liveness probe path. It is unversioned so orchestrator
// probe configuration survives API version bumps.
func Liveness() string {
	return "/healthz/live"
}

// Readiness returns the readiness probe path.
func Readiness() string {
	return "/healthz/ready"
}
