package api

// HealthCheck is one component's probe result inside the health response.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status    string                 `json:"status"`
	Version   string                 `json:"version"`
	Uptime    string                 `json:"uptime"`
	Timestamp string                 `json:"timestamp"`
	Checks    map[string]HealthCheck `json:"checks"`
}

// VersionResponse is returned by GET /api/v1/version.
type VersionResponse struct {
	Name   string `json:"name"`
	Commit string `json:"commit"`
}

// AssignResponse is returned by POST /api/v1/features/:id/assign.
// Status is "dispatched" when a pipeline started immediately and "queued"
// when the project was at its concurrency cap.
type AssignResponse struct {
	FeatureID string `json:"feature_id"`
	Status    string `json:"status"`
	Message   string `json:"message"`
}

// CreatePRResponse is returned by POST /api/v1/features/:id/create-pr.
type CreatePRResponse struct {
	FeatureID string `json:"feature_id"`
	Status    string `json:"status"`
	Branch    string `json:"branch"`
}
