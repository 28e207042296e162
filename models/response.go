package models

// HealthResponse is the response for GET /api/v1/health.
type HealthResponse struct {
	Status       string       `json:"status"` // "healthy" or "failed"
	Uptime       string       `json:"uptime"`
	RunState     string       `json:"run_state"`
	SessionStats SessionStats `json:"session_stats"`
	Version      string       `json:"version"`
}

// SessionStats reports the browser sessions open on the listing.
type SessionStats struct {
	ActiveSessions int `json:"active_sessions"`
}

// ErrorResponse is the body of every non-2xx status API response.
type ErrorResponse struct {
	Success bool        `json:"success"`
	Error   ErrorDetail `json:"error"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
