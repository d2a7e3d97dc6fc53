package api

import (
	"time"

	"github.com/sandboxrunner/browserd/pkg/pool"
	"github.com/sandboxrunner/browserd/pkg/types"
)

// ErrorResponse is the envelope of every failed request
type ErrorResponse struct {
	Error Error `json:"error"`
}

// Error represents an API error
type Error struct {
	Code      int             `json:"code"`
	Kind      types.ErrorKind `json:"kind,omitempty"`
	Message   string          `json:"message"`
	Details   []string        `json:"details,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	RequestID string          `json:"request_id,omitempty"`
}

// StartRequest is the body of POST /sessions/{id}/start
type StartRequest struct {
	URL         string `json:"url,omitempty"`
	CallbackURL string `json:"callbackUrl,omitempty"`
}

// NavigateRequest is the body of POST /sessions/{id}/navigate
type NavigateRequest struct {
	URL string `json:"url"`
}

// URLResponse carries a session's current URL
type URLResponse struct {
	SessionID string `json:"sessionId"`
	URL       string `json:"url"`
}

// AbsentResponse is returned for sessions without a daemon record
type AbsentResponse struct {
	SessionID string       `json:"sessionId"`
	Status    types.Status `json:"status"`
}

// ListResponse wraps collection results
type ListResponse struct {
	Data      interface{} `json:"data"`
	Total     int         `json:"total"`
	Timestamp time.Time   `json:"timestamp"`
}

// PoolResponse describes the warm pool
type PoolResponse struct {
	Stats pool.Stats       `json:"stats"`
	Slots []types.PoolSlot `json:"slots"`
}

// HealthResponse is returned by GET /health
type HealthResponse struct {
	Status    string    `json:"status"`
	Sessions  int       `json:"sessions"`
	Routes    int       `json:"routes"`
	Version   string    `json:"version,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
