// Package types holds the orchestration data model shared by the controller,
// reconciler, pool, allocator and router.
package types

import (
	"fmt"
	"regexp"
	"time"
)

// DesiredState is the caller-owned target for a session.
type DesiredState string

const (
	DesiredAbsent  DesiredState = "absent"
	DesiredRunning DesiredState = "running"
	DesiredStopped DesiredState = "stopped"
)

// Status is the observed lifecycle state of a session's daemon.
// A session without a record is absent.
type Status string

const (
	StatusStarting   Status = "starting"
	StatusRunning    Status = "running"
	StatusUnhealthy  Status = "unhealthy"
	StatusRestarting Status = "restarting"
	StatusStopping   Status = "stopping"
	StatusFailed     Status = "failed"
)

// StatusAbsent is reported for sessions without a daemon record.
const StatusAbsent Status = "absent"

// IsValid returns true if the status is a known record status
func (s Status) IsValid() bool {
	switch s {
	case StatusStarting, StatusRunning, StatusUnhealthy, StatusRestarting, StatusStopping, StatusFailed:
		return true
	default:
		return false
	}
}

// IsTransient returns true for states that are never reported as a final outcome
func (s Status) IsTransient() bool {
	return s == StatusStarting || s == StatusStopping || s == StatusRestarting
}

// IsLive returns true if the record owns (or is acquiring) a daemon that
// callers may use.
func (s Status) IsLive() bool {
	switch s {
	case StatusStarting, StatusRunning, StatusUnhealthy, StatusRestarting:
		return true
	default:
		return false
	}
}

// CanTransitionTo checks if a transition from s to target is valid
func (s Status) CanTransitionTo(target Status) bool {
	switch s {
	case StatusStarting:
		return target == StatusRunning || target == StatusFailed || target == StatusStopping
	case StatusRunning:
		return target == StatusUnhealthy || target == StatusRestarting || target == StatusStopping || target == StatusFailed
	case StatusUnhealthy:
		return target == StatusRunning || target == StatusRestarting || target == StatusStopping || target == StatusFailed
	case StatusRestarting:
		return target == StatusRunning || target == StatusUnhealthy || target == StatusFailed || target == StatusStopping
	case StatusStopping:
		return target == StatusFailed || target == StatusStopping
	case StatusFailed:
		return target == StatusStarting || target == StatusStopping
	default:
		return false
	}
}

// DaemonRecord is the orchestration metadata kept for one session.
type DaemonRecord struct {
	SessionID        string       `json:"session_id"`
	ContainerID      string       `json:"container_id"`
	AssignedPort     int          `json:"assigned_port"`
	ContainerPort    int          `json:"container_port"`
	Status           Status       `json:"status"`
	Desired          DesiredState `json:"desired"`
	CurrentURL       string       `json:"current_url,omitempty"`
	CallbackURL      string       `json:"callback_url,omitempty"`
	ErrorMessage     string       `json:"error_message,omitempty"`
	RetryCount       int          `json:"retry_count"`
	TeardownAttempts int          `json:"teardown_attempts,omitempty"`
	FromPool         bool         `json:"from_pool"`
	LastHealthyAt    time.Time    `json:"last_healthy_at"`
	LastActivityAt   time.Time    `json:"last_activity_at"`
	LastHeartbeatAt  time.Time    `json:"last_heartbeat_at,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// DaemonStatus is the read-only snapshot returned to callers.
type DaemonStatus struct {
	SessionID     string       `json:"session_id"`
	Status        Status       `json:"status"`
	Desired       DesiredState `json:"desired"`
	Port          int          `json:"port,omitempty"`
	Hostname      string       `json:"hostname,omitempty"`
	ContainerID   string       `json:"container_id,omitempty"`
	CurrentURL    string       `json:"current_url,omitempty"`
	RetryCount    int          `json:"retry_count"`
	Ready         bool         `json:"ready"`
	ErrorMessage  string       `json:"error_message,omitempty"`
	LastHealthyAt time.Time    `json:"last_healthy_at,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
}

// StatusOf builds the caller snapshot for a record.
func StatusOf(rec *DaemonRecord, hostname string) *DaemonStatus {
	return &DaemonStatus{
		SessionID:     rec.SessionID,
		Status:        rec.Status,
		Desired:       rec.Desired,
		Port:          rec.AssignedPort,
		Hostname:      hostname,
		ContainerID:   rec.ContainerID,
		CurrentURL:    rec.CurrentURL,
		RetryCount:    rec.RetryCount,
		Ready:         rec.Status == StatusRunning,
		ErrorMessage:  rec.ErrorMessage,
		LastHealthyAt: rec.LastHealthyAt,
		CreatedAt:     rec.CreatedAt,
	}
}

// StateTransition records one status change of a session.
type StateTransition struct {
	SessionID string    `json:"session_id"`
	From      Status    `json:"from"`
	To        Status    `json:"to"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

func (t StateTransition) String() string {
	return fmt.Sprintf("%s: %s -> %s (%s)", t.SessionID, t.From, t.To, t.Reason)
}

// SlotStatus is the lifecycle of a warm pool slot.
type SlotStatus string

const (
	SlotWarm    SlotStatus = "warm"
	SlotClaimed SlotStatus = "claimed"
)

// Session ids become the first label of the session's hostname, so they are
// restricted to lowercase DNS labels. This keeps hostname derivation one-to-one.
var sessionIDPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

// ValidateSessionID returns an InvalidRequest error for ids that are not a
// lowercase DNS label.
func ValidateSessionID(sessionID string) error {
	if sessionID == "" {
		return NewError(KindInvalidRequest, "", "session id is required", nil)
	}
	if !sessionIDPattern.MatchString(sessionID) {
		return NewError(KindInvalidRequest, sessionID, "session id must be a lowercase DNS label (a-z, 0-9, '-')", nil)
	}
	return nil
}

// PoolSlot is a pre-started, unassigned daemon container.
type PoolSlot struct {
	ID            string     `json:"id"`
	ContainerID   string     `json:"container_id"`
	Port          int        `json:"port"`
	ContainerPort int        `json:"container_port"`
	Status        SlotStatus `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
}

// RouteEntry maps an external hostname to a container/port pair.
type RouteEntry struct {
	Hostname      string    `json:"hostname"`
	SessionID     string    `json:"session_id"`
	ContainerID   string    `json:"container_id"`
	ContainerPort int       `json:"container_port"`
	HostPort      int       `json:"host_port"`
	RegisteredAt  time.Time `json:"registered_at"`
}

// PortLease is a port held by an owner (a session or a pool slot).
type PortLease struct {
	Port     int       `json:"port"`
	OwnerID  string    `json:"owner_id"`
	Range    string    `json:"range,omitempty"`
	LeasedAt time.Time `json:"leased_at"`
	// ExpiresAt is zero for leases that never expire.
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}
