// Package telemetry defines product events emitted by the client and the best-effort path that ships them.
package telemetry

import (
	"context"
	"time"
)

// Event types emitted by the client.
const (
	EventLogin          = "session.login"
	EventRestore        = "session.restore"
	EventLogout         = "session.logout"
	EventSessionExpired = "session.expired"
	EventRefreshFailed  = "session.refresh_failed"
	EventAckSucceeded   = "alert.ack_succeeded"
	EventAckReverted    = "alert.ack_reverted"
	EventRealtimeJoined = "realtime.joined"
)

// Event is one client telemetry event. It never carries tokens or passwords.
type Event struct {
	Type     string
	TenantID string
	UserID   string
	AlertID  string
	Source   string
	// Detail is a short free-form reason (e.g. the error that reverted an ack).
	Detail    string
	CreatedAt time.Time
}

// EventEmitter emits telemetry events (e.g. to OTel Logs). Best-effort; callers log and ignore errors.
type EventEmitter interface {
	Emit(ctx context.Context, event *Event) error
}
