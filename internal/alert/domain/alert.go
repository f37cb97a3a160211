package domain

import (
	"errors"
	"strings"
	"time"
)

// Type is the detection kind of an alert.
type Type string

const (
	TypeFall    Type = "FALL"
	TypePreFall Type = "PRE_FALL"
)

// Valid reports whether t is an alert type the client displays.
func (t Type) Valid() bool {
	return t == TypeFall || t == TypePreFall
}

// Status is the workflow state of an alert.
type Status string

const (
	StatusNew        Status = "NEW"
	StatusAck        Status = "ACK"
	StatusResolved   Status = "RESOLVED"
	StatusFalseAlarm Status = "FALSE_ALARM"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusNew, StatusAck, StatusResolved, StatusFalseAlarm:
		return true
	}
	return false
}

// Severity ranks how urgently an alert needs attention.
type Severity string

const (
	SeverityLow  Severity = "LOW"
	SeverityMed  Severity = "MED"
	SeverityHigh Severity = "HIGH"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	return s == SeverityLow || s == SeverityMed || s == SeverityHigh
}

// DefaultSeverity is the severity the backend assigns to t when none is given.
func DefaultSeverity(t Type) Severity {
	switch t {
	case TypeFall:
		return SeverityHigh
	case TypePreFall:
		return SeverityMed
	}
	return SeverityLow
}

// Location is the hierarchical place an alert was raised in.
type Location struct {
	Client   string
	Building string
	Floor    string
	Room     string
}

// Path joins the non-empty levels with " / ".
func (l Location) Path() string {
	parts := make([]string, 0, 4)
	for _, p := range []string{l.Client, l.Building, l.Floor, l.Room} {
		if s := strings.TrimSpace(p); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " / ")
}

// DeviceRef identifies the sensor that raised an alert.
type DeviceRef struct {
	Name   string
	Serial string
}

// Alert is a fall or pre-fall detection raised by the backend.
// The client never creates alerts; it only receives them and may acknowledge them.
type Alert struct {
	ID         string
	Type       Type
	Status     Status
	Severity   Severity
	OccurredAt time.Time
	Location   Location
	Device     DeviceRef
}

// ErrInvalidAlert is returned by Validate when a required field is missing or unknown.
var ErrInvalidAlert = errors.New("invalid alert")

// Validate checks the fields every alert in a collection must carry.
func (a Alert) Validate() error {
	if strings.TrimSpace(a.ID) == "" {
		return errors.Join(ErrInvalidAlert, errors.New("id is required"))
	}
	if !a.Type.Valid() {
		return errors.Join(ErrInvalidAlert, errors.New("unsupported type "+string(a.Type)))
	}
	if !a.Status.Valid() {
		return errors.Join(ErrInvalidAlert, errors.New("unknown status "+string(a.Status)))
	}
	if !a.Severity.Valid() {
		return errors.Join(ErrInvalidAlert, errors.New("unknown severity "+string(a.Severity)))
	}
	if a.OccurredAt.IsZero() {
		return errors.Join(ErrInvalidAlert, errors.New("occurredAt is required"))
	}
	return nil
}

// Patch is a partial alert update pushed by the realtime stream. Nil fields are left untouched.
type Patch struct {
	Status     *Status
	Severity   *Severity
	OccurredAt *time.Time
	Location   *Location
	Device     *DeviceRef
}

// Apply returns a copy of a with the patch merged in. Status is taken verbatim.
func (p Patch) Apply(a Alert) Alert {
	if p.Status != nil {
		a.Status = *p.Status
	}
	if p.Severity != nil {
		a.Severity = *p.Severity
	}
	if p.OccurredAt != nil {
		a.OccurredAt = *p.OccurredAt
	}
	if p.Location != nil {
		a.Location = *p.Location
	}
	if p.Device != nil {
		a.Device = *p.Device
	}
	return a
}

// IsEmpty reports whether the patch changes nothing.
func (p Patch) IsEmpty() bool {
	return p.Status == nil && p.Severity == nil && p.OccurredAt == nil && p.Location == nil && p.Device == nil
}

// StatusFilter restricts a snapshot or a view to one status. The zero value matches every alert.
type StatusFilter string

// FilterAll matches every alert.
const FilterAll StatusFilter = ""

// ParseStatusFilter accepts "", "ALL" or a status name (case-insensitive).
func ParseStatusFilter(s string) (StatusFilter, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" || s == "ALL" {
		return FilterAll, nil
	}
	if !Status(s).Valid() {
		return FilterAll, errors.New("unknown status filter " + s)
	}
	return StatusFilter(s), nil
}

// Matches reports whether a passes the filter.
func (f StatusFilter) Matches(a Alert) bool {
	return f == FilterAll || Status(f) == a.Status
}
