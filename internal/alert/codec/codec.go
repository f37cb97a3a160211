// Package codec maps the backend's alert JSON to domain alerts and back.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/raoufmedjdoub-netizen/Ohmguard-Mobile/internal/alert/domain"
)

// Alert is the wire form of an alert as served by /api/events and pushed as new_event.
type Alert struct {
	ID         string    `json:"id"`
	EventType  string    `json:"eventType,omitempty"`
	Type       string    `json:"type,omitempty"`
	Status     string    `json:"status,omitempty"`
	Severity   string    `json:"severity,omitempty"`
	OccurredAt string    `json:"occurredAt,omitempty"`
	Location   *Location `json:"location,omitempty"`
	Device     *Device   `json:"device,omitempty"`
	// Flat device fields sent by list endpoints.
	DeviceID   string `json:"deviceId,omitempty"`
	SensorName string `json:"sensorName,omitempty"`
}

// Location is the wire form of domain.Location.
type Location struct {
	Client   string `json:"client,omitempty"`
	Building string `json:"building,omitempty"`
	Floor    string `json:"floor,omitempty"`
	Room     string `json:"room,omitempty"`
}

// Device is the wire form of domain.DeviceRef.
type Device struct {
	Name   string `json:"name,omitempty"`
	Serial string `json:"serial,omitempty"`
}

// ErrNotAnAlert is returned for well-formed events whose type is not a fall alert (e.g. PRESENCE).
var ErrNotAnAlert = errors.New("event is not a fall alert")

// DecodeAlert parses one alert object. The result always passes domain.Alert.Validate.
func DecodeAlert(raw []byte) (domain.Alert, error) {
	var w Alert
	if err := json.Unmarshal(raw, &w); err != nil {
		return domain.Alert{}, fmt.Errorf("codec: decode alert: %w", err)
	}
	return w.ToDomain()
}

// DecodeAlerts parses an array of alerts. Non-alert events are skipped; any other invalid entry fails the batch.
func DecodeAlerts(raw []byte) ([]domain.Alert, error) {
	var ws []Alert
	if err := json.Unmarshal(raw, &ws); err != nil {
		return nil, fmt.Errorf("codec: decode alerts: %w", err)
	}
	out := make([]domain.Alert, 0, len(ws))
	for i := range ws {
		a, err := ws[i].ToDomain()
		if errors.Is(err, ErrNotAnAlert) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("codec: alert %d: %w", i, err)
		}
		out = append(out, a)
	}
	return out, nil
}

// ToDomain validates w and converts it.
func (w Alert) ToDomain() (domain.Alert, error) {
	t := domain.Type(strings.ToUpper(w.EventType))
	if w.EventType == "" {
		t = domain.Type(strings.ToUpper(w.Type))
	}
	if !t.Valid() {
		return domain.Alert{}, fmt.Errorf("%w: type %q", ErrNotAnAlert, t)
	}
	a := domain.Alert{
		ID:       strings.TrimSpace(w.ID),
		Type:     t,
		Status:   domain.Status(strings.ToUpper(w.Status)),
		Severity: domain.Severity(strings.ToUpper(w.Severity)),
	}
	if a.Status == "" {
		a.Status = domain.StatusNew
	}
	if a.Severity == "" {
		a.Severity = domain.DefaultSeverity(t)
	}
	if w.OccurredAt != "" {
		ts, err := ParseTime(w.OccurredAt)
		if err != nil {
			return domain.Alert{}, errors.Join(domain.ErrInvalidAlert, err)
		}
		a.OccurredAt = ts
	}
	if w.Location != nil {
		a.Location = w.Location.toDomain()
	}
	if w.Device != nil {
		a.Device = domain.DeviceRef{Name: w.Device.Name, Serial: w.Device.Serial}
	}
	if a.Device.Name == "" {
		a.Device.Name = w.SensorName
	}
	if a.Device.Serial == "" {
		a.Device.Serial = w.DeviceID
	}
	if err := a.Validate(); err != nil {
		return domain.Alert{}, err
	}
	return a, nil
}

// FromDomain converts a for the wire.
func FromDomain(a domain.Alert) Alert {
	w := Alert{
		ID:         a.ID,
		EventType:  string(a.Type),
		Status:     string(a.Status),
		Severity:   string(a.Severity),
		OccurredAt: a.OccurredAt.UTC().Format(time.RFC3339Nano),
	}
	if a.Location != (domain.Location{}) {
		w.Location = &Location{Client: a.Location.Client, Building: a.Location.Building, Floor: a.Location.Floor, Room: a.Location.Room}
	}
	if a.Device != (domain.DeviceRef{}) {
		w.Device = &Device{Name: a.Device.Name, Serial: a.Device.Serial}
	}
	return w
}

func (l Location) toDomain() domain.Location {
	return domain.Location{Client: l.Client, Building: l.Building, Floor: l.Floor, Room: l.Room}
}

// DecodePatch parses the "update" object of an event_updated message. Absent keys stay nil.
func DecodePatch(raw []byte) (domain.Patch, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return domain.Patch{}, fmt.Errorf("codec: decode update: %w", err)
	}
	var p domain.Patch
	if v, ok := fields["status"]; ok {
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return domain.Patch{}, fmt.Errorf("codec: update status: %w", err)
		}
		st := domain.Status(strings.ToUpper(s))
		if !st.Valid() {
			return domain.Patch{}, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidAlert, s)
		}
		p.Status = &st
	}
	if v, ok := fields["severity"]; ok {
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return domain.Patch{}, fmt.Errorf("codec: update severity: %w", err)
		}
		sev := domain.Severity(strings.ToUpper(s))
		if !sev.Valid() {
			return domain.Patch{}, fmt.Errorf("%w: unknown severity %q", domain.ErrInvalidAlert, s)
		}
		p.Severity = &sev
	}
	if v, ok := fields["occurredAt"]; ok {
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return domain.Patch{}, fmt.Errorf("codec: update occurredAt: %w", err)
		}
		ts, err := ParseTime(s)
		if err != nil {
			return domain.Patch{}, errors.Join(domain.ErrInvalidAlert, err)
		}
		p.OccurredAt = &ts
	}
	if v, ok := fields["location"]; ok {
		var l Location
		if err := json.Unmarshal(v, &l); err != nil {
			return domain.Patch{}, fmt.Errorf("codec: update location: %w", err)
		}
		dl := l.toDomain()
		p.Location = &dl
	}
	if v, ok := fields["device"]; ok {
		var d Device
		if err := json.Unmarshal(v, &d); err != nil {
			return domain.Patch{}, fmt.Errorf("codec: update device: %w", err)
		}
		p.Device = &domain.DeviceRef{Name: d.Name, Serial: d.Serial}
	}
	return p, nil
}

// EncodePatch is the inverse of DecodePatch.
func EncodePatch(p domain.Patch) map[string]any {
	out := map[string]any{}
	if p.Status != nil {
		out["status"] = string(*p.Status)
	}
	if p.Severity != nil {
		out["severity"] = string(*p.Severity)
	}
	if p.OccurredAt != nil {
		out["occurredAt"] = p.OccurredAt.UTC().Format(time.RFC3339Nano)
	}
	if p.Location != nil {
		out["location"] = Location{Client: p.Location.Client, Building: p.Location.Building, Floor: p.Location.Floor, Room: p.Location.Room}
	}
	if p.Device != nil {
		out["device"] = Device{Name: p.Device.Name, Serial: p.Device.Serial}
	}
	return out
}

// naiveLayout is ISO-8601 without a zone, as emitted by Python's isoformat() on naive datetimes.
const naiveLayout = "2006-01-02T15:04:05.999999999"

// ParseTime accepts RFC 3339 timestamps and zone-less ISO-8601 timestamps (read as UTC).
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.ParseInLocation(naiveLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("codec: invalid timestamp %q", s)
	}
	return t, nil
}
