package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/raoufmedjdoub-netizen/Ohmguard-Mobile/internal/alert/codec"
	"github.com/raoufmedjdoub-netizen/Ohmguard-Mobile/internal/alert/domain"
)

// Server event names.
const (
	EventNewEvent         = "new_event"
	EventEventUpdated     = "event_updated"
	EventSensorStatus     = "sensor_status"
	EventJoined           = "joined"
	EventPresenceUpdate   = "presence_update"
	EventSensorRegistered = "sensor_registered"
	EventJoinTenant       = "join_tenant"
)

// Kind is the type of an inbound Event.
type Kind int

const (
	AlertCreated Kind = iota
	AlertUpdated
	SensorStatusChanged
)

func (k Kind) String() string {
	switch k {
	case AlertCreated:
		return "alert_created"
	case AlertUpdated:
		return "alert_updated"
	case SensorStatusChanged:
		return "sensor_status"
	}
	return "unknown"
}

// SensorStatus reports a sensor going online or offline.
type SensorStatus struct {
	SensorID string
	Status   string
	LastSeen time.Time
}

// Event is one inbound realtime notification. Only the fields of its Kind are set.
type Event struct {
	Kind    Kind
	Alert   domain.Alert
	AlertID string
	Patch   domain.Patch
	Sensor  SensorStatus
}

// errIgnored marks server events the client does not surface.
var errIgnored = errors.New("event ignored")

// decodeEvent maps a server event to an Event.
func decodeEvent(name string, args []json.RawMessage) (Event, error) {
	if len(args) == 0 {
		return Event{}, fmt.Errorf("%s: missing payload", name)
	}
	payload := args[0]
	switch name {
	case EventNewEvent:
		var env struct {
			Event json.RawMessage `json:"event"`
		}
		if err := json.Unmarshal(payload, &env); err != nil {
			return Event{}, fmt.Errorf("%s: %w", name, err)
		}
		raw := payload
		if len(env.Event) > 0 && string(env.Event) != "null" {
			raw = env.Event
		}
		a, err := codec.DecodeAlert(raw)
		if errors.Is(err, codec.ErrNotAnAlert) {
			return Event{}, errIgnored
		}
		if err != nil {
			return Event{}, fmt.Errorf("%s: %w", name, err)
		}
		return Event{Kind: AlertCreated, Alert: a, AlertID: a.ID}, nil

	case EventEventUpdated:
		var body struct {
			EventID string          `json:"event_id"`
			Update  json.RawMessage `json:"update"`
		}
		if err := json.Unmarshal(payload, &body); err != nil {
			return Event{}, fmt.Errorf("%s: %w", name, err)
		}
		if body.EventID == "" || len(body.Update) == 0 {
			return Event{}, fmt.Errorf("%s: event_id and update are required", name)
		}
		p, err := codec.DecodePatch(body.Update)
		if err != nil {
			return Event{}, fmt.Errorf("%s: %w", name, err)
		}
		return Event{Kind: AlertUpdated, AlertID: body.EventID, Patch: p}, nil

	case EventSensorStatus:
		var body struct {
			SensorID string `json:"sensor_id"`
			Status   string `json:"status"`
			LastSeen string `json:"last_seen"`
		}
		if err := json.Unmarshal(payload, &body); err != nil {
			return Event{}, fmt.Errorf("%s: %w", name, err)
		}
		st := SensorStatus{SensorID: body.SensorID, Status: body.Status}
		if body.LastSeen != "" {
			if ts, err := codec.ParseTime(body.LastSeen); err == nil {
				st.LastSeen = ts
			}
		}
		return Event{Kind: SensorStatusChanged, Sensor: st}, nil
	}
	return Event{}, errIgnored
}
