package mockbackend

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/raoufmedjdoub-netizen/Ohmguard-Mobile/internal/alert/codec"
	"github.com/raoufmedjdoub-netizen/Ohmguard-Mobile/internal/alert/domain"
	"github.com/raoufmedjdoub-netizen/Ohmguard-Mobile/internal/alert/store"
	"github.com/raoufmedjdoub-netizen/Ohmguard-Mobile/internal/realtime"
)

var (
	errAlertNotFound = errors.New("event not found")
	errAlreadyAcked  = errors.New("event already acknowledged")
)

// RaiseAlert stores a for tenantID and broadcasts it as new_event. An empty id gets a UUID;
// a missing severity gets the type's default.
func (b *Backend) RaiseAlert(tenantID string, a domain.Alert) (domain.Alert, error) {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.Status == "" {
		a.Status = domain.StatusNew
	}
	if a.Severity == "" {
		a.Severity = domain.DefaultSeverity(a.Type)
	}
	if a.OccurredAt.IsZero() {
		a.OccurredAt = b.nowF().UTC()
	}
	if err := a.Validate(); err != nil {
		return domain.Alert{}, err
	}
	b.mu.Lock()
	if _, ok := b.alerts[a.ID]; ok {
		b.mu.Unlock()
		return domain.Alert{}, fmt.Errorf("mockbackend: alert %s exists", a.ID)
	}
	b.alerts[a.ID] = &storedAlert{tenantID: tenantID, alert: a}
	b.mu.Unlock()

	b.hub.broadcast(tenantID, realtime.EventNewEvent, map[string]any{
		"type":  "new_event",
		"event": codec.FromDomain(a),
	})
	return a, nil
}

// UpdateAlert applies p to the alert and broadcasts event_updated to its tenant.
func (b *Backend) UpdateAlert(id string, p domain.Patch) (domain.Alert, error) {
	b.mu.Lock()
	sa, ok := b.alerts[id]
	if !ok {
		b.mu.Unlock()
		return domain.Alert{}, errAlertNotFound
	}
	sa.alert = p.Apply(sa.alert)
	a, tenantID := sa.alert, sa.tenantID
	b.mu.Unlock()

	b.hub.broadcast(tenantID, realtime.EventEventUpdated, map[string]any{
		"event_id": id,
		"update":   codec.EncodePatch(p),
	})
	return a, nil
}

// Alert returns the server-side state of id.
func (b *Backend) Alert(id string) (domain.Alert, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	sa, ok := b.alerts[id]
	if !ok {
		return domain.Alert{}, false
	}
	return sa.alert, true
}

func (b *Backend) handleListEvents(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())
	filter, err := domain.ParseStatusFilter(r.URL.Query().Get("statusFilter"))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	b.mu.Lock()
	b.counter.Fetches++
	list := make([]domain.Alert, 0, len(b.alerts))
	for _, sa := range b.alerts {
		if sa.tenantID == id.TenantID && filter.Matches(sa.alert) {
			list = append(list, sa.alert)
		}
	}
	b.mu.Unlock()
	store.SortForDisplay(list)

	out := make([]codec.Alert, len(list))
	for i, a := range list {
		out[i] = codec.FromDomain(a)
	}
	writeJSON(w, http.StatusOK, out)
}

func (b *Backend) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	a, ok := b.tenantAlert(r)
	if !ok {
		writeError(w, http.StatusNotFound, errAlertNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, codec.FromDomain(a))
}

func (b *Backend) handlePatchEvent(w http.ResponseWriter, r *http.Request) {
	caller, _ := identityFrom(r.Context())
	var req struct {
		Status string `json:"status"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	status := domain.Status(strings.ToUpper(req.Status))
	if !status.Valid() {
		writeError(w, http.StatusUnprocessableEntity, "unknown status "+req.Status)
		return
	}
	if !canAcknowledge(caller.Role) {
		writeError(w, http.StatusForbidden, "role "+caller.Role+" may not update events")
		return
	}
	if _, ok := b.tenantAlert(r); !ok {
		writeError(w, http.StatusNotFound, errAlertNotFound.Error())
		return
	}

	id := mux.Vars(r)["id"]
	b.mu.Lock()
	b.counter.Acks++
	sa := b.alerts[id]
	if status == domain.StatusAck && sa.alert.Status != domain.StatusNew {
		b.mu.Unlock()
		writeError(w, http.StatusConflict, errAlreadyAcked.Error())
		return
	}
	b.mu.Unlock()

	a, err := b.UpdateAlert(id, domain.Patch{Status: &status})
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	b.logger.Info("mockbackend: event updated", "event_id", id, "status", string(status), "user_id", caller.UserID)
	writeJSON(w, http.StatusOK, codec.FromDomain(a))
}

// tenantAlert resolves {id} within the caller's tenant.
func (b *Backend) tenantAlert(r *http.Request) (domain.Alert, bool) {
	caller, _ := identityFrom(r.Context())
	b.mu.RLock()
	defer b.mu.RUnlock()
	sa, ok := b.alerts[mux.Vars(r)["id"]]
	if !ok || sa.tenantID != caller.TenantID {
		return domain.Alert{}, false
	}
	return sa.alert, true
}
