// Package store holds the session's in-memory alert collection and reconciles the REST
// snapshot with the realtime stream.
package store

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/raoufmedjdoub-netizen/Ohmguard-Mobile/internal/alert/domain"
	"github.com/raoufmedjdoub-netizen/Ohmguard-Mobile/internal/metrics"
	"github.com/raoufmedjdoub-netizen/Ohmguard-Mobile/internal/telemetry"
)

var (
	// ErrAlreadyInFlight is returned when an acknowledgement for the same alert is still pending.
	ErrAlreadyInFlight = errors.New("acknowledgement already in flight")
	// ErrUnknownAlert is returned when acknowledging an id that is not in the collection.
	ErrUnknownAlert = errors.New("unknown alert")
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("alert store closed")
)

// Repository is the subset of the alert REST repository the store calls.
type Repository interface {
	FetchSnapshot(ctx context.Context, filter domain.StatusFilter) ([]domain.Alert, error)
	Acknowledge(ctx context.Context, id string) (domain.Alert, error)
}

// State is a point-in-time copy of the store's flags.
type State struct {
	Filter     domain.StatusFilter
	Loading    bool
	Refreshing bool
	Loaded     bool
	LastError  error
	Pending    int
	InFlight   int
}

// Options configures a Store.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Emitter telemetry.EventEmitter
	// TenantID and UserID tag telemetry events.
	TenantID string
	UserID   string
}

type eventKind int

const (
	created eventKind = iota
	updated
)

// queued is a realtime event held back while a snapshot is loading.
type queued struct {
	kind  eventKind
	alert domain.Alert
	id    string
	patch domain.Patch
}

// intent is an acknowledgement awaiting the server.
type intent struct {
	prev domain.Status
	// superseded is set when the stream changed the status while the request was pending.
	superseded bool
}

// Store is the alert collection of one session. All mutations are serialized by mu;
// network calls run outside it.
type Store struct {
	repo    Repository
	logger  *slog.Logger
	metrics *metrics.Metrics
	emitter telemetry.EventEmitter
	tenant  string
	user    string

	mu         sync.Mutex
	alerts     map[string]domain.Alert
	intents    map[string]*intent
	buffer     []queued
	buffering  bool
	loadSeq    uint64
	loadFilter domain.StatusFilter
	viewFilter domain.StatusFilter
	loading    bool
	refreshing bool
	loaded     bool
	lastErr    error
	pending    int
	closed     bool
	changes    chan struct{}
}

// New returns an empty store reading from repo. Realtime events received before the first
// Load are held and replayed on top of its snapshot.
func New(repo Repository, opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		repo:      repo,
		logger:    logger,
		metrics:   opts.Metrics,
		emitter:   opts.Emitter,
		tenant:    opts.TenantID,
		user:      opts.UserID,
		alerts:    make(map[string]domain.Alert),
		intents:   make(map[string]*intent),
		buffering: true,
		changes:   make(chan struct{}, 1),
	}
}

// Bind sets the tenant and user that tag the store's telemetry events.
func (s *Store) Bind(tenantID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenant, s.user = tenantID, userID
}

// Changes signals after every mutation. Signals coalesce; receivers re-read state.
// The channel is closed by Close.
func (s *Store) Changes() <-chan struct{} {
	return s.changes
}

// Load fetches a snapshot for filter and replaces the collection with it. Realtime events
// that arrive while the request is pending are replayed, in arrival order, on top of the
// snapshot. When loads overlap only the latest one is applied.
func (s *Store) Load(ctx context.Context, filter domain.StatusFilter) error {
	return s.load(ctx, filter, false)
}

// Refresh reloads with the filter of the last Load, flagging the store as refreshing.
// The status filter set by SetStatusFilter is kept.
func (s *Store) Refresh(ctx context.Context) error {
	s.mu.Lock()
	filter := s.loadFilter
	s.mu.Unlock()
	return s.load(ctx, filter, true)
}

func (s *Store) load(ctx context.Context, filter domain.StatusFilter, refresh bool) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.loadSeq++
	seq := s.loadSeq
	s.loadFilter = filter
	s.buffering = true
	if refresh {
		s.refreshing = true
	} else {
		s.viewFilter = filter
		s.loading = true
	}
	s.notifyLocked()
	s.mu.Unlock()

	snapshot, err := s.repo.FetchSnapshot(ctx, filter)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if seq != s.loadSeq {
		s.logger.Debug("alert store: discarding superseded snapshot", "seq", seq)
		return nil
	}
	s.loading, s.refreshing = false, false
	if err != nil {
		s.lastErr = err
		s.replayLocked()
		s.recountLocked()
		s.notifyLocked()
		return err
	}

	next := make(map[string]domain.Alert, len(snapshot))
	for _, a := range snapshot {
		next[a.ID] = a
	}
	// An ack still in flight stays optimistic; a failure reverts to the snapshot's status.
	for id, in := range s.intents {
		if a, ok := next[id]; ok && !in.superseded {
			in.prev = a.Status
			a.Status = domain.StatusAck
			next[id] = a
		}
	}
	s.alerts = next
	s.loaded = true
	s.lastErr = nil
	s.replayLocked()
	s.recountLocked()
	s.notifyLocked()
	s.logger.Debug("alert store: snapshot applied", "alerts", len(snapshot), "filter", string(filter))
	return nil
}

// replayLocked applies the buffered events in arrival order and stops buffering.
func (s *Store) replayLocked() {
	buf := s.buffer
	s.buffer, s.buffering = nil, false
	for _, q := range buf {
		switch q.kind {
		case created:
			s.createLocked(q.alert)
		case updated:
			s.updateLocked(q.id, q.patch)
		}
	}
}

// OnAlertCreated inserts a if its id is absent. An alert already present is never overwritten.
func (s *Store) OnAlertCreated(a domain.Alert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.buffering {
		s.buffer = append(s.buffer, queued{kind: created, alert: a})
		return
	}
	if s.createLocked(a) {
		s.recountLocked()
		s.notifyLocked()
	}
}

// OnAlertUpdated merges patch into the alert with id. Unknown ids are dropped.
// A status in the patch overwrites the local status unconditionally.
func (s *Store) OnAlertUpdated(id string, patch domain.Patch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.buffering {
		s.buffer = append(s.buffer, queued{kind: updated, id: id, patch: patch})
		return
	}
	if s.updateLocked(id, patch) {
		s.recountLocked()
		s.notifyLocked()
	}
}

func (s *Store) createLocked(a domain.Alert) bool {
	if _, ok := s.alerts[a.ID]; ok {
		return false
	}
	s.alerts[a.ID] = a
	return true
}

func (s *Store) updateLocked(id string, patch domain.Patch) bool {
	cur, ok := s.alerts[id]
	if !ok {
		s.logger.Debug("alert store: update for unknown alert dropped", "alert_id", id)
		return false
	}
	if patch.Status != nil {
		if in, ok := s.intents[id]; ok {
			in.superseded = true
		}
	}
	s.alerts[id] = patch.Apply(cur)
	return true
}

// Acknowledge optimistically marks id as ACK and asks the server to confirm. On any failure,
// ErrAlreadyAcknowledged included, the previous status is restored unless the stream changed
// the status in the meantime; the stream then carries the server's status.
// A second call for the same id while the first is pending fails with ErrAlreadyInFlight
// without a network call.
func (s *Store) Acknowledge(ctx context.Context, id string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	cur, ok := s.alerts[id]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownAlert
	}
	if _, busy := s.intents[id]; busy {
		s.mu.Unlock()
		s.metrics.ObserveAck("in_flight")
		return ErrAlreadyInFlight
	}
	s.intents[id] = &intent{prev: cur.Status}
	cur.Status = domain.StatusAck
	s.alerts[id] = cur
	s.recountLocked()
	s.notifyLocked()
	s.mu.Unlock()

	res, err := s.repo.Acknowledge(ctx, id)

	s.mu.Lock()
	defer s.mu.Unlock()
	in := s.intents[id]
	delete(s.intents, id)
	if s.closed || in == nil {
		return err
	}
	cur, present := s.alerts[id]
	switch {
	case err == nil:
		if present && !in.superseded && res.Status.Valid() {
			cur.Status = res.Status
			s.alerts[id] = cur
		}
		s.metrics.ObserveAck("ok")
		telemetry.EmitAsync(s.emitter, s.ackEvent(telemetry.EventAckSucceeded, id, ""))
	default:
		if present && !in.superseded {
			cur.Status = in.prev
			s.alerts[id] = cur
		}
		s.metrics.ObserveAck("reverted")
		s.logger.Warn("alert store: acknowledgement failed, reverted", "alert_id", id, "error", err)
		telemetry.EmitAsync(s.emitter, s.ackEvent(telemetry.EventAckReverted, id, err.Error()))
	}
	s.recountLocked()
	s.notifyLocked()
	return err
}

func (s *Store) ackEvent(typ, id, detail string) *telemetry.Event {
	return &telemetry.Event{Type: typ, TenantID: s.tenant, UserID: s.user, AlertID: id, Source: "store", Detail: detail}
}

// SetStatusFilter changes which alerts Visible returns. The collection is not touched.
func (s *Store) SetStatusFilter(f domain.StatusFilter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.viewFilter == f {
		return
	}
	s.viewFilter = f
	s.notifyLocked()
}

// Visible returns the alerts passing the status filter, newest first (ties by id).
func (s *Store) Visible() []domain.Alert {
	s.mu.Lock()
	out := make([]domain.Alert, 0, len(s.alerts))
	for _, a := range s.alerts {
		if s.viewFilter.Matches(a) {
			out = append(out, a)
		}
	}
	s.mu.Unlock()
	SortForDisplay(out)
	return out
}

// SortForDisplay orders alerts by occurredAt descending, then by id.
func SortForDisplay(alerts []domain.Alert) {
	sort.Slice(alerts, func(i, j int) bool {
		if !alerts[i].OccurredAt.Equal(alerts[j].OccurredAt) {
			return alerts[i].OccurredAt.After(alerts[j].OccurredAt)
		}
		return alerts[i].ID < alerts[j].ID
	})
}

// Get returns the alert with id.
func (s *Store) Get(id string) (domain.Alert, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	return a, ok
}

// Len returns the size of the collection, ignoring the status filter.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.alerts)
}

// PendingCount returns the number of NEW alerts in the collection.
func (s *Store) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// State returns the current flags.
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return State{
		Filter:     s.viewFilter,
		Loading:    s.loading,
		Refreshing: s.refreshing,
		Loaded:     s.loaded,
		LastError:  s.lastErr,
		Pending:    s.pending,
		InFlight:   len(s.intents),
	}
}

// Close drops the collection and closes Changes. Results of requests still in flight are discarded.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.alerts = make(map[string]domain.Alert)
	s.intents = make(map[string]*intent)
	s.buffer, s.buffering = nil, false
	s.pending = 0
	s.metrics.SetPending(0)
	close(s.changes)
}

func (s *Store) recountLocked() {
	n := 0
	for _, a := range s.alerts {
		if a.Status == domain.StatusNew {
			n++
		}
	}
	s.pending = n
	s.metrics.SetPending(n)
}

func (s *Store) notifyLocked() {
	if s.closed {
		return
	}
	select {
	case s.changes <- struct{}{}:
	default:
	}
}
