// Package engine wires the session manager, the alert store and the realtime channel into
// one client. It owns the alert store of the live session and tears it down when the
// session ends.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/raoufmedjdoub-netizen/Ohmguard-Mobile/internal/alert/domain"
	alertrepo "github.com/raoufmedjdoub-netizen/Ohmguard-Mobile/internal/alert/repository"
	"github.com/raoufmedjdoub-netizen/Ohmguard-Mobile/internal/alert/store"
	"github.com/raoufmedjdoub-netizen/Ohmguard-Mobile/internal/apiclient"
	"github.com/raoufmedjdoub-netizen/Ohmguard-Mobile/internal/config"
	"github.com/raoufmedjdoub-netizen/Ohmguard-Mobile/internal/metrics"
	"github.com/raoufmedjdoub-netizen/Ohmguard-Mobile/internal/push"
	"github.com/raoufmedjdoub-netizen/Ohmguard-Mobile/internal/realtime"
	"github.com/raoufmedjdoub-netizen/Ohmguard-Mobile/internal/securestore"
	sessiondomain "github.com/raoufmedjdoub-netizen/Ohmguard-Mobile/internal/session/domain"
	sessionrepo "github.com/raoufmedjdoub-netizen/Ohmguard-Mobile/internal/session/repository"
	"github.com/raoufmedjdoub-netizen/Ohmguard-Mobile/internal/session/service"
	"github.com/raoufmedjdoub-netizen/Ohmguard-Mobile/internal/telemetry"
)

// ErrNoSession is returned by session-scoped calls when nobody is logged in.
var ErrNoSession = service.ErrNoSession

// Options configures an Engine. Zero values select defaults.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Emitter telemetry.EventEmitter
	// Credentials replaces the store selected by cfg.CredentialStore.
	Credentials securestore.Store
	// Filter is the status filter of the initial snapshot (default all).
	Filter domain.StatusFilter
}

// Engine is one client instance. Its methods are safe for concurrent use.
type Engine struct {
	logger   *slog.Logger
	metrics  *metrics.Metrics
	emitter  telemetry.EventEmitter
	filter   domain.StatusFilter
	creds    securestore.Store
	rt       *realtime.Client
	sessions *service.Manager
	alerts   *alertrepo.HTTPRepository

	mu    sync.Mutex
	store *store.Store
	// pending receives realtime events while a session is being established.
	pending *store.Store
	unsub   func()
	joins   int
	ended   chan error
	closed  bool
}

// New builds an Engine from cfg. Nothing touches the network until Start or Login.
func New(cfg *config.Config, opts Options) (*Engine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	creds := opts.Credentials
	if creds == nil {
		var err error
		if creds, err = securestore.Open(cfg, logger); err != nil {
			return nil, fmt.Errorf("engine: credential store: %w", err)
		}
	}

	api := apiclient.New(cfg.APIBaseURL, cfg.Timeout(), logger)
	rt, err := realtime.New(realtime.Options{
		URL:      cfg.RealtimeURL,
		Path:     cfg.RealtimePath,
		MinDelay: cfg.ReconnectMinDuration(),
		MaxDelay: cfg.ReconnectMaxDuration(),
		Logger:   logger,
		Metrics:  opts.Metrics,
		Emitter:  opts.Emitter,
	})
	if err != nil {
		creds.Close()
		return nil, fmt.Errorf("engine: %w", err)
	}
	registrar, err := push.NewRegistrar(api, cfg.PushToken, cfg.PushPlatform, logger)
	if err != nil {
		creds.Close()
		return nil, fmt.Errorf("engine: %w", err)
	}

	mgr := service.NewManager(api, sessionrepo.NewSecureRepository(creds), rt, registrar, service.Options{
		Margin:    cfg.RefreshMargin(),
		AccessTTL: cfg.AccessTTL(),
		Logger:    logger,
		Metrics:   opts.Metrics,
		Emitter:   opts.Emitter,
	})
	rt.SetTokenSource(mgr.RealtimeToken)

	e := &Engine{
		logger:   logger,
		metrics:  opts.Metrics,
		emitter:  opts.Emitter,
		filter:   opts.Filter,
		creds:    creds,
		rt:       rt,
		sessions: mgr,
		alerts:   alertrepo.NewHTTPRepository(api, mgr),
		ended:    make(chan error, 1),
	}
	mgr.OnSessionEnd(e.sessionEnded)
	rt.WatchState(e.realtimeState)
	return e, nil
}

// Start resumes the persisted session and loads its alerts. It returns ErrNoSession when
// the user has to log in.
func (e *Engine) Start(ctx context.Context) (*sessiondomain.Session, error) {
	if s := e.sessions.Current(); s != nil {
		return s, nil
	}
	st := e.prepare()
	unsub := e.rt.Subscribe(e.route)
	s, err := e.sessions.Restore(ctx)
	if err == nil && s == nil {
		err = ErrNoSession
	}
	if err != nil {
		unsub()
		e.abandon(st)
		return nil, err
	}
	e.open(ctx, s, st, unsub)
	return s, nil
}

// Login ends any live session, authenticates and loads the new session's alerts.
// A failed snapshot does not fail the login; it is reported by the store's state.
func (e *Engine) Login(ctx context.Context, email, password string) (*sessiondomain.Session, error) {
	if e.sessions.Current() != nil {
		if err := e.sessions.Logout(ctx); err != nil {
			e.logger.Warn("engine: logout before login", "error", err)
		}
	}
	st := e.prepare()
	unsub := e.rt.Subscribe(e.route)
	s, err := e.sessions.Login(ctx, email, password)
	if err != nil {
		unsub()
		e.abandon(st)
		return nil, err
	}
	e.open(ctx, s, st, unsub)
	return s, nil
}

// prepare creates the store of the session about to start. It holds realtime events from
// the moment the channel connects until its first snapshot is applied.
func (e *Engine) prepare() *store.Store {
	st := store.New(e.alerts, store.Options{
		Logger:  e.logger,
		Metrics: e.metrics,
		Emitter: e.emitter,
	})
	e.mu.Lock()
	prev := e.pending
	e.pending = st
	e.mu.Unlock()
	if prev != nil {
		prev.Close()
	}
	return st
}

func (e *Engine) abandon(st *store.Store) {
	e.mu.Lock()
	if e.pending == st {
		e.pending = nil
	}
	e.mu.Unlock()
	st.Close()
}

// open makes st the store of session s and loads the first snapshot.
// The realtime subscription is in place before the snapshot is requested.
func (e *Engine) open(ctx context.Context, s *sessiondomain.Session, st *store.Store, unsub func()) {
	st.Bind(s.TenantID, s.UserID)
	e.mu.Lock()
	if e.store != nil && e.store != st {
		e.store.Close()
	}
	if e.pending == st {
		e.pending = nil
	}
	e.store, e.unsub = st, unsub
	e.mu.Unlock()

	if err := st.Load(ctx, e.filter); err != nil {
		e.logger.Warn("engine: initial snapshot failed", "error", err)
	}
}

// route delivers a realtime event to the live store.
func (e *Engine) route(ev realtime.Event) {
	e.mu.Lock()
	st := e.store
	if st == nil {
		st = e.pending
	}
	e.mu.Unlock()
	if st == nil {
		return
	}
	switch ev.Kind {
	case realtime.AlertCreated:
		st.OnAlertCreated(ev.Alert)
	case realtime.AlertUpdated:
		st.OnAlertUpdated(ev.AlertID, ev.Patch)
	case realtime.SensorStatusChanged:
		e.logger.Info("engine: sensor status", "sensor_id", ev.Sensor.SensorID, "status", ev.Sensor.Status)
	}
}

// realtimeState reloads the snapshot after a rejoin, since events may have been missed
// while the channel was down.
func (e *Engine) realtimeState(s realtime.State) {
	if s != realtime.StateJoined {
		return
	}
	e.mu.Lock()
	e.joins++
	st, rejoin := e.store, e.joins > 1
	e.mu.Unlock()
	if st == nil || !rejoin {
		return
	}
	go func() {
		if err := st.Refresh(context.Background()); err != nil && !errors.Is(err, store.ErrClosed) {
			e.logger.Warn("engine: resync after reconnect failed", "error", err)
		}
	}()
}

func (e *Engine) sessionEnded(reason error) {
	e.mu.Lock()
	st, unsub := e.store, e.unsub
	e.store, e.unsub, e.joins = nil, nil, 0
	e.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	if st != nil {
		st.Close()
	}
	if reason != nil {
		e.logger.Warn("engine: session ended by server", "reason", reason)
	}
	select {
	case e.ended <- reason:
	default:
	}
}

// SessionEnded receives the reason each time a session ends: nil after Logout, an error
// matching apiclient.ErrUnauthenticated when the server ended it. Unread values are dropped.
func (e *Engine) SessionEnded() <-chan error {
	return e.ended
}

// Logout disconnects realtime, unregisters push, clears the stored tokens and drops the alerts.
func (e *Engine) Logout(ctx context.Context) error {
	return e.sessions.Logout(ctx)
}

// Session returns the live session, or nil.
func (e *Engine) Session() *sessiondomain.Session {
	return e.sessions.Current()
}

// Alerts returns the alert store of the live session.
func (e *Engine) Alerts() (*store.Store, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.store == nil {
		return nil, ErrNoSession
	}
	return e.store, nil
}

// Acknowledge optimistically acknowledges id in the live store.
func (e *Engine) Acknowledge(ctx context.Context, id string) error {
	st, err := e.Alerts()
	if err != nil {
		return err
	}
	return st.Acknowledge(ctx, id)
}

// Detail fetches the server's current view of id.
func (e *Engine) Detail(ctx context.Context, id string) (domain.Alert, error) {
	if e.sessions.Current() == nil {
		return domain.Alert{}, ErrNoSession
	}
	return e.alerts.FetchDetail(ctx, id)
}

// RealtimeState returns the state of the realtime channel.
func (e *Engine) RealtimeState() realtime.State {
	return e.rt.State()
}

// Close stops realtime and releases the credential store. The session stays persisted.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	st, pending := e.store, e.pending
	e.store, e.pending = nil, nil
	e.mu.Unlock()

	e.rt.Disconnect()
	for _, s := range []*store.Store{st, pending} {
		if s != nil {
			s.Close()
		}
	}
	return e.creds.Close()
}

// IsSessionExpired reports whether err means the user must log in again.
func IsSessionExpired(err error) bool {
	return errors.Is(err, apiclient.ErrUnauthenticated)
}
