package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/raoufmedjdoub-netizen/Ohmguard-Mobile/internal/apiclient"
	"github.com/raoufmedjdoub-netizen/Ohmguard-Mobile/internal/metrics"
	"github.com/raoufmedjdoub-netizen/Ohmguard-Mobile/internal/security"
	"github.com/raoufmedjdoub-netizen/Ohmguard-Mobile/internal/session/domain"
	"github.com/raoufmedjdoub-netizen/Ohmguard-Mobile/internal/telemetry"
)

// ErrNoSession is returned when an authenticated operation runs without a live session.
// It matches apiclient.ErrUnauthenticated.
var ErrNoSession = fmt.Errorf("no active session: %w", apiclient.ErrUnauthenticated)

// AuthAPI is the subset of the REST client used for authentication.
type AuthAPI interface {
	Login(ctx context.Context, email, password string) (*domain.TokenPair, error)
	Refresh(ctx context.Context, refreshToken string) (*domain.TokenPair, error)
	Me(ctx context.Context, accessToken string) (*domain.Profile, error)
}

// TokenRepo persists the token pair.
type TokenRepo interface {
	Load(ctx context.Context) (*domain.TokenPair, error)
	Save(ctx context.Context, pair domain.TokenPair) error
	Clear(ctx context.Context) error
}

// Realtime is the realtime channel as seen by the session: it follows the session's tenant and token.
type Realtime interface {
	Connect(tenantID, token string)
	UpdateToken(token string)
	Disconnect()
}

// PushRegistrar registers this device for push notifications. Failures are never fatal.
type PushRegistrar interface {
	Register(ctx context.Context, accessToken string) error
	Unregister(ctx context.Context, accessToken string) error
}

// Options tunes a Manager. Zero values select defaults.
type Options struct {
	// Margin is how close to expiry a token may be before it is refreshed (default 60s).
	Margin time.Duration
	// AccessTTL is assumed for access tokens without an exp claim (default 15m).
	AccessTTL time.Duration
	// RefreshTimeout bounds one refresh call, independent of the callers waiting on it (default 15s).
	RefreshTimeout time.Duration
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
	Emitter        telemetry.EventEmitter
}

// Manager owns the single live Session of this process. It is the only component that
// creates, rotates or destroys tokens.
type Manager struct {
	api  AuthAPI
	repo TokenRepo
	rt   Realtime
	push PushRegistrar

	margin         time.Duration
	accessTTL      time.Duration
	refreshTimeout time.Duration
	logger         *slog.Logger
	metrics        *metrics.Metrics
	emitter        telemetry.EventEmitter
	nowF           func() time.Time

	refreshes singleflight.Group

	mu      sync.Mutex
	sess    *domain.Session
	gen     uint64 // bumped whenever a session starts or starts ending
	ending  bool
	onEnd   []func(reason error)
	loginMu sync.Mutex
}

// NewManager returns a Manager. rt and push may be nil.
func NewManager(api AuthAPI, repo TokenRepo, rt Realtime, push PushRegistrar, opts Options) *Manager {
	m := &Manager{
		api:            api,
		repo:           repo,
		rt:             rt,
		push:           push,
		margin:         opts.Margin,
		accessTTL:      opts.AccessTTL,
		refreshTimeout: opts.RefreshTimeout,
		logger:         opts.Logger,
		metrics:        opts.Metrics,
		emitter:        opts.Emitter,
		nowF:           time.Now,
	}
	if m.margin <= 0 {
		m.margin = 60 * time.Second
	}
	if m.accessTTL <= 0 {
		m.accessTTL = 15 * time.Minute
	}
	if m.refreshTimeout <= 0 {
		m.refreshTimeout = 15 * time.Second
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

// OnSessionEnd registers fn to run after every session ends. reason is nil for a user
// logout and wraps apiclient.ErrUnauthenticated when the server ended the session.
func (m *Manager) OnSessionEnd(fn func(reason error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEnd = append(m.onEnd, fn)
}

// Current returns a copy of the live session, or nil.
func (m *Manager) Current() *domain.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil || m.ending {
		return nil
	}
	s := *m.sess
	return &s
}

// Login authenticates, persists both tokens and starts the session. If the tokens cannot
// be persisted the login fails and no session is started.
func (m *Manager) Login(ctx context.Context, email, password string) (*domain.Session, error) {
	m.loginMu.Lock()
	defer m.loginMu.Unlock()

	pair, err := m.api.Login(ctx, email, password)
	if err != nil {
		return nil, err
	}
	prof, err := m.api.Me(ctx, pair.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("login: load profile: %w", err)
	}
	if m.Current() != nil {
		m.end(context.WithoutCancel(ctx), nil)
	}
	if err := m.repo.Save(ctx, *pair); err != nil {
		return nil, fmt.Errorf("login: persist tokens: %w", err)
	}
	s := m.start(ctx, *pair, prof)
	m.logger.Info("session: logged in", "user_id", s.UserID, "tenant_id", s.TenantID, "role", s.Role)
	telemetry.EmitAsync(m.emitter, &telemetry.Event{Type: telemetry.EventLogin, TenantID: s.TenantID, UserID: s.UserID})
	return s, nil
}

// Restore resumes the persisted session. It returns (nil, nil) when nothing is stored or
// the server rejects the stored refresh token; in the latter case persisted tokens are cleared.
// Transient failures are returned as errors and leave the stored tokens in place.
func (m *Manager) Restore(ctx context.Context) (*domain.Session, error) {
	m.loginMu.Lock()
	defer m.loginMu.Unlock()

	if s := m.Current(); s != nil {
		return s, nil
	}
	pair, err := m.repo.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("restore: load tokens: %w", err)
	}
	if pair == nil {
		return nil, nil
	}

	refreshed := false
	exp := security.ExpiresAt(pair.AccessToken, m.nowF(), m.accessTTL)
	if !m.nowF().Add(m.margin).Before(exp) {
		if pair, err = m.restoreRefresh(ctx, pair.RefreshToken); pair == nil {
			return nil, err
		}
		refreshed = true
	}

	prof, err := m.api.Me(ctx, pair.AccessToken)
	if errors.Is(err, apiclient.ErrUnauthenticated) && !refreshed {
		if pair, err = m.restoreRefresh(ctx, pair.RefreshToken); pair == nil {
			return nil, err
		}
		prof, err = m.api.Me(ctx, pair.AccessToken)
	}
	if errors.Is(err, apiclient.ErrUnauthenticated) {
		m.logger.Info("session: stored credentials rejected, clearing")
		return nil, m.repo.Clear(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("restore: load profile: %w", err)
	}

	s := m.start(ctx, *pair, prof)
	m.logger.Info("session: restored", "user_id", s.UserID, "tenant_id", s.TenantID)
	telemetry.EmitAsync(m.emitter, &telemetry.Event{Type: telemetry.EventRestore, TenantID: s.TenantID, UserID: s.UserID})
	return s, nil
}

// restoreRefresh rotates a stored refresh token. A nil pair means the caller must return
// (nil, err): err is nil when the server rejected the token and the store was cleared.
func (m *Manager) restoreRefresh(ctx context.Context, refreshToken string) (*domain.TokenPair, error) {
	pair, err := m.api.Refresh(ctx, refreshToken)
	if errors.Is(err, apiclient.ErrUnauthenticated) {
		m.metrics.ObserveRefresh("rejected")
		m.logger.Info("session: stored refresh token rejected, clearing")
		return nil, m.repo.Clear(ctx)
	}
	if err != nil {
		m.metrics.ObserveRefresh("error")
		return nil, fmt.Errorf("restore: refresh: %w", err)
	}
	m.metrics.ObserveRefresh("ok")
	if err := m.repo.Save(ctx, *pair); err != nil {
		return nil, fmt.Errorf("restore: persist tokens: %w", err)
	}
	return pair, nil
}

// start installs a new session and brings up realtime and push for it.
func (m *Manager) start(ctx context.Context, pair domain.TokenPair, prof *domain.Profile) *domain.Session {
	s := &domain.Session{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresAt:    security.ExpiresAt(pair.AccessToken, m.nowF(), m.accessTTL),
		UserID:       prof.UserID,
		TenantID:     prof.TenantID,
		Role:         prof.Role,
		FullName:     prof.FullName,
	}
	m.mu.Lock()
	m.gen++
	m.sess = s
	m.ending = false
	m.mu.Unlock()

	if m.rt != nil {
		m.rt.Connect(s.TenantID, s.AccessToken)
	}
	if m.push != nil {
		if err := m.push.Register(ctx, s.AccessToken); err != nil {
			m.logger.Warn("session: push registration failed", "error", err)
		}
	}
	out := *s
	return &out
}

// ValidAccessToken returns an access token that is not within the refresh margin of expiry,
// refreshing first when needed. Concurrent callers share a single refresh.
func (m *Manager) ValidAccessToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	s, ending := m.sess, m.ending
	m.mu.Unlock()
	if s == nil || ending {
		return "", ErrNoSession
	}
	if !s.ExpiresWithin(m.nowF(), m.margin) {
		return s.AccessToken, nil
	}
	return m.refresh(ctx, s.AccessToken)
}

// RealtimeToken is the token source of the realtime channel. A token the server refused is
// refreshed once; when the refreshed token is refused as well the session ends.
func (m *Manager) RealtimeToken(ctx context.Context, rejected string, again bool) (string, error) {
	if rejected == "" {
		return m.ValidAccessToken(ctx)
	}
	m.mu.Lock()
	live, gen := m.sess != nil && !m.ending, m.gen
	m.mu.Unlock()
	if !live {
		return "", ErrNoSession
	}
	if !again {
		return m.refresh(ctx, rejected)
	}
	m.logger.Warn("session: realtime rejected refreshed token, ending session")
	reason := fmt.Errorf("session expired: realtime connection rejected: %w", apiclient.ErrUnauthenticated)
	m.endIf(context.WithoutCancel(ctx), gen, reason)
	return "", reason
}

// refresh replaces stale with a new access token. If another caller already rotated it, the
// current token is returned without a network call.
func (m *Manager) refresh(ctx context.Context, stale string) (string, error) {
	ch := m.refreshes.DoChan("refresh", func() (any, error) {
		return m.doRefresh(stale)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (m *Manager) doRefresh(stale string) (string, error) {
	m.mu.Lock()
	s, gen, ending := m.sess, m.gen, m.ending
	m.mu.Unlock()
	if s == nil || ending {
		return "", ErrNoSession
	}
	if s.AccessToken != stale && !s.ExpiresWithin(m.nowF(), m.margin) {
		return s.AccessToken, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.refreshTimeout)
	defer cancel()
	pair, err := m.api.Refresh(ctx, s.RefreshToken)
	if errors.Is(err, apiclient.ErrUnauthenticated) {
		m.metrics.ObserveRefresh("rejected")
		m.logger.Warn("session: refresh rejected, ending session")
		reason := fmt.Errorf("session expired: %w", err)
		m.endIf(ctx, gen, reason)
		return "", reason
	}
	if err != nil {
		m.metrics.ObserveRefresh("error")
		telemetry.EmitAsync(m.emitter, &telemetry.Event{Type: telemetry.EventRefreshFailed, TenantID: s.TenantID, UserID: s.UserID, Detail: err.Error()})
		return "", fmt.Errorf("refresh: %w", err)
	}
	m.metrics.ObserveRefresh("ok")

	m.mu.Lock()
	if m.gen != gen || m.ending || m.sess == nil {
		m.mu.Unlock()
		m.logger.Debug("session: discarding refresh that completed after logout")
		return "", ErrNoSession
	}
	// Persisting under the lock keeps a concurrent logout from being overwritten.
	// On a failed save the rotated pair still serves this process.
	if err := m.repo.Save(ctx, *pair); err != nil {
		m.metrics.ObserveRefresh("persist_error")
		m.logger.Error("session: persist refreshed tokens failed", "error", err)
		telemetry.EmitAsync(m.emitter, &telemetry.Event{Type: telemetry.EventRefreshFailed, TenantID: s.TenantID, UserID: s.UserID, Detail: "persist: " + err.Error()})
	}
	next := *m.sess
	next.AccessToken = pair.AccessToken
	next.RefreshToken = pair.RefreshToken
	next.ExpiresAt = security.ExpiresAt(pair.AccessToken, m.nowF(), m.accessTTL)
	m.sess = &next
	m.mu.Unlock()

	if m.rt != nil {
		m.rt.UpdateToken(next.AccessToken)
	}
	return next.AccessToken, nil
}

// Do runs fn with a valid access token. If fn fails with apiclient.ErrUnauthenticated the
// token is refreshed once and fn retried; a second rejection ends the session.
func (m *Manager) Do(ctx context.Context, fn func(ctx context.Context, token string) error) error {
	token, err := m.ValidAccessToken(ctx)
	if err != nil {
		return err
	}
	err = fn(ctx, token)
	if !errors.Is(err, apiclient.ErrUnauthenticated) {
		return err
	}
	m.mu.Lock()
	gen := m.gen
	m.mu.Unlock()

	token, err = m.refresh(ctx, token)
	if err != nil {
		return err
	}
	err = fn(ctx, token)
	if errors.Is(err, apiclient.ErrUnauthenticated) {
		m.logger.Warn("session: request rejected after refresh, ending session")
		reason := fmt.Errorf("session expired: %w", err)
		m.endIf(context.WithoutCancel(ctx), gen, reason)
		return reason
	}
	return err
}

// Logout ends the session: the realtime channel is disconnected first, then persisted
// tokens are cleared, then the in-memory session. Safe to call without a session.
func (m *Manager) Logout(ctx context.Context) error {
	return m.end(ctx, nil)
}

// endIf ends the session only if it is still generation gen.
func (m *Manager) endIf(ctx context.Context, gen uint64, reason error) {
	m.mu.Lock()
	same := m.gen == gen
	m.mu.Unlock()
	if same {
		_ = m.end(ctx, reason)
	}
}

func (m *Manager) end(ctx context.Context, reason error) error {
	m.mu.Lock()
	if m.sess == nil || m.ending {
		m.mu.Unlock()
		return m.repo.Clear(ctx)
	}
	m.ending = true
	m.gen++
	s := m.sess
	hooks := append([]func(error){}, m.onEnd...)
	m.mu.Unlock()

	if m.rt != nil {
		m.rt.Disconnect()
	}
	if m.push != nil && reason == nil {
		if err := m.push.Unregister(ctx, s.AccessToken); err != nil {
			m.logger.Warn("session: push unregistration failed", "error", err)
		}
	}
	clearErr := m.repo.Clear(ctx)
	if clearErr != nil {
		m.logger.Error("session: clearing persisted tokens failed", "error", clearErr)
	}

	m.mu.Lock()
	m.sess = nil
	m.ending = false
	m.mu.Unlock()

	ev := &telemetry.Event{Type: telemetry.EventLogout, TenantID: s.TenantID, UserID: s.UserID}
	if reason != nil {
		ev.Type, ev.Detail = telemetry.EventSessionExpired, reason.Error()
	}
	telemetry.EmitAsync(m.emitter, ev)
	m.logger.Info("session: ended", "user_id", s.UserID, "forced", reason != nil)
	for _, fn := range hooks {
		fn(reason)
	}
	return clearErr
}
