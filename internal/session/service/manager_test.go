package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/raoufmedjdoub-netizen/Ohmguard-Mobile/internal/apiclient"
	"github.com/raoufmedjdoub-netizen/Ohmguard-Mobile/internal/security"
	"github.com/raoufmedjdoub-netizen/Ohmguard-Mobile/internal/session/domain"
	"github.com/raoufmedjdoub-netizen/Ohmguard-Mobile/internal/telemetry"
)

// callLog records cross-component calls in order.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, s)
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func mintToken(t *testing.T, ttl time.Duration) string {
	t.Helper()
	p, err := security.NewTestTokenProvider(ttl)
	if err != nil {
		t.Fatalf("NewTestTokenProvider: %v", err)
	}
	tok, err := p.IssueAccess("s1", "u1", "t1", "staff")
	if err != nil {
		t.Fatalf("IssueAccess: %v", err)
	}
	return tok.Token
}

type fakeAuth struct {
	t            *testing.T
	loginErr     error
	meErrs       []error // consumed one per Me call
	refreshErr   error
	refreshGate  chan struct{}
	refreshCalls atomic.Int32
	refreshTTL   time.Duration
	meCalls      atomic.Int32
	mu           sync.Mutex
}

func (f *fakeAuth) Login(ctx context.Context, email, password string) (*domain.TokenPair, error) {
	if f.loginErr != nil {
		return nil, f.loginErr
	}
	return &domain.TokenPair{AccessToken: mintToken(f.t, 15*time.Minute), RefreshToken: "r-login"}, nil
}

func (f *fakeAuth) Refresh(ctx context.Context, refreshToken string) (*domain.TokenPair, error) {
	n := f.refreshCalls.Add(1)
	if f.refreshGate != nil {
		<-f.refreshGate
	}
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	ttl := f.refreshTTL
	if ttl == 0 {
		ttl = 15 * time.Minute
	}
	return &domain.TokenPair{AccessToken: mintToken(f.t, ttl), RefreshToken: "r-refreshed-" + string(rune('0'+n))}, nil
}

func (f *fakeAuth) Me(ctx context.Context, accessToken string) (*domain.Profile, error) {
	f.meCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.meErrs) > 0 {
		err := f.meErrs[0]
		f.meErrs = f.meErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &domain.Profile{UserID: "u1", TenantID: "t1", Role: "staff", FullName: "Ana"}, nil
}

type fakeRepo struct {
	log     *callLog
	mu      sync.Mutex
	pair    *domain.TokenPair
	saveErr error
	saves   int
}

func (r *fakeRepo) Load(ctx context.Context) (*domain.TokenPair, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pair == nil {
		return nil, nil
	}
	p := *r.pair
	return &p, nil
}

func (r *fakeRepo) Save(ctx context.Context, pair domain.TokenPair) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saves++
	if r.saveErr != nil {
		return r.saveErr
	}
	r.pair = &pair
	return nil
}

func (r *fakeRepo) Clear(ctx context.Context) error {
	r.log.add("repo.clear")
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pair = nil
	return nil
}

func (r *fakeRepo) stored() *domain.TokenPair {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pair
}

type fakeRealtime struct {
	log    *callLog
	mu     sync.Mutex
	tenant string
	token  string
}

func (f *fakeRealtime) Connect(tenantID, token string) {
	f.log.add("rt.connect")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tenant, f.token = tenantID, token
}

func (f *fakeRealtime) UpdateToken(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.token = token
}

func (f *fakeRealtime) Disconnect() { f.log.add("rt.disconnect") }

type fakePush struct {
	log *callLog
}

func (f *fakePush) Register(ctx context.Context, accessToken string) error {
	f.log.add("push.register")
	return nil
}

func (f *fakePush) Unregister(ctx context.Context, accessToken string) error {
	f.log.add("push.unregister")
	return errors.New("push backend down")
}

type harness struct {
	auth *fakeAuth
	repo *fakeRepo
	rt   *fakeRealtime
	log  *callLog
	m    *Manager
}

func newHarness(t *testing.T) *harness {
	log := &callLog{}
	h := &harness{
		auth: &fakeAuth{t: t},
		repo: &fakeRepo{log: log},
		rt:   &fakeRealtime{log: log},
		log:  log,
	}
	h.m = NewManager(h.auth, h.repo, h.rt, &fakePush{log: log}, Options{Margin: time.Minute})
	return h
}

func TestLogin_PersistsAndConnects(t *testing.T) {
	h := newHarness(t)
	s, err := h.m.Login(context.Background(), "nurse@example.com", "pw")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if s.UserID != "u1" || s.TenantID != "t1" || s.Role != "staff" {
		t.Errorf("session = %+v", s)
	}
	if s.ExpiresAt.Before(time.Now().Add(10 * time.Minute)) {
		t.Errorf("ExpiresAt = %v, want from token exp", s.ExpiresAt)
	}
	stored := h.repo.stored()
	if stored == nil || stored.AccessToken != s.AccessToken || stored.RefreshToken != "r-login" {
		t.Errorf("stored = %+v, want the login pair", stored)
	}
	if h.rt.tenant != "t1" || h.rt.token != s.AccessToken {
		t.Errorf("realtime connected to %q with %q", h.rt.tenant, h.rt.token)
	}
	calls := h.log.snapshot()
	if len(calls) != 2 || calls[0] != "rt.connect" || calls[1] != "push.register" {
		t.Errorf("calls = %v", calls)
	}
}

func TestLogin_PersistFailureIsLoginFailure(t *testing.T) {
	h := newHarness(t)
	h.repo.saveErr = errors.New("disk full")
	if _, err := h.m.Login(context.Background(), "nurse@example.com", "pw"); err == nil {
		t.Fatal("Login should fail when tokens cannot be persisted")
	}
	if h.m.Current() != nil {
		t.Error("no session should be live")
	}
	if len(h.log.snapshot()) != 0 {
		t.Errorf("realtime/push must not start: %v", h.log.snapshot())
	}
}

func TestLogin_InvalidCredentials(t *testing.T) {
	h := newHarness(t)
	h.auth.loginErr = apiclient.ErrInvalidCredentials
	_, err := h.m.Login(context.Background(), "nurse@example.com", "bad")
	if !errors.Is(err, apiclient.ErrInvalidCredentials) {
		t.Errorf("err = %v, want ErrInvalidCredentials", err)
	}
}

func TestRestore_NothingStored(t *testing.T) {
	h := newHarness(t)
	s, err := h.m.Restore(context.Background())
	if s != nil || err != nil {
		t.Errorf("Restore = %v, %v; want nil, nil", s, err)
	}
}

func TestRestore_ValidTokensNoRefresh(t *testing.T) {
	h := newHarness(t)
	access := mintToken(t, 15*time.Minute)
	h.repo.pair = &domain.TokenPair{AccessToken: access, RefreshToken: "r0"}

	s, err := h.m.Restore(context.Background())
	if err != nil || s == nil {
		t.Fatalf("Restore = %v, %v", s, err)
	}
	if s.AccessToken != access {
		t.Error("access token should be reused")
	}
	if n := h.auth.refreshCalls.Load(); n != 0 {
		t.Errorf("refresh calls = %d, want 0", n)
	}
}

func TestRestore_ExpiredTokenRefreshesFirst(t *testing.T) {
	h := newHarness(t)
	h.repo.pair = &domain.TokenPair{AccessToken: mintToken(t, -time.Minute), RefreshToken: "r0"}

	s, err := h.m.Restore(context.Background())
	if err != nil || s == nil {
		t.Fatalf("Restore = %v, %v", s, err)
	}
	if n := h.auth.refreshCalls.Load(); n != 1 {
		t.Errorf("refresh calls = %d, want 1", n)
	}
	if stored := h.repo.stored(); stored.RefreshToken != s.RefreshToken || s.RefreshToken == "r0" {
		t.Errorf("stored refresh = %q, session refresh = %q; want the rotated token", stored.RefreshToken, s.RefreshToken)
	}
}

func TestRestore_RefreshRejectedClears(t *testing.T) {
	h := newHarness(t)
	h.auth.refreshErr = apiclient.ErrUnauthenticated
	h.repo.pair = &domain.TokenPair{AccessToken: mintToken(t, -time.Minute), RefreshToken: "r0"}

	s, err := h.m.Restore(context.Background())
	if s != nil || err != nil {
		t.Errorf("Restore = %v, %v; want nil, nil", s, err)
	}
	if h.repo.stored() != nil {
		t.Error("persisted tokens should be cleared")
	}
}

func TestRestore_NetworkErrorKeepsTokens(t *testing.T) {
	h := newHarness(t)
	h.auth.refreshErr = &apiclient.NetworkError{Op: "POST /api/auth/refresh", Status: 503}
	h.repo.pair = &domain.TokenPair{AccessToken: mintToken(t, -time.Minute), RefreshToken: "r0"}

	_, err := h.m.Restore(context.Background())
	if !errors.Is(err, apiclient.ErrNetwork) {
		t.Errorf("err = %v, want ErrNetwork", err)
	}
	if h.repo.stored() == nil {
		t.Error("tokens must survive a transient failure")
	}
}

func TestRestore_MeRejectedRefreshesOnce(t *testing.T) {
	h := newHarness(t)
	h.auth.meErrs = []error{apiclient.ErrUnauthenticated}
	h.repo.pair = &domain.TokenPair{AccessToken: mintToken(t, 15*time.Minute), RefreshToken: "r0"}

	s, err := h.m.Restore(context.Background())
	if err != nil || s == nil {
		t.Fatalf("Restore = %v, %v", s, err)
	}
	if n := h.auth.refreshCalls.Load(); n != 1 {
		t.Errorf("refresh calls = %d, want 1", n)
	}
}

func TestValidAccessToken_NoSession(t *testing.T) {
	h := newHarness(t)
	_, err := h.m.ValidAccessToken(context.Background())
	if !errors.Is(err, ErrNoSession) || !errors.Is(err, apiclient.ErrUnauthenticated) {
		t.Errorf("err = %v, want ErrNoSession matching ErrUnauthenticated", err)
	}
}

func TestValidAccessToken_FreshTokenNoRefresh(t *testing.T) {
	h := newHarness(t)
	s, _ := h.m.Login(context.Background(), "nurse@example.com", "pw")
	tok, err := h.m.ValidAccessToken(context.Background())
	if err != nil || tok != s.AccessToken {
		t.Errorf("ValidAccessToken = %q, %v", tok, err)
	}
	if n := h.auth.refreshCalls.Load(); n != 0 {
		t.Errorf("refresh calls = %d, want 0", n)
	}
}

func TestValidAccessToken_ConcurrentCallersShareOneRefresh(t *testing.T) {
	h := newHarness(t)
	h.repo.pair = &domain.TokenPair{AccessToken: mintToken(t, 15*time.Minute), RefreshToken: "r0"}
	if _, err := h.m.Restore(context.Background()); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	// Age the session past the margin.
	h.m.nowF = func() time.Time { return time.Now().Add(20 * time.Minute) }
	h.auth.refreshTTL = time.Hour
	h.auth.refreshGate = make(chan struct{})

	const callers = 8
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = h.m.ValidAccessToken(context.Background())
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(h.auth.refreshGate)
	wg.Wait()

	if n := h.auth.refreshCalls.Load(); n != 1 {
		t.Errorf("refresh calls = %d, want exactly 1", n)
	}
	for i := range tokens {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if tokens[i] != tokens[0] {
			t.Errorf("caller %d got a different token", i)
		}
	}
	if h.rt.token != tokens[0] {
		t.Error("realtime should receive the refreshed token")
	}
	if h.repo.stored().AccessToken != tokens[0] {
		t.Error("refreshed pair should be persisted")
	}
}

func TestDo_RetriesOnceAfter401(t *testing.T) {
	h := newHarness(t)
	if _, err := h.m.Login(context.Background(), "nurse@example.com", "pw"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	var seen []string
	err := h.m.Do(context.Background(), func(ctx context.Context, token string) error {
		seen = append(seen, token)
		if len(seen) == 1 {
			return apiclient.ErrUnauthenticated
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if len(seen) != 2 || seen[0] == seen[1] {
		t.Errorf("tokens seen = %d, want a retry with a new token", len(seen))
	}
	if n := h.auth.refreshCalls.Load(); n != 1 {
		t.Errorf("refresh calls = %d, want 1", n)
	}
}

func TestDo_Second401EndsSession(t *testing.T) {
	h := newHarness(t)
	if _, err := h.m.Login(context.Background(), "nurse@example.com", "pw"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	var reason error
	ended := make(chan struct{})
	h.m.OnSessionEnd(func(r error) { reason = r; close(ended) })

	calls := 0
	err := h.m.Do(context.Background(), func(ctx context.Context, token string) error {
		calls++
		return apiclient.ErrUnauthenticated
	})
	if !errors.Is(err, apiclient.ErrUnauthenticated) {
		t.Errorf("err = %v, want ErrUnauthenticated", err)
	}
	if calls != 2 {
		t.Errorf("fn calls = %d, want 2", calls)
	}
	<-ended
	if !errors.Is(reason, apiclient.ErrUnauthenticated) {
		t.Errorf("end reason = %v", reason)
	}
	if h.m.Current() != nil || h.repo.stored() != nil {
		t.Error("forced logout should clear memory and storage")
	}
}

func TestDo_RefreshRejectedEndsSession(t *testing.T) {
	h := newHarness(t)
	if _, err := h.m.Login(context.Background(), "nurse@example.com", "pw"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	h.auth.refreshErr = apiclient.ErrUnauthenticated
	err := h.m.Do(context.Background(), func(ctx context.Context, token string) error {
		return apiclient.ErrUnauthenticated
	})
	if !errors.Is(err, apiclient.ErrUnauthenticated) {
		t.Errorf("err = %v, want ErrUnauthenticated", err)
	}
	if h.m.Current() != nil {
		t.Error("session should be gone")
	}
}

func TestRealtimeToken_RefusedTokenRefreshesOnceThenEndsSession(t *testing.T) {
	h := newHarness(t)
	s, err := h.m.Login(context.Background(), "nurse@example.com", "pw")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	ended := make(chan error, 1)
	h.m.OnSessionEnd(func(r error) { ended <- r })

	tok, err := h.m.RealtimeToken(context.Background(), "", false)
	if err != nil || tok != s.AccessToken {
		t.Fatalf("RealtimeToken = %q, %v; want the current token", tok, err)
	}
	if n := h.auth.refreshCalls.Load(); n != 0 {
		t.Fatalf("refresh calls = %d, want 0", n)
	}

	fresh, err := h.m.RealtimeToken(context.Background(), s.AccessToken, false)
	if err != nil {
		t.Fatalf("RealtimeToken after refusal: %v", err)
	}
	if fresh == s.AccessToken {
		t.Error("a refused token must be replaced")
	}
	if n := h.auth.refreshCalls.Load(); n != 1 {
		t.Errorf("refresh calls = %d, want 1", n)
	}

	_, err = h.m.RealtimeToken(context.Background(), fresh, true)
	if !errors.Is(err, apiclient.ErrUnauthenticated) {
		t.Fatalf("err = %v, want ErrUnauthenticated", err)
	}
	if reason := <-ended; !errors.Is(reason, apiclient.ErrUnauthenticated) {
		t.Errorf("end reason = %v", reason)
	}
	if h.m.Current() != nil || h.repo.stored() != nil {
		t.Error("second refusal should clear memory and storage")
	}
	if n := h.auth.refreshCalls.Load(); n != 1 {
		t.Errorf("refresh calls = %d, want exactly 1", n)
	}
}

type chanEmitter chan *telemetry.Event

func (c chanEmitter) Emit(_ context.Context, ev *telemetry.Event) error {
	c <- ev
	return nil
}

func TestRefresh_PersistFailureIsReported(t *testing.T) {
	log := &callLog{}
	auth := &fakeAuth{t: t}
	repo := &fakeRepo{log: log}
	events := make(chanEmitter, 8)
	m := NewManager(auth, repo, &fakeRealtime{log: log}, nil, Options{Margin: time.Minute, Emitter: events})
	if _, err := m.Login(context.Background(), "nurse@example.com", "pw"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	repo.mu.Lock()
	repo.saveErr = errors.New("keyring locked")
	repo.mu.Unlock()

	calls := 0
	err := m.Do(context.Background(), func(ctx context.Context, token string) error {
		calls++
		if calls == 1 {
			return apiclient.ErrUnauthenticated
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if repo.stored().RefreshToken != "r-login" {
		t.Error("stored pair should be untouched by the failed save")
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == telemetry.EventRefreshFailed {
				if ev.UserID != "u1" {
					t.Errorf("event user = %q", ev.UserID)
				}
				return
			}
		case <-deadline:
			t.Fatal("no refresh_failed event for the failed save")
		}
	}
}

func TestDo_OtherErrorsPropagate(t *testing.T) {
	h := newHarness(t)
	_, _ = h.m.Login(context.Background(), "nurse@example.com", "pw")
	err := h.m.Do(context.Background(), func(ctx context.Context, token string) error {
		return apiclient.ErrForbidden
	})
	if !errors.Is(err, apiclient.ErrForbidden) {
		t.Errorf("err = %v, want ErrForbidden", err)
	}
	if n := h.auth.refreshCalls.Load(); n != 0 {
		t.Errorf("refresh calls = %d, want 0", n)
	}
}

func TestLogout_Order(t *testing.T) {
	h := newHarness(t)
	_, _ = h.m.Login(context.Background(), "nurse@example.com", "pw")
	h.log.calls = nil

	if err := h.m.Logout(context.Background()); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	calls := h.log.snapshot()
	want := []string{"rt.disconnect", "push.unregister", "repo.clear"}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("call %d = %q, want %q", i, calls[i], want[i])
		}
	}
	if h.m.Current() != nil {
		t.Error("session should be cleared")
	}
	if _, err := h.m.ValidAccessToken(context.Background()); !errors.Is(err, ErrNoSession) {
		t.Errorf("ValidAccessToken after logout = %v, want ErrNoSession", err)
	}
	if err := h.m.Logout(context.Background()); err != nil {
		t.Errorf("second Logout: %v", err)
	}
}

func TestLogout_DiscardsLateRefresh(t *testing.T) {
	h := newHarness(t)
	h.repo.pair = &domain.TokenPair{AccessToken: mintToken(t, 15*time.Minute), RefreshToken: "r0"}
	if _, err := h.m.Restore(context.Background()); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	h.m.nowF = func() time.Time { return time.Now().Add(20 * time.Minute) }
	h.auth.refreshGate = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := h.m.ValidAccessToken(context.Background())
		done <- err
	}()
	for h.auth.refreshCalls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	savesBefore := h.repo.saves
	if err := h.m.Logout(context.Background()); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	close(h.auth.refreshGate)

	if err := <-done; !errors.Is(err, ErrNoSession) {
		t.Errorf("late refresh err = %v, want ErrNoSession", err)
	}
	if h.repo.stored() != nil || h.repo.saves != savesBefore {
		t.Error("late refresh result must not be persisted after logout")
	}
}
