// Package mockbackend is an in-memory stand-in for the OhmGuard backend: JWT auth with refresh
// rotation, the events REST API, push-token registration and the Socket.IO realtime feed.
// It exists for local development and tests only.
package mockbackend

import (
	"crypto"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/raoufmedjdoub-netizen/Ohmguard-Mobile/internal/alert/domain"
	"github.com/raoufmedjdoub-netizen/Ohmguard-Mobile/internal/security"
)

// pushTokenTTL is how long a push-token registration is kept without being renewed.
const pushTokenTTL = 30 * 24 * time.Hour

// User is an account of the mock backend.
type User struct {
	ID       string
	Email    string
	FullName string
	TenantID string
	Role     string
	hash     string
}

// Options configures a Backend. Zero values select defaults.
type Options struct {
	// Key signs issued tokens; an ephemeral P-256 key is generated when nil.
	Key        crypto.Signer
	Issuer     string
	Audience   string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	BcryptCost int
	// PingInterval is advertised to realtime clients (default 25s).
	PingInterval time.Duration
	Logger       *slog.Logger
}

// Backend serves the mock API. It is safe for concurrent use.
type Backend struct {
	tokens       *security.TokenProvider
	hasher       *security.Hasher
	sessions     *sessionTable
	pushTokens   *ttlStore
	hub          *hub
	pingInterval time.Duration
	logger       *slog.Logger
	nowF         func() time.Time

	mu      sync.RWMutex
	users   map[string]*User // by lower-case email
	alerts  map[string]*storedAlert
	counter Counters
}

type storedAlert struct {
	tenantID string
	alert    domain.Alert
}

// Counters reports how often the backend served selected endpoints.
type Counters struct {
	Logins    int
	Refreshes int
	Acks      int
	Fetches   int
}

// New returns an empty Backend.
func New(opts Options) (*Backend, error) {
	key := opts.Key
	if key == nil {
		var err error
		if key, err = security.SigningKey(""); err != nil {
			return nil, err
		}
	}
	if opts.Issuer == "" {
		opts.Issuer = "ohmguard-mock"
	}
	if opts.Audience == "" {
		opts.Audience = "ohmguard-mobile"
	}
	if opts.AccessTTL <= 0 {
		opts.AccessTTL = 15 * time.Minute
	}
	if opts.RefreshTTL <= 0 {
		opts.RefreshTTL = 7 * 24 * time.Hour
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 25 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	tokens, err := security.NewTokenProvider(key, opts.Issuer, opts.Audience, opts.AccessTTL, opts.RefreshTTL)
	if err != nil {
		return nil, fmt.Errorf("mockbackend: %w", err)
	}
	b := &Backend{
		tokens:       tokens,
		hasher:       security.NewHasher(opts.BcryptCost),
		sessions:     newSessionTable(),
		pushTokens:   newTTLStore(),
		pingInterval: opts.PingInterval,
		logger:       opts.Logger,
		nowF:         time.Now,
		users:        make(map[string]*User),
		alerts:       make(map[string]*storedAlert),
	}
	b.hub = newHub(b)
	return b, nil
}

// Handler returns the HTTP routes of the backend.
func (b *Backend) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", b.handleHealth).Methods(http.MethodGet)
	r.PathPrefix("/socket.io/").HandlerFunc(b.hub.serveWS)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/auth/login", b.handleLogin).Methods(http.MethodPost)
	api.HandleFunc("/auth/refresh", b.handleRefresh).Methods(http.MethodPost)

	authed := api.NewRoute().Subrouter()
	authed.Use(b.requireAuth)
	authed.HandleFunc("/auth/me", b.handleMe).Methods(http.MethodGet)
	authed.HandleFunc("/events", b.handleListEvents).Methods(http.MethodGet)
	authed.HandleFunc("/events/{id}", b.handleGetEvent).Methods(http.MethodGet)
	authed.HandleFunc("/events/{id}", b.handlePatchEvent).Methods(http.MethodPatch)
	authed.HandleFunc("/push-tokens", b.handleRegisterPush).Methods(http.MethodPost)
	authed.HandleFunc("/push-tokens", b.handleUnregisterPush).Methods(http.MethodDelete)
	return r
}

// Close drops every realtime connection.
func (b *Backend) Close() {
	b.hub.closeAll()
}

// AddUser creates an account. Emails are case-insensitive and unique.
func (b *Backend) AddUser(u User, password string) error {
	email := strings.ToLower(strings.TrimSpace(u.Email))
	if email == "" || u.ID == "" || u.TenantID == "" {
		return errors.New("mockbackend: user needs id, email and tenant")
	}
	switch u.Role {
	case RoleAdmin, RoleStaff, RoleViewer:
	default:
		return fmt.Errorf("mockbackend: unknown role %q", u.Role)
	}
	hash, err := b.hasher.Hash(password)
	if err != nil {
		return err
	}
	u.Email, u.hash = email, hash
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.users[email]; ok {
		return fmt.Errorf("mockbackend: email %s already registered", email)
	}
	b.users[email] = &u
	return nil
}

func (b *Backend) userByID(id string) *User {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, u := range b.users {
		if u.ID == id {
			return u
		}
	}
	return nil
}

// RevokeSessions revokes every session of userID, as an administrator would.
func (b *Backend) RevokeSessions(userID string) {
	b.sessions.revokeUser(userID)
}

// PushTokens returns the push tokens registered to userID.
func (b *Backend) PushTokens(userID string) []string {
	return b.pushTokens.Keys(userID)
}

// Counters returns a copy of the request counters.
func (b *Backend) Counters() Counters {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.counter
}

// DropConnections closes every realtime connection; clients are expected to reconnect.
func (b *Backend) DropConnections() {
	b.hub.closeAll()
}

func (b *Backend) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "realtime_clients": b.hub.count()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a FastAPI-style {"detail": msg} error body.
func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"detail": msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	return dec.Decode(v)
}
