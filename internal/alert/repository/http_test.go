package repository

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/raoufmedjdoub-netizen/Ohmguard-Mobile/internal/alert/domain"
	"github.com/raoufmedjdoub-netizen/Ohmguard-Mobile/internal/apiclient"
)

// staticAuth hands out a fixed token and never retries.
type staticAuth struct{ token string }

func (a staticAuth) Do(ctx context.Context, fn func(ctx context.Context, token string) error) error {
	return fn(ctx, a.token)
}

func newRepo(t *testing.T, h http.HandlerFunc) *HTTPRepository {
	t.Helper()
	server := httptest.NewServer(h)
	t.Cleanup(server.Close)
	return NewHTTPRepository(apiclient.New(server.URL, time.Second, nil), staticAuth{token: "tok"})
}

const fallJSON = `{"id":"e1","eventType":"FALL","status":"NEW","occurredAt":"2025-03-01T10:00:00Z"}`

func TestFetchSnapshot(t *testing.T) {
	repo := newRepo(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/events" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.URL.Query().Get("statusFilter"); got != "NEW" {
			t.Errorf("statusFilter = %q, want NEW", got)
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("missing bearer token")
		}
		w.Write([]byte(`[` + fallJSON + `,{"id":"p1","eventType":"PRESENCE","occurredAt":"2025-03-01T10:00:00Z"}]`))
	})
	alerts, err := repo.FetchSnapshot(context.Background(), domain.StatusFilter("NEW"))
	if err != nil {
		t.Fatalf("FetchSnapshot: %v", err)
	}
	if len(alerts) != 1 || alerts[0].ID != "e1" {
		t.Errorf("alerts = %+v, want only e1", alerts)
	}
}

func TestFetchSnapshot_AllOmitsFilterAndAcceptsPage(t *testing.T) {
	repo := newRepo(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Has("statusFilter") {
			t.Error("statusFilter must be omitted for FilterAll")
		}
		w.Write([]byte(`{"events":[` + fallJSON + `],"total":1}`))
	})
	alerts, err := repo.FetchSnapshot(context.Background(), domain.FilterAll)
	if err != nil || len(alerts) != 1 {
		t.Fatalf("FetchSnapshot = %v, %v", alerts, err)
	}
}

func TestFetchDetail_NotFound(t *testing.T) {
	repo := newRepo(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	if _, err := repo.FetchDetail(context.Background(), "missing"); !errors.Is(err, apiclient.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestAcknowledge(t *testing.T) {
	var patches atomic.Int32
	repo := newRepo(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch || r.URL.Path != "/api/events/e1" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		patches.Add(1)
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["status"] != "ACK" {
			t.Errorf("body = %v", body)
		}
		w.Write([]byte(`{"id":"e1","eventType":"FALL","status":"ACK","occurredAt":"2025-03-01T10:00:00Z"}`))
	})
	a, err := repo.Acknowledge(context.Background(), "e1")
	if err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	if a.Status != domain.StatusAck {
		t.Errorf("Status = %q, want ACK", a.Status)
	}
	if patches.Load() != 1 {
		t.Errorf("PATCH count = %d", patches.Load())
	}
}

func TestAcknowledge_ServerErrors(t *testing.T) {
	testCases := []struct {
		name string
		code int
		body string
		want error
	}{
		{"conflict", http.StatusConflict, `{"detail":"already acknowledged"}`, apiclient.ErrAlreadyAcknowledged},
		{"bad request already", http.StatusBadRequest, `{"detail":"Event already acknowledged"}`, apiclient.ErrAlreadyAcknowledged},
		{"forbidden", http.StatusForbidden, `{"detail":"viewer"}`, apiclient.ErrForbidden},
		{"server error", http.StatusServiceUnavailable, ``, apiclient.ErrNetwork},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			repo := newRepo(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.code)
				w.Write([]byte(tc.body))
			})
			if _, err := repo.Acknowledge(context.Background(), "e1"); !errors.Is(err, tc.want) {
				t.Errorf("err = %v, want %v", err, tc.want)
			}
		})
	}
}
