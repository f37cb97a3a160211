package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNew_Defaults(t *testing.T) {
	c := New("http://api.local/", 0, nil)
	if c.BaseURL != "http://api.local" {
		t.Errorf("BaseURL = %q, want trailing slash trimmed", c.BaseURL)
	}
	if c.HTTPClient.Timeout != defaultTimeout {
		t.Errorf("Timeout = %v, want %v", c.HTTPClient.Timeout, defaultTimeout)
	}
}

func TestDo_SendsBearerAndDecodes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("Authorization = %q, want Bearer tok", r.Header.Get("Authorization"))
		}
		if r.Header.Get("X-Request-ID") == "" {
			t.Error("X-Request-ID should be set")
		}
		if r.URL.Query().Get("status") != "NEW" {
			t.Errorf("status query = %q, want NEW", r.URL.Query().Get("status"))
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	c := New(server.URL, time.Second, nil)
	var out struct {
		OK bool `json:"ok"`
	}
	err := c.Do(context.Background(), Request{
		Method: http.MethodGet,
		Path:   "/api/events",
		Query:  map[string][]string{"status": {"NEW"}},
		Token:  "tok",
	}, &out)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if !out.OK {
		t.Error("response not decoded")
	}
}

func TestDo_StatusMapping(t *testing.T) {
	testCases := []struct {
		code int
		want error
	}{
		{http.StatusUnauthorized, ErrUnauthenticated},
		{http.StatusForbidden, ErrForbidden},
		{http.StatusNotFound, ErrNotFound},
		{http.StatusConflict, ErrAlreadyAcknowledged},
		{http.StatusInternalServerError, ErrNetwork},
		{http.StatusBadGateway, ErrNetwork},
		{http.StatusTooManyRequests, ErrNetwork},
	}
	for _, tc := range testCases {
		t.Run(http.StatusText(tc.code), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.code)
				w.Write([]byte(`{"detail":"nope"}`))
			}))
			defer server.Close()

			err := New(server.URL, time.Second, nil).Do(context.Background(), Request{Method: http.MethodGet, Path: "/x"}, nil)
			if !errors.Is(err, tc.want) {
				t.Errorf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestDo_OtherClientErrorIsStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"detail":"status must be ACK"}`))
	}))
	defer server.Close()

	err := New(server.URL, time.Second, nil).Do(context.Background(), Request{Method: http.MethodPatch, Path: "/api/events/1"}, nil)
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *StatusError", err)
	}
	if se.Code != http.StatusUnprocessableEntity || se.Message != "status must be ACK" {
		t.Errorf("StatusError = %+v", se)
	}
	if errors.Is(err, ErrNetwork) {
		t.Error("4xx must not be a network error")
	}
}

func TestDo_TimeoutIsNetworkError(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	err := New(server.URL, 50*time.Millisecond, nil).Do(context.Background(), Request{Method: http.MethodGet, Path: "/slow"}, nil)
	if !errors.Is(err, ErrNetwork) {
		t.Errorf("err = %v, want ErrNetwork", err)
	}
}

func TestLogin(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("Decode body: %v", err)
		}
		if body["email"] != "nurse@example.com" {
			t.Errorf("email = %q, want normalized", body["email"])
		}
		if body["password"] != "good" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"accessToken":"a1","refreshToken":"r1"}`))
	}))
	defer server.Close()
	c := New(server.URL, time.Second, nil)

	pair, err := c.Login(context.Background(), " Nurse@Example.com ", "good")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if pair.AccessToken != "a1" || pair.RefreshToken != "r1" {
		t.Errorf("pair = %+v", pair)
	}

	if _, err := c.Login(context.Background(), "nurse@example.com", "bad"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("err = %v, want ErrInvalidCredentials", err)
	}
	if _, err := c.Login(context.Background(), "", "x"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("empty email err = %v, want ErrInvalidCredentials", err)
	}
}

func TestRefresh_RejectedIsUnauthenticated(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	_, err := New(server.URL, time.Second, nil).Refresh(context.Background(), "r1")
	if !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("err = %v, want ErrUnauthenticated", err)
	}
}

func TestRefresh_KeepsRefreshTokenWhenNotRotated(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"accessToken":"a2"}`))
	}))
	defer server.Close()

	pair, err := New(server.URL, time.Second, nil).Refresh(context.Background(), "r1")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if pair.RefreshToken != "r1" {
		t.Errorf("RefreshToken = %q, want r1", pair.RefreshToken)
	}
}

func TestMe(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"userId":"u1","tenantId":"t1","role":"staff","fullName":"Ana"}`))
	}))
	defer server.Close()

	p, err := New(server.URL, time.Second, nil).Me(context.Background(), "a1")
	if err != nil {
		t.Fatalf("Me: %v", err)
	}
	if p.UserID != "u1" || p.TenantID != "t1" || p.Role != "staff" {
		t.Errorf("profile = %+v", p)
	}
}
