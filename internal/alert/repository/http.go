package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/raoufmedjdoub-netizen/Ohmguard-Mobile/internal/alert/codec"
	"github.com/raoufmedjdoub-netizen/Ohmguard-Mobile/internal/alert/domain"
	"github.com/raoufmedjdoub-netizen/Ohmguard-Mobile/internal/apiclient"
)

// Doer sends one API request.
type Doer interface {
	Do(ctx context.Context, req apiclient.Request, out any) error
}

// Authenticator runs fn with a valid access token, refreshing and retrying once on a 401.
type Authenticator interface {
	Do(ctx context.Context, fn func(ctx context.Context, token string) error) error
}

// HTTPRepository implements Repository against /api/events.
type HTTPRepository struct {
	api  Doer
	auth Authenticator
}

// NewHTTPRepository returns a repository sending requests through api with tokens from auth.
func NewHTTPRepository(api Doer, auth Authenticator) *HTTPRepository {
	return &HTTPRepository{api: api, auth: auth}
}

func (r *HTTPRepository) FetchSnapshot(ctx context.Context, filter domain.StatusFilter) ([]domain.Alert, error) {
	q := url.Values{}
	if filter != domain.FilterAll {
		q.Set("statusFilter", string(filter))
	}
	var raw json.RawMessage
	err := r.auth.Do(ctx, func(ctx context.Context, token string) error {
		return r.api.Do(ctx, apiclient.Request{Method: http.MethodGet, Path: "/api/events", Query: q, Token: token}, &raw)
	})
	if err != nil {
		return nil, err
	}
	alerts, err := codec.DecodeAlerts(unwrapList(raw))
	if err != nil {
		return nil, fmt.Errorf("fetch snapshot: %w", err)
	}
	return alerts, nil
}

func (r *HTTPRepository) FetchDetail(ctx context.Context, id string) (domain.Alert, error) {
	var raw json.RawMessage
	err := r.auth.Do(ctx, func(ctx context.Context, token string) error {
		return r.api.Do(ctx, apiclient.Request{Method: http.MethodGet, Path: eventPath(id), Token: token}, &raw)
	})
	if err != nil {
		return domain.Alert{}, err
	}
	a, err := codec.DecodeAlert(raw)
	if err != nil {
		return domain.Alert{}, fmt.Errorf("fetch detail %s: %w", id, err)
	}
	return a, nil
}

func (r *HTTPRepository) Acknowledge(ctx context.Context, id string) (domain.Alert, error) {
	ack := domain.StatusAck
	var raw json.RawMessage
	err := r.auth.Do(ctx, func(ctx context.Context, token string) error {
		return r.api.Do(ctx, apiclient.Request{
			Method: http.MethodPatch,
			Path:   eventPath(id),
			Token:  token,
			Body:   codec.EncodePatch(domain.Patch{Status: &ack}),
		}, &raw)
	})
	var se *apiclient.StatusError
	if errors.As(err, &se) && se.Code == http.StatusBadRequest && strings.Contains(strings.ToLower(se.Message), "already") {
		return domain.Alert{}, fmt.Errorf("%s: %w", se.Op, apiclient.ErrAlreadyAcknowledged)
	}
	if err != nil {
		return domain.Alert{}, err
	}
	a, err := codec.DecodeAlert(raw)
	if err != nil {
		return domain.Alert{}, fmt.Errorf("acknowledge %s: %w", id, err)
	}
	return a, nil
}

func eventPath(id string) string {
	return "/api/events/" + url.PathEscape(id)
}

// unwrapList accepts a bare array or a page object {"events": [...]} / {"items": [...]}.
func unwrapList(raw json.RawMessage) json.RawMessage {
	if t := bytes.TrimSpace(raw); len(t) == 0 || t[0] != '{' {
		return raw
	}
	var page struct {
		Events json.RawMessage `json:"events"`
		Items  json.RawMessage `json:"items"`
	}
	if err := json.Unmarshal(raw, &page); err != nil {
		return raw
	}
	if page.Events != nil {
		return page.Events
	}
	if page.Items != nil {
		return page.Items
	}
	return json.RawMessage("[]")
}
