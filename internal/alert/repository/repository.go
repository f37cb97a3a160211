// Package repository reads and acknowledges alerts over the REST API.
package repository

import (
	"context"

	"github.com/raoufmedjdoub-netizen/Ohmguard-Mobile/internal/alert/domain"
)

// Repository is the REST view of alerts. Every call reflects server state at call time.
type Repository interface {
	// FetchSnapshot returns the full current set of alerts matching filter.
	FetchSnapshot(ctx context.Context, filter domain.StatusFilter) ([]domain.Alert, error)
	// FetchDetail returns one alert or apiclient.ErrNotFound.
	FetchDetail(ctx context.Context, id string) (domain.Alert, error)
	// Acknowledge asks the server to move id to ACK and returns the server's resulting alert.
	// The server alone decides legality: apiclient.ErrAlreadyAcknowledged and apiclient.ErrForbidden are surfaced.
	Acknowledge(ctx context.Context, id string) (domain.Alert, error)
}
