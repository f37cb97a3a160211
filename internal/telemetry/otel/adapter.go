package otel

import (
	"context"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"github.com/raoufmedjdoub-netizen/Ohmguard-Mobile/internal/telemetry"
)

const instrumentationName = "ohmguard.client"

// Logger is the subset of otellog.Logger used by the emitter.
type Logger interface {
	Emit(ctx context.Context, rec otellog.Record)
}

// NewEventEmitter returns an EventEmitter that sends events as OTel log records via provider.
// If provider is nil, returns a no-op emitter.
func NewEventEmitter(provider *sdklog.LoggerProvider) telemetry.EventEmitter {
	if provider == nil {
		return noopEmitter{}
	}
	return &otelEmitter{logger: provider.Logger(instrumentationName)}
}

// NewEventEmitterWithLogger returns an emitter writing to logger.
func NewEventEmitterWithLogger(logger Logger) telemetry.EventEmitter {
	return &otelEmitter{logger: logger}
}

type noopEmitter struct{}

func (noopEmitter) Emit(context.Context, *telemetry.Event) error { return nil }

type otelEmitter struct {
	logger Logger
}

func (e *otelEmitter) Emit(ctx context.Context, event *telemetry.Event) error {
	if event == nil {
		return nil
	}
	rec := otellog.Record{}
	rec.SetTimestamp(event.CreatedAt)
	if rec.Timestamp().IsZero() {
		rec.SetTimestamp(time.Now().UTC())
	}
	rec.SetEventName(event.Type)
	rec.SetSeverity(otellog.SeverityInfo)
	if event.Detail != "" {
		rec.SetBody(otellog.StringValue(event.Detail))
	}
	for _, kv := range []struct{ k, v string }{
		{"event_type", event.Type},
		{"tenant_id", event.TenantID},
		{"user_id", event.UserID},
		{"alert_id", event.AlertID},
		{"source", event.Source},
	} {
		if kv.v != "" {
			rec.AddAttributes(otellog.String(kv.k, kv.v))
		}
	}
	e.logger.Emit(ctx, rec)
	return nil
}
