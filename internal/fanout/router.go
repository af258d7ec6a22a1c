// Package fanout pushes events to every live connection of a recipient. Delivery
// is best-effort and layered on top of already-durable state.
package fanout

import (
	"context"
	"encoding/json"
	"log/slog"

	"gator-chat/internal/models"
	"gator-chat/internal/utils"
)

// Transport writes a payload to one live connection.
type Transport interface {
	Push(connID string, payload []byte) error
}

// Presence resolves a user's live connections.
type Presence interface {
	ConnectionsFor(userID string) []string
}

// DeliveryReport describes one fan-out. Failures are informational only.
type DeliveryReport struct {
	RecipientID string
	Delivered   []string
	Failed      []string
}

// Skipped reports whether the recipient had no live connections.
func (r DeliveryReport) Skipped() bool {
	return len(r.Delivered) == 0 && len(r.Failed) == 0
}

type Router struct {
	presence  Presence
	transport Transport
	metrics   *utils.MetricsCollector
	logger    *slog.Logger
}

func NewRouter(presence Presence, transport Transport, metrics *utils.MetricsCollector, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		presence:  presence,
		transport: transport,
		metrics:   metrics,
		logger:    logger,
	}
}

// Deliver pushes event to each of recipientID's connections independently. It
// never retries and never returns an error.
func (r *Router) Deliver(ctx context.Context, recipientID string, event models.Event) DeliveryReport {
	report := DeliveryReport{RecipientID: recipientID}

	conns := r.presence.ConnectionsFor(recipientID)
	if len(conns) == 0 {
		r.logger.Debug("recipient offline, skipping live delivery", "user_id", recipientID, "type", event.Type)
		return report
	}

	payload, err := json.Marshal(event)
	if err != nil {
		r.logger.Error("failed to encode event", "user_id", recipientID, "error", err)
		report.Failed = conns
		r.record(report)
		return report
	}

	for _, connID := range conns {
		if ctx.Err() != nil {
			report.Failed = append(report.Failed, connID)
			continue
		}
		if err := r.transport.Push(connID, payload); err != nil {
			r.logger.Warn("live delivery failed", "user_id", recipientID, "conn_id", connID, "error", err)
			report.Failed = append(report.Failed, connID)
			continue
		}
		report.Delivered = append(report.Delivered, connID)
	}
	r.record(report)
	return report
}

func (r *Router) record(report DeliveryReport) {
	if r.metrics != nil {
		r.metrics.AddFanoutResult(len(report.Delivered), len(report.Failed))
	}
}
