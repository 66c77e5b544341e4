package notify

import (
	"encoding/json"
	"log/slog"

	"github.com/calloway/apiwatch/internal/domain"
	"github.com/calloway/apiwatch/internal/ws"
)

// Event names carried on the push channel.
const (
	EventAnalyticsUpdated = "AnalyticsUpdated"
	EventReceiveLog       = "ReceiveLog"
)

// Broadcaster forwards computed snapshots and fresh log records to hub
// observers. It is the only component that knows both the engine's value
// types and the transport; the services behind it stay transport-unaware.
type Broadcaster struct {
	hub    *ws.Hub
	logger *slog.Logger
}

// NewBroadcaster wires a broadcaster to a hub.
func NewBroadcaster(hub *ws.Hub, logger *slog.Logger) *Broadcaster {
	return &Broadcaster{hub: hub, logger: logger}
}

// OverviewComputed pushes an overview snapshot to every connected
// observer.
func (b *Broadcaster) OverviewComputed(snapshot domain.Overview) {
	b.send(EventAnalyticsUpdated, snapshot)
}

// LogRecorded pushes a freshly appended log record to every connected
// observer.
func (b *Broadcaster) LogRecorded(rec domain.RequestLog) {
	b.send(EventReceiveLog, rec)
}

func (b *Broadcaster) send(event string, data any) {
	if b == nil || b.hub == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"event": event,
		"data":  data,
	})
	if err != nil {
		b.logger.Warn("failed to marshal push payload", "event", event, "error", err)
		return
	}
	// Joining a named group must never exclude an observer from the
	// event stream.
	b.hub.BroadcastAll(payload)
}
