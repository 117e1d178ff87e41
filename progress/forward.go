package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"
)

// SubjectPrefix is the root of the NATS subject tree events are forwarded
// under: {prefix}.{session_id}.{event_type}.
const SubjectPrefix = "crossdb.progress"

// NATSForwarder republishes bus events to a NATS broker so out-of-process
// consumers can follow execution. Forwarding is best-effort; broker failures
// are logged and never affect the executor.
type NATSForwarder struct {
	conn   *nats.Conn
	logger *slog.Logger

	cancel func()
	done   chan struct{}
	once   sync.Once
}

// NewNATSForwarder connects a forwarder to the bus. Call Stop to detach.
func NewNATSForwarder(bus *Bus, conn *nats.Conn, logger *slog.Logger) *NATSForwarder {
	if logger == nil {
		logger = slog.Default()
	}
	events, cancel := bus.Subscribe(0)
	f := &NATSForwarder{
		conn:   conn,
		logger: logger,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go f.run(events)
	return f
}

func (f *NATSForwarder) run(events <-chan Event) {
	defer close(f.done)
	for event := range events {
		payload, err := json.Marshal(event)
		if err != nil {
			f.logger.Warn("Encode progress event failed", "type", event.Type, "error", err)
			continue
		}
		subject := fmt.Sprintf("%s.%s.%s", SubjectPrefix, event.SessionID, event.Type)
		if err := f.conn.Publish(subject, payload); err != nil {
			f.logger.Warn("Forward progress event failed", "subject", subject, "error", err)
		}
	}
}

// Stop detaches from the bus and waits for in-flight forwards to finish.
func (f *NATSForwarder) Stop() {
	f.once.Do(func() {
		f.cancel()
		<-f.done
	})
}

// WriteNDJSON consumes events and writes one JSON document per line until
// the channel closes or the context is cancelled. This is the wire format of
// the progress stream consumed by CLIs and log shippers.
func WriteNDJSON(ctx context.Context, w io.Writer, events <-chan Event) error {
	enc := json.NewEncoder(w)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-events:
			if !ok {
				return nil
			}
			if err := enc.Encode(event); err != nil {
				return fmt.Errorf("write progress event: %w", err)
			}
		}
	}
}
