package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/fyrsmithlabs/conveyor/internal/pipeline"
)

// NATSSink publishes events to <prefix>.<stage>.<status>.
type NATSSink struct {
	conn   *nats.Conn
	prefix string
	owned  bool
}

// DialNATS connects to url and returns a sink that closes the connection
// on Close.
func DialNATS(url, prefix string) (*NATSSink, error) {
	nc, err := nats.Connect(url,
		nats.Name("conveyor"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats at %s: %w", url, err)
	}
	s := NewNATSSink(nc, prefix)
	s.owned = true
	return s, nil
}

// NewNATSSink publishes on an existing connection.
func NewNATSSink(nc *nats.Conn, prefix string) *NATSSink {
	return &NATSSink{conn: nc, prefix: strings.TrimSuffix(prefix, ".")}
}

// Name implements Sink.
func (s *NATSSink) Name() string { return "nats" }

// Subject returns the subject ev is published on.
func (s *NATSSink) Subject(ev Event) string {
	return fmt.Sprintf("%s.%s.%s", s.prefix, ev.Stage, ev.Status)
}

// Deliver implements Sink. The publish is flushed so a nil error means the
// server received the message.
func (s *NATSSink) Deliver(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return &pipeline.DeterministicCollaboratorError{Operation: "nats.encode", Err: err}
	}
	msg := nats.NewMsg(s.Subject(ev))
	msg.Header.Set(nats.MsgIdHdr, ev.ID)
	msg.Data = data

	if err := s.conn.PublishMsg(msg); err != nil {
		return &pipeline.TransientCollaboratorError{Operation: "nats.publish", Err: err}
	}
	if err := s.conn.FlushWithContext(ctx); err != nil {
		return &pipeline.TransientCollaboratorError{Operation: "nats.flush", Err: err}
	}
	return nil
}

// Close drains the connection when the sink dialed it.
func (s *NATSSink) Close() error {
	if !s.owned {
		return nil
	}
	return s.conn.Drain()
}
