package dispatch

import (
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	journalStream    = "GRAPH_EVENTS"
	journalSubjects  = "graph.events.>"
	journalRetention = 24 * time.Hour * 30
	journalAckWait   = 2 * time.Second
)

// Journal mirrors every dispatched event onto a JetStream subject keyed
// by group, so downstream consumers can replay the event history.
type Journal struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	logger *zap.Logger
}

// NewJournal connects to NATS and ensures the journal stream exists.
// An empty stream name falls back to GRAPH_EVENTS.
func NewJournal(url, stream string, logger *zap.Logger) (*Journal, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if stream == "" {
		stream = journalStream
	}
	conn, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(10),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:     stream,
		Subjects: []string{journalSubjects},
		Storage:  nats.FileStorage,
		MaxAge:   journalRetention,
	})
	if err != nil && err != nats.ErrStreamNameAlreadyInUse {
		logger.Warn("Failed to create journal stream", zap.Error(err))
	}
	return &Journal{conn: conn, js: js, logger: logger.Named("journal")}, nil
}

// Publish appends one event payload under the group's subject. The pub
// ack wait is short so a slow NATS bounds a dispatch worker instead of
// stalling it.
func (j *Journal) Publish(groupID string, payload []byte) error {
	subject := "graph.events." + subjectToken(groupID)
	if _, err := j.js.Publish(subject, payload, nats.AckWait(journalAckWait)); err != nil {
		return fmt.Errorf("journal publish to %s: %w", subject, err)
	}
	return nil
}

func (j *Journal) Close() {
	j.conn.Close()
}

// subjectToken makes a group id safe as a NATS subject token.
func subjectToken(groupID string) string {
	if groupID == "" {
		return "global"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, groupID)
}
