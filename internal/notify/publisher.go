// Package notify publishes expense status changes to NATS.
//
// Subject convention: <prefix>.expense.<new_status>. Publishing is
// best-effort: failures are logged and reported to the caller, which never
// lets them undo a committed transition.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"expenseflow/internal/models"
)

// Conn is the part of *nats.Conn the publisher uses.
type Conn interface {
	Publish(subject string, data []byte) error
}

// Event is the JSON body published for a change record.
type Event struct {
	EventType    string              `json:"event_type"`
	ResourceType string              `json:"resource_type"`
	ResourceID   string              `json:"resource_id"`
	CompanyID    string              `json:"company_id"`
	ActorID      string              `json:"actor_id"`
	Recipients   []string            `json:"recipients,omitempty"`
	IsActionable bool                `json:"is_actionable"`
	Change       models.ChangeRecord `json:"change"`
}

// Publisher turns change records into NATS messages.
type Publisher struct {
	conn   Conn
	prefix string
	log    *zap.SugaredLogger
}

// NewPublisher returns a publisher on conn. A nil conn makes Record a no-op.
func NewPublisher(conn Conn, prefix string, log *zap.SugaredLogger) *Publisher {
	return &Publisher{conn: conn, prefix: prefix, log: log}
}

// Subject returns the subject a record is published on.
func (p *Publisher) Subject(rec models.ChangeRecord) string {
	return fmt.Sprintf("%s.expense.%s", p.prefix, rec.NewStatus)
}

// Record publishes rec. Next approvers become the recipients of an
// actionable event.
func (p *Publisher) Record(_ context.Context, rec models.ChangeRecord) error {
	if p.conn == nil {
		return nil
	}

	event := Event{
		EventType:    "expense_" + string(rec.NewStatus),
		ResourceType: "expense",
		ResourceID:   rec.ExpenseID,
		CompanyID:    rec.CompanyID,
		ActorID:      rec.ActorID,
		Recipients:   rec.NextApprovers,
		IsActionable: len(rec.NextApprovers) > 0,
		Change:       rec,
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.log.Warnw("notification: failed to marshal event", "expense_id", rec.ExpenseID, "error", err)
		return err
	}

	subject := p.Subject(rec)
	if err := p.conn.Publish(subject, data); err != nil {
		p.log.Warnw("notification: failed to publish event", "subject", subject, "expense_id", rec.ExpenseID, "error", err)
		return err
	}

	p.log.Debugw("notification: event published", "subject", subject, "expense_id", rec.ExpenseID, "recipients", len(rec.NextApprovers))
	return nil
}

// Connect dials NATS with reconnect logging. An empty url returns a nil
// connection so that publishing is disabled.
func Connect(url string, log *zap.SugaredLogger) (*nats.Conn, error) {
	if url == "" {
		return nil, nil
	}
	nc, err := nats.Connect(url,
		nats.Name("expenseflow-api"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warnw("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Infow("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	return nc, nil
}

// Drainer is the part of *nats.Conn used at shutdown.
type Drainer interface {
	Drain() error
}

// Drain flushes pending messages and closes conn, logging a failure.
func Drain(conn Drainer, log *zap.SugaredLogger) {
	if conn == nil {
		return
	}
	if err := conn.Drain(); err != nil {
		log.Warnw("failed to drain nats connection", "error", err)
	}
}
