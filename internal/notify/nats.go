package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"actiongate/internal/domain"
)

// NATSPublisher publishes committed lifecycle events to
// <prefix>.<tenant>.<event type>.
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
}

// ConnectNATS dials url and returns a publisher using subject prefix.
func ConnectNATS(url, prefix string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("actiongate"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return NewNATSPublisher(nc, prefix), nil
}

func NewNATSPublisher(nc *nats.Conn, prefix string) *NATSPublisher {
	if prefix == "" {
		prefix = "actiongate"
	}
	return &NATSPublisher{conn: nc, prefix: prefix}
}

var subjectToken = strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_")

// Subject returns the subject an event is published on.
func (p *NATSPublisher) Subject(evt domain.Event) string {
	tenant := evt.TenantID
	if tenant == "" {
		tenant = "_"
	}
	return p.prefix + "." + subjectToken.Replace(tenant) + "." + evt.Type
}

func (p *NATSPublisher) Publish(ctx context.Context, evt domain.Event) error {
	data, err := json.Marshal(newMessage(evt))
	if err != nil {
		return err
	}
	if err := p.conn.Publish(p.Subject(evt), data); err != nil {
		return fmt.Errorf("nats publish %s: %w", evt.Type, err)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
	}
	return p.conn.FlushWithContext(ctx)
}

// Close drains pending messages and closes the connection.
func (p *NATSPublisher) Close() error {
	if p == nil || p.conn == nil {
		return nil
	}
	return p.conn.Drain()
}
