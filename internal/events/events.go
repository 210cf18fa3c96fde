// Package events publishes share lifecycle notifications. Consumers are
// optional; nothing in the request path waits on them.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

const subjectPrefix = "sounddrop."

// Subjects published by the API and the sweeper.
const (
	SubjectFileRegistered = "file.registered"
	SubjectShareCreated   = "share.created"
	SubjectShareRevoked   = "share.revoked"
)

// FileRegistered is sent after a direct upload is recorded.
type FileRegistered struct {
	FileID    string    `json:"fileId"`
	Format    string    `json:"format"`
	Bytes     int64     `json:"bytes"`
	CreatedAt time.Time `json:"createdAt"`
}

// ShareCreated is sent after a share is persisted. The token is not included.
type ShareCreated struct {
	ShareID      string    `json:"shareId"`
	FileID       string    `json:"fileId"`
	ExpiresAt    time.Time `json:"expiresAt"`
	MaxDownloads int       `json:"maxDownloads"`
}

// ShareRevoked is sent by the sweeper.
type ShareRevoked struct {
	ShareID     string    `json:"shareId"`
	FileID      string    `json:"fileId"`
	FileDeleted bool      `json:"fileDeleted"`
	RevokedAt   time.Time `json:"revokedAt"`
}

// Publisher sends JSON payloads on a subject.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload any) error
	Close()
}

// NATSPublisher publishes on a NATS connection.
type NATSPublisher struct {
	conn   *nats.Conn
	logger *slog.Logger
}

// Connect dials NATS and keeps reconnecting forever in the background.
func Connect(url string, logger *slog.Logger) (*NATSPublisher, error) {
	logger = logger.With(slog.String("component", "events"))
	conn, err := nats.Connect(url,
		nats.Name("sounddrop"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", slog.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	logger.Info("connected to nats", slog.String("url", url))
	return &NATSPublisher{conn: conn, logger: logger}, nil
}

// Publish marshals payload and sends it on sounddrop.<subject>.
func (p *NATSPublisher) Publish(ctx context.Context, subject string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", subject, err)
	}
	if err := p.conn.Publish(Subject(subject), data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Close drains pending messages and closes the connection.
func (p *NATSPublisher) Close() {
	if err := p.conn.Drain(); err != nil {
		p.logger.Warn("nats drain failed", slog.String("error", err.Error()))
		p.conn.Close()
	}
}

// Nop discards every event. It is used when no NATS URL is configured.
type Nop struct{}

// Publish does nothing.
func (Nop) Publish(context.Context, string, any) error { return nil }

// Close does nothing.
func (Nop) Close() {}

// Subject returns the fully qualified subject name.
func Subject(name string) string {
	return subjectPrefix + name
}
