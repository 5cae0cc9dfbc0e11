// Package msgchannel provides the pub/sub surface the Supervisor uses to
// announce retention pressure and disk usage, replacing the original
// implementation's "redis-cli set/publish" shell-outs (see
// original_source/supervisor/supervisor.cpp) with an embedded NATS server,
// following the same embedding pattern as _examples/Spatial-NVR-SpatialNVR/internal/core/eventbus.go.
package msgchannel

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

const (
	// SubjectRetentionTrigger carries "normal" or "aggressive".
	SubjectRetentionTrigger = "state.retention.trigger"
	// SubjectDiskUsage carries the last-sampled HDD usage percentage.
	SubjectDiskUsage = "hb.disk_usage"
)

// Retention levels published on SubjectRetentionTrigger.
const (
	RetentionNormal     = "normal"
	RetentionAggressive = "aggressive"
)

// Config controls whether Channel embeds its own NATS server or dials an
// existing one.
type Config struct {
	URL   string // dialled when Embed is false; ignored otherwise
	Embed bool   // true: start an embedded server on an ephemeral port
}

// Channel wraps a NATS connection used for retention/disk-usage signaling.
type Channel struct {
	server *server.Server
	conn   *nats.Conn
	logger *slog.Logger
}

// Open connects per cfg. When cfg.Embed is true an in-process NATS server
// is started and Channel owns its lifecycle; otherwise it dials cfg.URL.
func Open(cfg Config, logger *slog.Logger) (*Channel, error) {
	logger = logger.With("component", "msgchannel")

	if !cfg.Embed {
		nc, err := nats.Connect(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("msgchannel: connect %s: %w", cfg.URL, err)
		}
		return &Channel{conn: nc, logger: logger}, nil
	}

	opts := &server.Options{
		Host:   "127.0.0.1",
		Port:   -1, // ephemeral
		NoSigs: true,
		NoLog:  true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("msgchannel: new embedded server: %w", err)
	}
	go ns.Start()

	if !ns.ReadyForConnections(2 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("msgchannel: embedded server not ready after 2s")
	}

	nc, err := nats.Connect(ns.ClientURL())
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("msgchannel: connect to embedded server: %w", err)
	}

	logger.Info("message channel started", "url", ns.ClientURL())
	return &Channel{server: ns, conn: nc, logger: logger}, nil
}

// PublishDiskUsage announces the last-sampled HDD usage percentage.
func (c *Channel) PublishDiskUsage(percent int) error {
	return c.conn.Publish(SubjectDiskUsage, []byte(fmt.Sprintf("%d", percent)))
}

// PublishRetentionTrigger announces a retention level, one of
// RetentionNormal or RetentionAggressive.
func (c *Channel) PublishRetentionTrigger(level string) error {
	return c.conn.Publish(SubjectRetentionTrigger, []byte(level))
}

// SubscribeRetentionTrigger invokes handler with the published level on
// every message to SubjectRetentionTrigger.
func (c *Channel) SubscribeRetentionTrigger(handler func(level string)) (*nats.Subscription, error) {
	return c.conn.Subscribe(SubjectRetentionTrigger, func(msg *nats.Msg) {
		handler(string(msg.Data))
	})
}

// ClientURL returns the URL clients can use to connect, valid only when
// this Channel embeds its own server.
func (c *Channel) ClientURL() string {
	if c.server == nil {
		return ""
	}
	return c.server.ClientURL()
}

// Close drains the connection and, if embedded, shuts down the server.
func (c *Channel) Close() {
	_ = c.conn.Drain()
	if c.server != nil {
		c.server.Shutdown()
	}
	c.logger.Info("message channel stopped")
}
