package sink

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/strawlab/microfview/errors"
)

const defaultSubjectPrefix = "microfview"

// NATS publishes the run schema and every stored record as JSON messages.
// The schema goes to "<prefix>.run" and each record to
// "<prefix>.store.<plugin>", so downstream consumers can subscribe per
// plugin or to "<prefix>.store.>" for everything.
type NATS struct {
	url    string
	prefix string
	logger *slog.Logger

	mu      sync.Mutex
	conn    *nats.Conn
	ownConn bool
	opened  bool
	closed  bool

	published int64
}

// NATSOption configures a NATS sink.
type NATSOption func(*NATS)

// WithSubjectPrefix overrides the default subject prefix.
func WithSubjectPrefix(prefix string) NATSOption {
	return func(n *NATS) { n.prefix = prefix }
}

// WithConn publishes over an existing connection instead of dialing. The
// caller keeps ownership; Close will not close it.
func WithConn(conn *nats.Conn) NATSOption {
	return func(n *NATS) { n.conn = conn }
}

// NewNATS creates a NATS publishing sink for the given server URL.
func NewNATS(url string, logger *slog.Logger, opts ...NATSOption) *NATS {
	if logger == nil {
		logger = slog.Default()
	}
	n := &NATS{
		url:    url,
		prefix: defaultSubjectPrefix,
		logger: logger,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Open implements Sink. It dials the server unless a connection was
// injected, then announces the run schema.
func (n *NATS) Open(schema Schema) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.opened {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "NATS", "Open", "already open")
	}

	if n.conn == nil {
		conn, err := nats.Connect(n.url,
			nats.Name("microfview-sink"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err != nil {
			return errors.WrapTransient(err, "NATS", "Open", "connect")
		}
		n.conn = conn
		n.ownConn = true
	}
	n.opened = true

	data, err := json.Marshal(schema)
	if err != nil {
		return errors.WrapInvalid(err, "NATS", "Open", "marshal schema")
	}
	if err := n.conn.Publish(n.prefix+".run", data); err != nil {
		return errors.WrapTransient(err, "NATS", "Open", "publish schema")
	}

	n.logger.Info("nats sink opened", "url", n.url, "prefix", n.prefix)
	return nil
}

// BeginFrame implements Sink. Frames are not announced individually.
func (n *NATS) BeginFrame(int64, time.Time) error { return nil }

// Store implements Sink.
func (n *NATS) Store(rec Record) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.opened || n.closed {
		return errors.WrapInvalid(errors.ErrSinkClosed, "NATS", "Store", "store on closed sink")
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return errors.WrapInvalid(err, "NATS", "Store", "marshal record")
	}

	subject := fmt.Sprintf("%s.store.%s", n.prefix, rec.Plugin)
	if err := n.conn.Publish(subject, data); err != nil {
		return errors.WrapTransient(err, "NATS", "Store", "publish record")
	}
	n.published++
	return nil
}

// EndFrame implements Sink.
func (n *NATS) EndFrame() (int, error) { return NoKey, nil }

// Close implements Sink. An injected connection is flushed but left open.
func (n *NATS) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.opened || n.closed {
		return nil
	}
	n.closed = true

	if err := n.conn.Flush(); err != nil {
		n.logger.Warn("nats flush on close failed", "error", err)
	}
	if n.ownConn {
		n.conn.Close()
	}

	n.logger.Info("nats sink closed", "published", n.published)
	return nil
}
