// Package client provides the subrelay developer SDK: follow the publishers a
// directory announces for your topics and read their payloads from a channel.
package client

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/SWAI-Ltd/subrelay/internal/crypto"
	"github.com/SWAI-Ltd/subrelay/internal/discovery"
	"github.com/SWAI-Ltd/subrelay/internal/proto"
	"github.com/SWAI-Ltd/subrelay/internal/relay"
	"github.com/SWAI-Ltd/subrelay/internal/transport"
)

const (
	// DefaultMessageBuffer is the buffer size for the Messages() channel.
	DefaultMessageBuffer = 64
)

// ErrClosed is returned when using a client after Close.
var ErrClosed = errors.New("client closed")

// ReceivedMessage is a payload relayed from a publisher.
type ReceivedMessage struct {
	Topic   string
	Source  string
	Payload []byte
}

// Peer describes a publisher connection.
type Peer = relay.PeerInfo

// Config configures the client.
type Config struct {
	// Directory is the directory address (e.g. "ws://localhost:8080/ws" or "quic://localhost:6121").
	Directory string
	// ConnectTimeout bounds each dial; 0 uses relay.DefaultConnectTimeout.
	ConnectTimeout time.Duration
	// CloseIdle closes publisher connections that have no topics left.
	CloseIdle bool
	// UnwindOnUnsubscribe makes Unsubscribe drop the topic from publishers immediately.
	UnwindOnUnsubscribe bool
	// Keys opens sealed payloads. A key pair is generated when nil.
	Keys *crypto.KeyPair
	// DisableDiscovery disables mDNS (set true in containers or directory-only mode).
	DisableDiscovery bool
	// MessageBuffer sets the capacity of Messages() channel; 0 uses DefaultMessageBuffer.
	MessageBuffer int
	// Registerer receives the relay metrics when set.
	Registerer prometheus.Registerer
	Logger     *slog.Logger
	// Transport overrides the dial options.
	Transport transport.Options
}

// Client is the developer-facing relay client. Subscribe to topics and read from Messages().
type Client struct {
	relay  *relay.Relay
	mdns   *discovery.Discovery
	keys   *crypto.KeyPair
	log    *slog.Logger
	msgs   chan ReceivedMessage
	closed bool
	mu     sync.Mutex
}

// New creates a client and connects it to the directory.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Keys == nil {
		keys, err := crypto.GenerateKeyPair()
		if err != nil {
			return nil, err
		}
		cfg.Keys = keys
	}
	buf := cfg.MessageBuffer
	if buf <= 0 {
		buf = DefaultMessageBuffer
	}
	c := &Client{
		keys: cfg.Keys,
		log:  cfg.Logger.With("component", "client"),
		msgs: make(chan ReceivedMessage, buf),
	}
	policy := relay.IdleKeepAlive
	if cfg.CloseIdle {
		policy = relay.IdleClose
	}
	c.relay = relay.New(relay.Config{
		Dialer:              transport.NewDialer(cfg.Transport),
		ConnectTimeout:      cfg.ConnectTimeout,
		IdlePolicy:          policy,
		UnwindOnUnsubscribe: cfg.UnwindOnUnsubscribe,
		Keys:                cfg.Keys,
		Logger:              cfg.Logger,
		Metrics:             relay.NewMetrics(cfg.Registerer),
		OnMessage:           c.onMessage,
	})
	if err := c.relay.Connect(ctx, cfg.Directory); err != nil {
		c.relay.Close()
		return nil, err
	}
	if !cfg.DisableDiscovery {
		d, err := discovery.Browse(cfg.Logger, func(topic string, ev proto.Lifecycle) {
			c.relay.Inject(topic, ev)
		})
		if err != nil {
			c.log.Warn("mDNS discovery unavailable", "err", err)
		} else {
			c.mdns = d
		}
	}
	return c, nil
}

func (c *Client) onMessage(m relay.Message) {
	select {
	case c.msgs <- ReceivedMessage{Topic: m.Topic, Source: m.Source, Payload: m.Payload}:
	default:
		c.log.Debug("message buffer full, dropping", "topic", m.Topic, "source", m.Source)
	}
}

// Subscribe asks the directory for topic and starts receiving its payloads on Messages().
func (c *Client) Subscribe(ctx context.Context, topic string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return c.relay.Subscribe(ctx, topic)
}

// Unsubscribe stops following topic on the directory.
func (c *Client) Unsubscribe(ctx context.Context, topic string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return c.relay.Unsubscribe(ctx, topic)
}

// Messages returns the channel of received messages. Read until the client is closed.
func (c *Client) Messages() <-chan ReceivedMessage {
	return c.msgs
}

// Peers returns the publisher connections the client holds.
func (c *Client) Peers(ctx context.Context) ([]Peer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	return c.relay.Peers(ctx)
}

// PublicKey returns the key publishers seal payloads for.
func (c *Client) PublicKey() *[crypto.PublicKeySize]byte {
	return c.keys.Public
}

// Close shuts down the client and closes the Messages() channel.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	if c.mdns != nil {
		c.mdns.Close()
	}
	err := c.relay.Close()
	close(c.msgs)
	return err
}
