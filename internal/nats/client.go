package nats

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/saviobatista/fieldtrack/internal/types"
)

const (
	// SubjectPrefix is prefixed to the tenant id to form the sample subject
	SubjectPrefix = "fieldtrack.samples."
	StreamName    = "LOCATION_SAMPLES"
)

// SampleSubject returns the subject samples of a tenant are published on
func SampleSubject(tenantID string) string {
	return SubjectPrefix + tenantID
}

// messageID identifies a sample for JetStream duplicate detection
func messageID(s *types.LocationSample) string {
	return fmt.Sprintf("%s/%s/%d", s.TenantID, s.SubjectID, s.Timestamp.UnixNano())
}

// Client represents a NATS client
type Client struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	logger zerolog.Logger

	mu           sync.Mutex
	listeners    map[int]func(types.ConnectionEvent)
	nextListener int
}

// New creates a new NATS client
func New(url string, logger zerolog.Logger) (*Client, error) {
	c := &Client{
		logger:    logger.With().Str("component", "nats").Logger(),
		listeners: make(map[int]func(types.ConnectionEvent)),
	}

	nc, err := nats.Connect(url,
		nats.Name("fieldtrack"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.dispatch(types.ConnectionEvent{Connected: false, Err: err, At: time.Now()})
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			c.dispatch(types.ConnectionEvent{Connected: true, At: time.Now()})
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			c.dispatch(types.ConnectionEvent{Connected: false, Err: nats.ErrConnectionClosed, At: time.Now()})
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	// Create stream if it doesn't exist
	_, err = js.AddStream(&nats.StreamConfig{
		Name:       StreamName,
		Subjects:   []string{SubjectPrefix + ">"},
		Storage:    nats.FileStorage,
		MaxAge:     24 * time.Hour,
		Duplicates: 2 * time.Minute,
	})
	if err != nil && !strings.Contains(err.Error(), "stream name already in use") {
		nc.Close()
		return nil, fmt.Errorf("failed to create stream: %w", err)
	}

	c.conn = nc
	c.js = js
	return c, nil
}

// PublishSample publishes a location sample on its tenant subject
func (c *Client) PublishSample(sample *types.LocationSample) error {
	if sample == nil {
		return fmt.Errorf("failed to publish sample: nil sample")
	}
	data, err := json.Marshal(sample)
	if err != nil {
		return fmt.Errorf("failed to marshal sample: %w", err)
	}

	_, err = c.js.Publish(SampleSubject(sample.TenantID), data, nats.MsgId(messageID(sample)))
	if err != nil {
		return fmt.Errorf("failed to publish sample: %w", err)
	}

	return nil
}

// SubscribeSamples delivers new samples of a tenant to handler
func (c *Client) SubscribeSamples(tenantID string, handler func(*types.LocationSample)) (*nats.Subscription, error) {
	if handler == nil {
		return nil, fmt.Errorf("failed to subscribe: nil handler")
	}
	sub, err := c.js.Subscribe(SampleSubject(tenantID), func(msg *nats.Msg) {
		c.handleMessage(msg.Data, handler)
	}, nats.DeliverNew())
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	return sub, nil
}

func (c *Client) handleMessage(data []byte, handler func(*types.LocationSample)) {
	var sample types.LocationSample
	if err := json.Unmarshal(data, &sample); err != nil {
		c.logger.Warn().Err(err).Msg("Error unmarshaling sample")
		return
	}
	handler(&sample)
}

// AddConnectionListener registers a callback for connection state changes
func (c *Client) AddConnectionListener(listener func(types.ConnectionEvent)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextListener
	c.nextListener++
	c.listeners[id] = listener
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

func (c *Client) dispatch(ev types.ConnectionEvent) {
	if ev.Connected {
		c.logger.Info().Msg("Reconnected to NATS")
	} else {
		c.logger.Warn().Err(ev.Err).Msg("Disconnected from NATS")
	}

	c.mu.Lock()
	listeners := make([]func(types.ConnectionEvent), 0, len(c.listeners))
	for _, l := range c.listeners {
		listeners = append(listeners, l)
	}
	c.mu.Unlock()

	for _, l := range listeners {
		l(ev)
	}
}

// IsConnected reports whether the underlying connection is up
func (c *Client) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

// Close closes the NATS connection
func (c *Client) Close() {
	if c.conn != nil {
		c.conn.Close()
	}
}
