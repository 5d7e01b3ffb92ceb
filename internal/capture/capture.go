package capture

import (
	"bufio"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// maxLineSize bounds a single device report line
const maxLineSize = 64 * 1024

// Message is one newline-delimited report read from a source
type Message struct {
	Source    string
	Data      []byte
	Timestamp time.Time
}

// Capture reads device reports from a set of TCP sources, reconnecting as needed
type Capture struct {
	sources        []string
	conns          map[string]net.Conn
	msgChan        chan Message
	wg             sync.WaitGroup
	stopChan       chan struct{}
	stopOnce       sync.Once
	mu             sync.Mutex
	logger         zerolog.Logger
	reconnectDelay time.Duration
	idleTimeout    time.Duration
}

// Option customises a Capture
type Option func(*Capture)

// WithReconnectDelay sets the wait between connection attempts
func WithReconnectDelay(d time.Duration) Option {
	return func(c *Capture) { c.reconnectDelay = d }
}

// WithIdleTimeout drops a connection that stays silent for d
func WithIdleTimeout(d time.Duration) Option {
	return func(c *Capture) { c.idleTimeout = d }
}

// New creates a new Capture instance
func New(sources []string, logger zerolog.Logger, opts ...Option) *Capture {
	c := &Capture{
		sources:        sources,
		conns:          make(map[string]net.Conn),
		msgChan:        make(chan Message, 1000),
		stopChan:       make(chan struct{}),
		logger:         logger.With().Str("component", "capture").Logger(),
		reconnectDelay: 5 * time.Second,
		idleTimeout:    2 * time.Minute,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start begins reading from all sources
func (c *Capture) Start() error {
	for _, source := range c.sources {
		c.wg.Add(1)
		go c.connectToSource(source)
	}
	return nil
}

// Stop closes every connection and waits for the readers to exit
func (c *Capture) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopChan)
		c.mu.Lock()
		for _, conn := range c.conns {
			_ = conn.Close()
		}
		c.mu.Unlock()
		c.wg.Wait()
		close(c.msgChan)
	})
}

// Messages returns the channel for receiving messages
func (c *Capture) Messages() <-chan Message {
	return c.msgChan
}

// wait sleeps for d and reports false when stopped meanwhile
func (c *Capture) wait(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-c.stopChan:
		return false
	case <-timer.C:
		return true
	}
}

func (c *Capture) configureTCPKeepalive(conn net.Conn, source string) {
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		if err := tcpConn.SetKeepAlive(true); err != nil {
			c.logger.Warn().Err(err).Str("source", source).Msg("Failed to set keepalive")
		}
		if err := tcpConn.SetKeepAlivePeriod(15 * time.Second); err != nil {
			c.logger.Warn().Err(err).Str("source", source).Msg("Failed to set keepalive period")
		}
	}
}

func (c *Capture) connectToSource(source string) {
	defer c.wg.Done()

	var disconnectTime time.Time
	logger := c.logger.With().Str("source", source).Logger()
	logger.Info().Msg("Connecting to source")

	for {
		select {
		case <-c.stopChan:
			return
		default:
		}

		conn, err := net.DialTimeout("tcp", source, 10*time.Second)
		if err != nil {
			if disconnectTime.IsZero() {
				disconnectTime = time.Now()
				logger.Warn().Err(err).Msg("Source unreachable, retrying")
			}
			if !c.wait(c.reconnectDelay) {
				return
			}
			continue
		}

		c.configureTCPKeepalive(conn, source)
		if !disconnectTime.IsZero() {
			logger.Info().Dur("downtime", time.Since(disconnectTime)).Msg("Connection reestablished")
			disconnectTime = time.Time{}
		} else {
			logger.Info().Msg("Connected to source")
		}

		c.mu.Lock()
		select {
		case <-c.stopChan:
			c.mu.Unlock()
			_ = conn.Close()
			return
		default:
		}
		c.conns[source] = conn
		c.mu.Unlock()

		err = c.handleConnection(source, conn)

		c.mu.Lock()
		delete(c.conns, source)
		c.mu.Unlock()

		select {
		case <-c.stopChan:
			return
		default:
		}
		disconnectTime = time.Now()
		logger.Warn().Err(err).Msg("Connection lost")
		if !c.wait(c.reconnectDelay) {
			return
		}
	}
}

var errIdle = errors.New("source idle")

// handleConnection emits every non-empty line until the connection fails or idles out
func (c *Capture) handleConnection(source string, conn net.Conn) error {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), maxLineSize)

	for {
		if err := conn.SetReadDeadline(time.Now().Add(c.idleTimeout)); err != nil {
			return err
		}
		if !scanner.Scan() {
			err := scanner.Err()
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return errIdle
			}
			if err == nil {
				err = errors.New("connection closed by source")
			}
			return err
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		// the scanner reuses its buffer
		data := make([]byte, len(line))
		copy(data, line)

		select {
		case c.msgChan <- Message{Source: source, Data: data, Timestamp: time.Now()}:
		case <-c.stopChan:
			return nil
		}
	}
}
