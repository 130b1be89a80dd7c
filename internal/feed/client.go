// Package feed maintains the live kline subscription and the historical
// query client for one instrument.
package feed

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"rangeflow/internal/buffer"
	"rangeflow/internal/model"
)

// State is the feed connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateStale
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateStale:
		return "stale"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// ClientConfig configures the live kline stream client.
type ClientConfig struct {
	Symbol   string
	BaseURL  string // defaults to wss://stream.binance.com:9443/ws
	Interval string // defaults to "1s"

	// StaleAfter is the max time since the last received message before the
	// connection is considered unhealthy and forcibly reconnected.
	StaleAfter time.Duration

	ReconnectDelay    time.Duration // initial backoff
	MaxReconnectDelay time.Duration // backoff cap
}

// Client subscribes to the per-second kline stream and pushes parsed events
// into the shared buffer. The read loop only parses and enqueues; all
// aggregation and I/O happens elsewhere.
type Client struct {
	cfg ClientConfig
	buf *buffer.Buffer

	mu          sync.Mutex
	conn        *websocket.Conn
	state       State
	lastMsg     time.Time
	seenKline   bool
	reconnected bool // set on every reconnect, consumed by gap recovery

	// Metrics hooks (optional, set before Run)
	OnKline      func(k model.Kline)
	OnReconnect  func()
	OnParseError func()
}

// NewClient creates a stream client writing into buf.
func NewClient(cfg ClientConfig, buf *buffer.Buffer) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "wss://stream.binance.com:9443/ws"
	}
	if cfg.Interval == "" {
		cfg.Interval = "1s"
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 30 * time.Second
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if cfg.MaxReconnectDelay <= 0 {
		cfg.MaxReconnectDelay = 60 * time.Second
	}
	return &Client{cfg: cfg, buf: buf, state: StateDisconnected}
}

func (c *Client) streamURL() string {
	return c.cfg.BaseURL + "/" + strings.ToLower(c.cfg.Symbol) + "@kline_" + c.cfg.Interval
}

// Run dials the stream and reads until ctx is cancelled. Connection failures
// are retried in a bounded loop with exponential backoff; a successful
// session resets the backoff. Every session after the first marks a
// reconnect for the gap-recovery manager. Blocks until ctx is done.
func (c *Client) Run(ctx context.Context) {
	delay := c.cfg.ReconnectDelay
	first := true

	for {
		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return
		}

		c.setState(StateConnecting)
		if !first {
			c.mu.Lock()
			c.reconnected = true
			c.mu.Unlock()
			if c.OnReconnect != nil {
				c.OnReconnect()
			}
		}

		err := c.session(ctx)
		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return
		}
		c.setState(StateReconnecting)
		log.Printf("[feed] session ended: %v, reconnecting in %v", err, delay)

		select {
		case <-ctx.Done():
			c.setState(StateDisconnected)
			return
		case <-time.After(delay):
		}

		if err == nil {
			// The session served data before dropping; start backoff over.
			delay = c.cfg.ReconnectDelay
		} else {
			delay *= 2
			if delay > c.cfg.MaxReconnectDelay {
				delay = c.cfg.MaxReconnectDelay
			}
		}
		first = false
	}
}

// session dials once and reads messages until an error or forced close.
// Returns nil when the session served at least one message before ending.
func (c *Client) session(ctx context.Context) error {
	dialer := websocket.DefaultDialer
	conn, _, err := dialer.DialContext(ctx, c.streamURL(), nil)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.state = StateConnected
	c.lastMsg = time.Now()
	c.mu.Unlock()
	log.Printf("[feed] connected to %s", c.streamURL())

	served := false
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			c.mu.Lock()
			c.conn = nil
			c.mu.Unlock()
			if served {
				return nil
			}
			return err
		}
		served = true
		c.handleMessage(data)
	}
}

// handleMessage parses one stream payload and enqueues it. Malformed
// payloads are skipped; the stream continues with the next message.
func (c *Client) handleMessage(data []byte) {
	if gjson.GetBytes(data, "e").String() != "kline" {
		return
	}
	k := gjson.GetBytes(data, "k")
	if !k.Exists() {
		if c.OnParseError != nil {
			c.OnParseError()
		}
		return
	}

	kline := model.Kline{
		OpenTime:    k.Get("t").Int(),
		CloseTime:   k.Get("T").Int(),
		Open:        k.Get("o").Float(),
		High:        k.Get("h").Float(),
		Low:         k.Get("l").Float(),
		Close:       k.Get("c").Float(),
		Volume:      k.Get("v").Float(),
		QuoteVolume: k.Get("q").Float(),
		Trades:      k.Get("n").Int(),
		Final:       k.Get("x").Bool(),
	}
	if kline.OpenTime <= 0 || kline.CloseTime <= 0 {
		if c.OnParseError != nil {
			c.OnParseError()
		}
		return
	}

	c.buf.Append(kline)

	c.mu.Lock()
	c.lastMsg = time.Now()
	if !c.seenKline {
		c.seenKline = true
		log.Printf("[feed] first kline: open=%s close=%g", kline.OpenAt().Format(time.RFC3339), kline.Close)
	}
	if c.state == StateStale {
		c.state = StateConnected
	}
	c.mu.Unlock()

	if c.OnKline != nil {
		c.OnKline(kline)
	}
}

// CheckHealth compares the time since the last received message against the
// staleness threshold. Crossing it marks the connection stale, sets the
// reconnection flag and closes the socket so the Run loop reconnects.
// Returns true when the connection is healthy.
func (c *Client) CheckHealth(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateConnected && c.state != StateStale {
		return false
	}
	if c.lastMsg.IsZero() || now.Sub(c.lastMsg) <= c.cfg.StaleAfter {
		return true
	}

	if c.state != StateStale {
		log.Printf("[feed] connection stale (%v since last message), forcing reconnect",
			now.Sub(c.lastMsg).Truncate(time.Second))
		c.state = StateStale
		c.reconnected = true
		if c.conn != nil {
			c.conn.Close()
		}
	}
	return false
}

// ConsumeReconnectFlag returns true exactly once per reconnection event.
func (c *Client) ConsumeReconnectFlag() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	flag := c.reconnected
	c.reconnected = false
	return flag
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastMessageAt returns the arrival time of the last stream message.
func (c *Client) LastMessageAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastMsg
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}
