package transcribe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/LastBotInc/coralie-interview-session/internal/logging"
)

// ErrChannelClosed is returned when sending on a closed channel.
var ErrChannelClosed = errors.New("recognition channel closed")

const (
	defaultSendQueue = 32
	writeTimeout     = 5 * time.Second
)

// Channel is a bidirectional message stream to the recognition service.
type Channel interface {
	// Send queues a message. It never blocks.
	Send(msg Outbound) error
	// Receive yields inbound messages and is closed when the channel ends.
	Receive() <-chan Inbound
	// Err reports why the receive side ended, nil after a local Close.
	Err() error
	Close() error
}

// Dialer opens a recognition channel for a call.
type Dialer interface {
	Dial(ctx context.Context, callID string) (Channel, error)
}

// WebSocketDialer dials the recognition service over a WebSocket.
type WebSocketDialer struct {
	URL       string
	Token     string
	SendQueue int
	Dialer    *websocket.Dialer
}

// Dial implements Dialer.
func (d *WebSocketDialer) Dial(ctx context.Context, callID string) (Channel, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("parse recognition url: %w", err)
	}
	q := u.Query()
	q.Set("call_id", callID)
	u.RawQuery = q.Encode()

	header := http.Header{}
	if d.Token != "" {
		header.Set("Authorization", "Bearer "+d.Token)
	}

	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial recognition service: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial recognition service: %w", err)
	}

	queue := d.SendQueue
	if queue <= 0 {
		queue = defaultSendQueue
	}
	c := &wsChannel{
		conn:  conn,
		queue: make(chan []byte, queue),
		recv:  make(chan Inbound, 16),
		done:  make(chan struct{}),
	}
	c.wg.Add(2)
	go c.writeLoop()
	go c.readLoop()
	logging.Info(logging.CategoryTranscribe, "connected to recognition service call=%s", callID)
	return c, nil
}

type wsChannel struct {
	conn  *websocket.Conn
	queue chan []byte
	recv  chan Inbound
	done  chan struct{}
	wg    sync.WaitGroup

	mu        sync.Mutex
	err       error
	closed    bool
	closeOnce sync.Once
}

func (c *wsChannel) Send(msg Outbound) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrChannelClosed
	}
	for {
		select {
		case c.queue <- b:
			return nil
		default:
		}
		// Queue full: drop the oldest pending message
		select {
		case old := <-c.queue:
			logging.Warning(logging.CategoryTranscribe, "send queue full, dropped pending message size=%d", len(old))
		default:
		}
	}
}

func (c *wsChannel) Receive() <-chan Inbound { return c.recv }

func (c *wsChannel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *wsChannel) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		close(c.done)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = c.conn.Close()
	})
	c.wg.Wait()
	return nil
}

func (c *wsChannel) writeLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case b := <-c.queue:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				logging.Warning(logging.CategoryTranscribe, "failed to write message: %v", err)
				c.fail(err)
				return
			}
		}
	}
}

func (c *wsChannel) readLoop() {
	defer c.wg.Done()
	defer close(c.recv)
	for {
		_, b, err := c.conn.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}
		in, err := decodeInbound(b)
		if err != nil {
			logging.Warning(logging.CategoryTranscribe, "ignoring malformed message: %v", err)
			continue
		}
		select {
		case c.recv <- in:
		case <-c.done:
			return
		}
	}
}

// fail records the first transport error unless the channel was closed locally.
func (c *wsChannel) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.err != nil {
		return
	}
	c.err = err
	// Unblock the peer loop
	_ = c.conn.Close()
}
