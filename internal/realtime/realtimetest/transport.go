// Package realtimetest provides an in-memory realtime transport for tests.
package realtimetest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/matheus3301/matchsync/internal/realtime"
	"github.com/matheus3301/matchsync/internal/wire"
)

// ErrRefused is returned by Dial while failures are configured.
var ErrRefused = errors.New("realtimetest: connection refused")

// Dial records one dial attempt.
type Dial struct {
	Token  string
	UserID string
}

// Transport hands out in-memory connections. Each successful dial is also
// sent on Conns so tests can wait for it.
type Transport struct {
	mu         sync.Mutex
	failNext   int
	failAlways bool
	dials      []Dial
	conns      []*Conn

	Conns chan *Conn
}

// New creates a transport that accepts every dial.
func New() *Transport {
	return &Transport{Conns: make(chan *Conn, 16)}
}

// FailNext makes the next n dials fail.
func (t *Transport) FailNext(n int) {
	t.mu.Lock()
	t.failNext = n
	t.mu.Unlock()
}

// FailAlways makes every dial fail until reset.
func (t *Transport) FailAlways(fail bool) {
	t.mu.Lock()
	t.failAlways = fail
	t.mu.Unlock()
}

func (t *Transport) Dial(ctx context.Context, token, userID string) (realtime.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	t.dials = append(t.dials, Dial{Token: token, UserID: userID})
	if t.failAlways || t.failNext > 0 {
		if t.failNext > 0 {
			t.failNext--
		}
		t.mu.Unlock()
		return nil, ErrRefused
	}
	c := newConn()
	t.conns = append(t.conns, c)
	t.mu.Unlock()

	select {
	case t.Conns <- c:
	default:
	}
	return c, nil
}

// Dials returns every attempt so far.
func (t *Transport) Dials() []Dial {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Dial(nil), t.dials...)
}

// Last returns the most recent connection, or nil.
func (t *Transport) Last() *Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.conns) == 0 {
		return nil
	}
	return t.conns[len(t.conns)-1]
}

// WaitConn waits for the next successful dial.
func (t *Transport) WaitConn(timeout time.Duration) (*Conn, bool) {
	select {
	case c := <-t.Conns:
		return c, true
	case <-time.After(timeout):
		return nil, false
	}
}

// Conn is one side of an in-memory session. Push feeds frames to the client;
// Sent exposes what the client wrote.
type Conn struct {
	in     chan wire.Frame
	closed chan struct{}
	once   sync.Once

	mu       sync.Mutex
	sent     []wire.Frame
	writeErr error
}

func newConn() *Conn {
	return &Conn{
		in:     make(chan wire.Frame, 64),
		closed: make(chan struct{}),
	}
}

func (c *Conn) ReadFrame() (wire.Frame, error) {
	select {
	case f := <-c.in:
		return f, nil
	case <-c.closed:
		return wire.Frame{}, io.EOF
	}
}

func (c *Conn) WriteFrame(f wire.Frame) error {
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	default:
	}
	c.mu.Lock()
	if c.writeErr != nil {
		err := c.writeErr
		c.mu.Unlock()
		return err
	}
	c.sent = append(c.sent, f)
	c.mu.Unlock()
	return nil
}

func (c *Conn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// Closed reports whether the client or the test closed the connection.
func (c *Conn) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Push delivers an inbound event to the client.
func (c *Conn) Push(event string, payload any) error {
	f, err := wire.NewFrame(event, payload)
	if err != nil {
		return err
	}
	select {
	case c.in <- f:
		return nil
	case <-c.closed:
		return io.ErrClosedPipe
	}
}

// Drop simulates the server going away.
func (c *Conn) Drop() { _ = c.Close() }

// FailWrites makes every following WriteFrame return err.
func (c *Conn) FailWrites(err error) {
	c.mu.Lock()
	c.writeErr = err
	c.mu.Unlock()
}

// Sent returns every frame written by the client.
func (c *Conn) Sent() []wire.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]wire.Frame(nil), c.sent...)
}

// SentPayloads returns the payloads of the frames written for event.
func (c *Conn) SentPayloads(event string) []json.RawMessage {
	var out []json.RawMessage
	for _, f := range c.Sent() {
		if f.Event == event {
			out = append(out, f.Data)
		}
	}
	return out
}

// WaitSent waits until at least n frames for event have been written and
// returns their payloads.
func (c *Conn) WaitSent(event string, n int, timeout time.Duration) ([]json.RawMessage, bool) {
	deadline := time.Now().Add(timeout)
	for {
		got := c.SentPayloads(event)
		if len(got) >= n {
			return got, true
		}
		if time.Now().After(deadline) {
			return got, false
		}
		time.Sleep(2 * time.Millisecond)
	}
}
