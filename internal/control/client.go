// Package control implements the operator side of the beamline control
// channel: single-shot command/reply exchanges over TCP with newline-delimited
// JSON and a strict one-reply-per-request discipline.
package control

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/juju/errors"

	"github.com/beamline/console/log2"
)

const DefaultTimeout = 5 * time.Second

// ProtocolError: the peer replied but the reply did not decode.
type ProtocolError struct {
	Cmd string
	Raw string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error cmd=%s: %s", e.Cmd, e.Raw)
}

func IsProtocolError(e error) bool {
	_, ok := errors.Cause(e).(*ProtocolError)
	return ok
}

// CommandError: the peer explicitly returned ok=false.
type CommandError struct {
	Cmd     string
	Message string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %s failed: %s", e.Cmd, e.Message)
}

func IsCommandError(e error) bool {
	_, ok := errors.Cause(e).(*CommandError)
	return ok
}

// Client owns one connection to the control responder.
// The channel is lockstep: exactly one reply per request. After a timeout a
// late reply from the stale request would desynchronize the stream, so the
// client drops the connection and redials lazily before the next Send.
type Client struct {
	addr    string
	timeout time.Duration
	log     *log2.Log

	mu   sync.Mutex // serializes Send, guards conn
	conn net.Conn
	rd   *bufio.Reader
}

func NewClient(addr string, timeout time.Duration, log *log2.Log) *Client {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &Client{addr: addr, timeout: timeout, log: log}
}

// Send transmits one request and blocks until the reply arrives or the
// timeout elapses. Error kinds, in decode order:
// - errors.IsTimeout: no reply within the bound, connection reset
// - *ProtocolError: reply did not decode, connection reset
// - *CommandError: remote returned ok=false, connection kept
// Concurrent callers are serialized; the wire never carries two requests.
func (c *Client) Send(req Request) (*Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn, err := c.connLocked()
	if err != nil {
		return nil, errors.Annotatef(err, "control dial %s", c.addr)
	}

	b, err := json.Marshal(&req)
	if err != nil {
		return nil, errors.Annotatef(err, "control marshal cmd=%s", req.Cmd)
	}
	b = append(b, '\n')

	deadline := time.Now().Add(c.timeout)
	_ = conn.SetDeadline(deadline)
	if _, err = conn.Write(b); err != nil {
		c.resetLocked()
		if isNetTimeout(err) {
			return nil, errors.Timeoutf("control send cmd=%s", req.Cmd)
		}
		return nil, errors.Annotatef(err, "control send cmd=%s", req.Cmd)
	}

	line, err := c.rd.ReadBytes('\n')
	if err != nil {
		// Whatever happened, a reply may still be in flight for this
		// request; the lockstep contract forbids reusing this connection.
		c.resetLocked()
		if isNetTimeout(err) {
			return nil, errors.Timeoutf("control reply cmd=%s after %v", req.Cmd, c.timeout)
		}
		return nil, errors.Annotatef(err, "control reply cmd=%s", req.Cmd)
	}

	var reply Reply
	if err = json.Unmarshal(line, &reply); err != nil {
		c.resetLocked()
		return nil, &ProtocolError{Cmd: req.Cmd, Raw: err.Error()}
	}
	if !reply.OK {
		msg := reply.Error
		if msg == "" {
			msg = "unknown error"
		}
		return &reply, &CommandError{Cmd: req.Cmd, Message: msg}
	}
	return &reply, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.rd = nil
	return err
}

func (c *Client) connLocked() (net.Conn, error) {
	if c.conn != nil {
		return c.conn, nil
	}
	conn, err := net.DialTimeout("tcp", c.addr, c.timeout)
	if err != nil {
		return nil, err
	}
	c.log.Debugf("control connected %s", c.addr)
	c.conn = conn
	c.rd = bufio.NewReader(conn)
	return conn, nil
}

func (c *Client) resetLocked() {
	if c.conn != nil {
		c.log.Debugf("control reset %s", c.addr)
		_ = c.conn.Close()
		c.conn = nil
		c.rd = nil
	}
}

func isNetTimeout(e error) bool {
	ne, ok := e.(net.Error)
	return ok && ne.Timeout()
}
