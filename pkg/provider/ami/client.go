// Package ami implements a minimal Asterisk Manager Interface client: a
// persistent TCP connection that logs in, parses event frames, and
// correlates command results back to waiting callers.
package ami

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Message is one AMI frame: case-insensitive key/value headers terminated by
// a blank line.
type Message map[string]string

// Get returns a header value, matching keys case-insensitively.
func (m Message) Get(key string) string {
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

// FaxResult is the terminal outcome of a SendFAX attempt, reported by the
// dialplan as a UserEvent on the control connection.
type FaxResult struct {
	JobID  string
	Status string // SUCCESS or FAILED
	Pages  int
	Error  string
}

// ErrTimeout signals that no matching event arrived within the command window.
var ErrTimeout = errors.New("ami: timed out waiting for response")

// ErrClosed signals the client has been shut down.
var ErrClosed = errors.New("ami: client closed")

const (
	backoffBase = time.Second
	backoffCap  = 30 * time.Second
)

// Client maintains the persistent AMI connection.
type Client struct {
	addr     string
	username string
	password string
	timeout  time.Duration
	log      *slog.Logger

	mu   sync.Mutex // guards conn establishment and writes
	conn net.Conn

	subMu sync.Mutex
	subs  map[string]chan Message // action id -> single-shot channel

	done chan struct{}
	once sync.Once
}

// NewClient builds a client for the given AMI endpoint. Call Start to begin
// the connect/read loop.
func NewClient(host, port, username, password string, commandTimeout time.Duration, log *slog.Logger) *Client {
	if commandTimeout <= 0 {
		commandTimeout = 60 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		addr:     net.JoinHostPort(host, port),
		username: username,
		password: password,
		timeout:  commandTimeout,
		log:      log,
		subs:     make(map[string]chan Message),
		done:     make(chan struct{}),
	}
}

// Start runs the connection loop until Close or context cancellation.
func (c *Client) Start(ctx context.Context) {
	go c.run(ctx)
}

// Close tears down the connection and fails all pending waiters.
func (c *Client) Close() {
	c.once.Do(func() {
		close(c.done)
		c.mu.Lock()
		if c.conn != nil {
			_ = c.conn.Close()
		}
		c.mu.Unlock()
		c.failAll()
	})
}

func (c *Client) run(ctx context.Context) {
	backoff := backoffBase
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		err := c.connectAndRead(ctx)
		if err == nil || errors.Is(err, context.Canceled) {
			return
		}
		c.failAll()

		// Jittered exponential backoff before the next dial.
		sleep := backoff/2 + time.Duration(rand.Int63n(int64(backoff/2)+1))
		c.log.Warn("ami connection lost, reconnecting", "error", err, "retry_in", sleep)
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return
		case <-c.done:
			return
		}
		backoff *= 2
		if backoff > backoffCap {
			backoff = backoffCap
		}
	}
}

// connectAndRead dials, logs in, and runs the read loop until the
// connection drops.
func (c *Client) connectAndRead(ctx context.Context) error {
	c.mu.Lock()
	dialer := net.Dialer{Timeout: 10 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("dialing ami: %w", err)
	}
	c.conn = conn
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		_ = conn.Close()
	}()

	r := bufio.NewReader(conn)
	// Banner line, e.g. "Asterisk Call Manager/5.0".
	if _, err := r.ReadString('\n'); err != nil {
		return fmt.Errorf("reading ami banner: %w", err)
	}

	if err := c.write(Message{
		"Action":   "Login",
		"Username": c.username,
		"Secret":   c.password,
	}); err != nil {
		return err
	}
	resp, err := readFrame(r)
	if err != nil {
		return fmt.Errorf("reading login response: %w", err)
	}
	if !strings.EqualFold(resp.Get("Response"), "Success") {
		return fmt.Errorf("ami login rejected: %s", resp.Get("Message"))
	}
	c.log.Info("ami connected", "addr", c.addr)

	for {
		select {
		case <-c.done:
			return nil
		default:
		}
		msg, err := readFrame(r)
		if err != nil {
			return fmt.Errorf("reading ami frame: %w", err)
		}
		c.dispatch(msg)
	}
}

// dispatch routes a frame to the waiter registered for its action id.
func (c *Client) dispatch(msg Message) {
	id := msg.Get("ActionID")
	if id == "" && strings.EqualFold(msg.Get("Event"), "UserEvent") {
		id = msg.Get("JobID")
	}
	if id == "" {
		return
	}
	// Command acks are not terminal; the UserEvent is.
	if msg.Get("Response") != "" && !strings.EqualFold(msg.Get("Event"), "UserEvent") {
		if !strings.EqualFold(msg.Get("Response"), "Success") {
			c.complete(id, msg)
		}
		return
	}
	if strings.EqualFold(msg.Get("Event"), "UserEvent") &&
		strings.EqualFold(msg.Get("UserEvent"), "FaxResult") {
		c.complete(id, msg)
	}
}

func (c *Client) complete(id string, msg Message) {
	c.subMu.Lock()
	ch, ok := c.subs[id]
	if ok {
		delete(c.subs, id)
	}
	c.subMu.Unlock()
	if ok {
		ch <- msg // buffered, single-shot
	}
}

func (c *Client) subscribe(id string) chan Message {
	ch := make(chan Message, 1)
	c.subMu.Lock()
	c.subs[id] = ch
	c.subMu.Unlock()
	return ch
}

func (c *Client) unsubscribe(id string) {
	c.subMu.Lock()
	delete(c.subs, id)
	c.subMu.Unlock()
}

func (c *Client) failAll() {
	c.subMu.Lock()
	for id, ch := range c.subs {
		delete(c.subs, id)
		close(ch)
	}
	c.subMu.Unlock()
}

// write serializes a frame under the connection mutex.
func (c *Client) write(msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrClosed
	}
	var b strings.Builder
	for k, v := range msg {
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(v)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if _, err := c.conn.Write([]byte(b.String())); err != nil {
		return fmt.Errorf("writing ami frame: %w", err)
	}
	return nil
}

// Originate issues the call that transmits the TIFF at tiffPath. The
// terminal outcome arrives later; collect it with WaitResult.
func (c *Client) Originate(jobID, toNumber, tiffPath, stationID string) error {
	c.subscribe(jobID)
	err := c.write(Message{
		"Action":   "Originate",
		"ActionID": jobID,
		"Channel":  "PJSIP/" + toNumber,
		"Context":  "outbound-fax",
		"Exten":    "send",
		"Priority": "1",
		"Async":    "true",
		"Variable": fmt.Sprintf("FAXFILE=%s,JOBID=%s,STATIONID=%s", tiffPath, jobID, stationID),
	})
	if err != nil {
		c.unsubscribe(jobID)
		return err
	}
	return nil
}

// WaitResult blocks until the FaxResult correlated with jobID arrives, the
// command window expires, or the client shuts down.
func (c *Client) WaitResult(ctx context.Context, jobID string) (*FaxResult, error) {
	c.subMu.Lock()
	ch, ok := c.subs[jobID]
	c.subMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("ami: no pending command for %s", jobID)
	}
	defer c.unsubscribe(jobID)

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case msg, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		return parseFaxResult(jobID, msg), nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	}
}

// SendFax combines Originate and WaitResult for callers that want the
// synchronous form.
func (c *Client) SendFax(ctx context.Context, jobID, toNumber, tiffPath, stationID string) (*FaxResult, error) {
	if err := c.Originate(jobID, toNumber, tiffPath, stationID); err != nil {
		return nil, err
	}
	return c.WaitResult(ctx, jobID)
}

func parseFaxResult(jobID string, msg Message) *FaxResult {
	res := &FaxResult{JobID: jobID}
	if resp := msg.Get("Response"); resp != "" && !strings.EqualFold(resp, "Success") {
		res.Status = "FAILED"
		res.Error = msg.Get("Message")
		if res.Error == "" {
			res.Error = "originate rejected"
		}
		return res
	}
	status := strings.ToUpper(msg.Get("FaxStatus"))
	if status == "SUCCESS" {
		res.Status = "SUCCESS"
	} else {
		res.Status = "FAILED"
		res.Error = msg.Get("FaxError")
		if res.Error == "" {
			res.Error = "transmission failed"
		}
	}
	if pages := msg.Get("FaxPages"); pages != "" {
		if n, err := strconv.Atoi(pages); err == nil {
			res.Pages = n
		}
	}
	return res
}

// readFrame reads one header block up to the blank-line terminator.
func readFrame(r *bufio.Reader) (Message, error) {
	msg := make(Message)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if len(msg) == 0 {
				continue // skip stray blank lines between frames
			}
			return msg, nil
		}
		if k, v, ok := strings.Cut(line, ":"); ok {
			msg[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
	}
}
