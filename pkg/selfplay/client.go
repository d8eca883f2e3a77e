package selfplay

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/zeroloop/zeroloop/pkg/log"
	"github.com/zeroloop/zeroloop/pkg/metrics"
)

// DefaultAddress is the worker's listening address.
const DefaultAddress = "127.0.0.1:63105"

var (
	// ErrProtocolState is returned when a command is sent in a state that
	// forbids it (startup settings twice, or any command before them).
	ErrProtocolState = errors.New("selfplay: command not allowed in current state")

	// ErrClosed is returned for any operation after Close.
	ErrClosed = errors.New("selfplay: client is closed")

	// ErrWorkerStopped is returned when the worker announces shutdown
	// while a generation was expected.
	ErrWorkerStopped = errors.New("selfplay: worker stopped")
)

// Client is the session to the external self-play worker. All commands
// travel over one ordered connection, so the worker observes them in send
// order; the worker never begins a generation before acknowledging the
// previous one.
//
// Connection loss is fatal to the run: there is no mid-stream reconnect.
// A restarted run dials fresh, replays startup settings, and relies on
// the loop's on-disk recovery to avoid reprocessing.
type Client struct {
	mu      sync.Mutex
	conn    net.Conn
	reader  *bufio.Reader
	pending []byte
	started bool
	closed  bool
}

// Dial connects to the worker at the given address (DefaultAddress if
// empty).
func Dial(address string) (*Client, error) {
	if address == "" {
		address = DefaultAddress
	}
	conn, err := net.Dial("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to self-play worker: %w", err)
	}
	logger := log.WithComponent("selfplay")
	logger.Info().Str("address", address).Msg("connected to worker")
	return NewClient(conn), nil
}

// NewClient wraps an established connection. Used by Dial and by tests
// that run a fake worker on the other end of a pipe.
func NewClient(conn net.Conn) *Client {
	return &Client{
		conn:   conn,
		reader: bufio.NewReader(conn),
	}
}

// SendStartupSettings must be the first command on the session, sent
// exactly once.
func (c *Client) SendStartupSettings(settings StartupSettings) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.started {
		return fmt.Errorf("%w: startup settings already sent", ErrProtocolState)
	}
	if err := c.sendLocked("StartupSettings", command{StartupSettings: &settings}); err != nil {
		return err
	}
	c.started = true
	return nil
}

// SendNewSettings updates the worker's search parameters. Takes effect
// from the next generation the worker begins.
func (c *Client) SendNewSettings(settings Settings) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkRunning(); err != nil {
		return err
	}
	return c.sendLocked("NewSettings", command{NewSettings: &settings})
}

// SendNewNetwork hands the worker a freshly exported network artifact.
// The call does not wait for the worker to load it.
func (c *Client) SendNewNetwork(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkRunning(); err != nil {
		return err
	}
	return c.sendLocked("NewNetwork", command{NewNetwork: &path})
}

// SendWaitForNewNetwork pauses generation production until the next
// SendNewNetwork, so the worker never plays a generation with a network
// that is about to be replaced.
func (c *Client) SendWaitForNewNetwork() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkRunning(); err != nil {
		return err
	}
	return c.sendRawLocked("WaitForNewNetwork", []byte(cmdWaitForNewNetwork))
}

// WaitForFile blocks until the worker reports a generation complete and
// returns its index. Cancelling the context unblocks the read and
// returns the context's error; by default there is no timeout. A
// cancelled wait leaves the session usable: any partially received
// update is kept and completed by the next wait.
func (c *Client) WaitForFile(ctx context.Context) (int, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, ErrClosed
	}
	if !c.started {
		c.mu.Unlock()
		return 0, fmt.Errorf("%w: waiting before startup settings", ErrProtocolState)
	}
	conn, reader := c.conn, c.reader
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	// Unblock the read when the context ends.
	done := make(chan struct{})
	watcherDone := make(chan struct{})
	go func() {
		defer close(watcherDone)
		select {
		case <-ctx.Done():
			conn.SetReadDeadline(time.Now())
		case <-done:
		}
	}()

	line, err := reader.ReadBytes('\n')

	// Join the watcher before touching the deadline: it may fire after
	// the read already succeeded, and its stale deadline would fail the
	// next wait. Clearing after the join covers every path.
	close(done)
	<-watcherDone
	conn.SetReadDeadline(time.Time{})

	if err != nil {
		if ctx.Err() != nil {
			// The read may have consumed part of an update line; keep it
			// so the framing survives the cancellation.
			c.mu.Lock()
			if !c.closed {
				c.pending = append(pending, line...)
			}
			c.mu.Unlock()
			return 0, ctx.Err()
		}
		return 0, fmt.Errorf("failed to read worker update: %w", err)
	}

	index, stopped, err := parseUpdate(append(pending, line...))
	if err != nil {
		return 0, err
	}
	if stopped {
		return 0, ErrWorkerStopped
	}
	return index, nil
}

// Close asks the worker to stop, waits briefly for the acknowledgement,
// and closes the connection. Safe to call on a client that never
// completed startup.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	if c.started {
		if err := c.sendRawLocked("Stop", []byte(cmdStop)); err != nil {
			c.conn.Close()
			return err
		}

		// Drain updates until the worker acknowledges the stop; generations
		// finishing concurrently with shutdown are expected here.
		c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		for {
			line, err := c.reader.ReadBytes('\n')
			if err != nil {
				logger := log.WithComponent("selfplay")
				logger.Warn().Err(err).Msg("worker did not acknowledge stop")
				break
			}
			if _, stopped, err := parseUpdate(line); err != nil || stopped {
				break
			}
		}
	}

	return c.conn.Close()
}

func (c *Client) checkRunning() error {
	if c.closed {
		return ErrClosed
	}
	if !c.started {
		return fmt.Errorf("%w: startup settings not sent yet", ErrProtocolState)
	}
	return nil
}

func (c *Client) sendLocked(name string, cmd command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", name, err)
	}
	return c.sendRawLocked(name, data)
}

func (c *Client) sendRawLocked(name string, data []byte) error {
	if _, err := c.conn.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to send %s: %w", name, err)
	}
	metrics.MessagesSent.WithLabelValues(name).Inc()
	logger := log.WithComponent("selfplay")
	logger.Debug().Str("command", name).Msg("sent command")
	return nil
}
