package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sweeney/push-coordinator/internal/connection"
	"github.com/sweeney/push-coordinator/internal/state"
	"github.com/sweeney/push-coordinator/internal/transport"
)

// run owns the session: connect, stream until the connection drops, wait out
// the backoff, repeat. It returns on cancellation, on an auth failure, or when
// the circuit opens with no cooldown.
func (c *Coordinator) run(ctx context.Context) {
	defer close(c.done)

	for {
		if ctx.Err() != nil {
			return
		}

		err := c.connect(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil && !transport.Retryable(err) {
			c.log.Error("upstream rejected handshake, giving up", "err", err)
			c.setState(connection.StateFailed, err)
			return
		}

		delay := c.backoff.Next()
		if c.backoff.Open() {
			open := fmt.Errorf("%w after %d attempts: %w", ErrCircuitOpen, c.backoff.Attempts(), err)
			c.setState(connection.StateFailed, open)

			cooldown := c.backoff.Cooldown()
			if cooldown == 0 {
				c.log.Error("circuit open, not reconnecting", "attempts", c.backoff.Attempts(), "err", err)
				return
			}
			c.log.Warn("circuit open, cooling down", "cooldown", cooldown, "err", err)
			if !sleep(ctx, cooldown) {
				return
			}
			c.backoff.HalfOpen()
			continue
		}

		c.log.Info("reconnecting", "delay", delay, "attempt", c.backoff.Attempts(), "err", err)
		if !sleep(ctx, delay) {
			return
		}
	}
}

// connect runs one connection from dial to drop. A nil return never happens:
// a session that was streaming reports why it stopped.
func (c *Coordinator) connect(ctx context.Context) error {
	c.setState(connection.StateConnecting, nil)
	c.connectAttempts.Add(1)

	if err := c.session.Connect(ctx); err != nil {
		if errors.Is(err, transport.ErrAuth) {
			c.metrics.connectAttempt("auth")
		} else {
			c.metrics.connectAttempt("error")
		}
		if ctx.Err() == nil {
			c.setState(connection.StateDisconnected, err)
		}
		return err
	}
	c.metrics.connectAttempt("ok")
	c.connects.Add(1)
	c.backoff.Reset()
	c.setState(connection.StateStreaming, nil)
	c.log.Info("streaming")

	err := c.session.Receive(ctx, c.onMessage)
	if cerr := c.session.Close(); cerr != nil {
		c.log.Debug("close session", "err", cerr)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err == nil {
		err = &transport.ConnectionError{Op: "receive", Err: errors.New("stream ended")}
	}
	c.log.Warn("connection lost", "err", err)
	c.setState(connection.StateDisconnected, err)
	return err
}

func (c *Coordinator) onMessage(payload []byte) {
	err := c.HandleMessage(payload)
	switch {
	case err == nil:
	case errors.Is(err, state.ErrDecode):
		c.log.Debug("dropping undecodable message", "err", err, "bytes", len(payload))
	case errors.Is(err, ErrShutDown):
	default:
		c.log.Warn("handle message", "err", err)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
