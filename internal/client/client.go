// Package client consumes the local /ws stream. It prints each message as a
// JSON line and exits when an assertion matches or the timeout passes.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kehao95/gh-app-relay/internal/assertion"
	"github.com/kehao95/gh-app-relay/internal/message"
)

const (
	warnBufferBytes = 100 * 1024 * 1024
	maxBufferBytes  = 500 * 1024 * 1024

	// TimeoutExitCode matches timeout(1).
	TimeoutExitCode = 124
)

var ErrBufferFull = errors.New("capture buffer exceeded 500MB")

type Config struct {
	ServerURL         string
	Events            []string
	SuccessAssertions []assertion.Assertion
	FailureAssertions []assertion.Assertion
	// Timeout bounds the whole run, reconnects included. Zero waits forever.
	Timeout time.Duration
	// Capture holds messages back and prints them only once the run ends on
	// an assertion or the timeout.
	Capture bool
	Output  io.Writer
	Logger  *zap.Logger
}

// ExitError ends a run with a process exit code.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit with code %d", e.Code)
}

func (e *ExitError) ExitCode() int {
	return e.Code
}

type consumer struct {
	cfg        Config
	logger     *zap.Logger
	out        *bufio.Writer
	assertions []assertion.Assertion

	buffer      [][]byte
	bufferBytes int
	warned      bool
}

// Run reconnects with backoff until ctx is cancelled or the run ends with an
// *ExitError.
func Run(ctx context.Context, cfg Config) error {
	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &consumer{
		cfg:        cfg,
		logger:     logger.With(zap.String("server", cfg.ServerURL)),
		out:        bufio.NewWriter(output),
		assertions: append(append([]assertion.Assertion(nil), cfg.SuccessAssertions...), cfg.FailureAssertions...),
	}

	var deadline <-chan time.Time
	if cfg.Timeout > 0 {
		timer := time.NewTimer(cfg.Timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	backoff := time.Second
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		connected, err := c.session(ctx, deadline)
		var exitErr *ExitError
		switch {
		case errors.As(err, &exitErr):
			if c.cfg.Capture {
				if dumpErr := c.dump(); dumpErr != nil {
					return dumpErr
				}
			}
			return err
		case errors.Is(err, ErrBufferFull):
			return err
		case ctx.Err() != nil:
			return ctx.Err()
		}

		if connected {
			backoff = time.Second
			c.logger.Info("disconnected", zap.Error(err))
		} else {
			c.logger.Warn("connect failed", zap.Error(err))
		}
		if err := wait(ctx, backoff, deadline); err != nil {
			if c.cfg.Capture && errors.As(err, &exitErr) {
				if dumpErr := c.dump(); dumpErr != nil {
					return dumpErr
				}
			}
			return err
		}
		backoff = nextBackoff(backoff)
	}
}

// session runs one connection. connected reports whether the dial succeeded.
func (c *consumer) session(ctx context.Context, deadline <-chan time.Time) (connected bool, err error) {
	c.logger.Info("connecting")
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.ServerURL, nil)
	if err != nil {
		return false, err
	}
	defer conn.Close()
	c.logger.Info("connected")

	subscribe, err := json.Marshal(message.NewSubscribe(c.cfg.Events))
	if err != nil {
		return true, err
	}
	if err := conn.WriteMessage(websocket.TextMessage, subscribe); err != nil {
		return true, fmt.Errorf("subscribe failed: %w", err)
	}

	frames := make(chan []byte)
	readErr := make(chan error, 1)
	stopped := make(chan struct{})
	defer close(stopped)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- data:
			case <-stopped:
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case <-deadline:
			c.logger.Warn("timed out")
			return true, &ExitError{Code: TimeoutExitCode}
		case err := <-readErr:
			return true, err
		case data := <-frames:
			if err := c.handle(data); err != nil {
				return true, err
			}
		}
	}
}

func (c *consumer) handle(data []byte) error {
	if c.cfg.Capture {
		c.buffer = append(c.buffer, data)
		c.bufferBytes += len(data)
		if !c.warned && c.bufferBytes >= warnBufferBytes {
			c.logger.Warn("capture buffer exceeded 100MB")
			c.warned = true
		}
		if c.bufferBytes >= maxBufferBytes {
			return ErrBufferFull
		}
	} else if err := c.writeLine(data); err != nil {
		return err
	}

	matched, ok, err := assertion.First(data, c.assertions)
	if err != nil {
		c.logger.Warn("message not evaluated", zap.Error(err))
		return nil
	}
	if ok {
		c.logger.Info("assertion matched", zap.Stringer("assertion", matched), zap.Int("exit_code", matched.ExitCode))
		return &ExitError{Code: matched.ExitCode}
	}
	return nil
}

func (c *consumer) writeLine(data []byte) error {
	if _, err := c.out.Write(data); err != nil {
		return err
	}
	if err := c.out.WriteByte('\n'); err != nil {
		return err
	}
	return c.out.Flush()
}

func (c *consumer) dump() error {
	for _, data := range c.buffer {
		if _, err := c.out.Write(data); err != nil {
			return err
		}
		if err := c.out.WriteByte('\n'); err != nil {
			return err
		}
	}
	c.buffer = nil
	return c.out.Flush()
}

func wait(ctx context.Context, d time.Duration, deadline <-chan time.Time) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-deadline:
		return &ExitError{Code: TimeoutExitCode}
	case <-timer.C:
		return nil
	}
}

func nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > 30*time.Second {
		return 30 * time.Second
	}
	return next
}
