package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"marketchat/internal/metrics"
	"marketchat/internal/models"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const writeWait = 10 * time.Second

type wsConnection interface {
	Close() error
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
}

type messageHub interface {
	Join(userID string) (<-chan models.Frame, func(), error)
	Dispatch(userID string, f models.Frame) error
}

// Connection serves one websocket of an authenticated user.
type Connection struct {
	ws         wsConnection
	hub        messageHub
	userID     string
	limiter    *rate.Limiter
	metrics    *metrics.Relay
	fromClient chan []byte
	logger     *slog.Logger
}

func NewConnection(
	hub messageHub,
	ws wsConnection,
	userID string,
	limiter *rate.Limiter,
	m *metrics.Relay,
) *Connection {
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 0)
	}
	if m == nil {
		m = metrics.NewRelay(nil)
	}
	return &Connection{
		ws:         ws,
		hub:        hub,
		userID:     userID,
		limiter:    limiter,
		metrics:    m,
		fromClient: make(chan []byte),
		logger:     slog.Default().With("component", "connection", "user_id", userID),
	}
}

// Handle pumps frames both ways until the client goes away, the context is
// cancelled or the hub is closed. A normal close is not an error.
func (c *Connection) Handle(ctx context.Context) error {
	fromServer, leave, err := c.hub.Join(c.userID)
	if err != nil {
		return fmt.Errorf("failed to join: %w", err)
	}
	defer leave()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return c.pumpMessages(ctx)
	})
	g.Go(func() error {
		defer cancel()
		return c.mainLoop(ctx, fromServer)
	})
	g.Go(func() error {
		<-ctx.Done()
		_ = c.ws.Close()
		return nil
	})

	return g.Wait()
}

func (c *Connection) pumpMessages(ctx context.Context) error {
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		select {
		case c.fromClient <- raw:
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context, fromServer <-chan models.Frame) error {
	for {
		select {
		case raw := <-c.fromClient:
			if err := c.processClientMessage(raw); err != nil {
				return err
			}
		case f, ok := <-fromServer:
			if !ok {
				return nil
			}
			if err := c.write(f); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// processClientMessage returns only errors of the connection itself. Bad
// frames are answered with an error frame.
func (c *Connection) processClientMessage(raw []byte) error {
	if !c.limiter.Allow() {
		return c.reject("rate_limited", "rate limit exceeded")
	}

	f, err := models.ParseFrame(raw)
	if err != nil {
		reason := "bad_frame"
		if errors.Is(err, models.ErrUnknownFrame) {
			reason = "unknown_type"
		}
		return c.reject(reason, err.Error())
	}

	switch f.Type {
	case models.FramePing:
		return c.write(models.Frame{Type: models.FramePong})
	case models.FramePong:
		return nil
	}

	if err := c.hub.Dispatch(c.userID, f); err != nil {
		reason := "invalid"
		switch {
		case errors.Is(err, ErrForbidden):
			reason = "forbidden"
		case errors.Is(err, ErrUnsupported):
			reason = "unsupported"
		}
		c.logger.Debug("frame rejected", "type", f.Type, "error", err)
		return c.reject(reason, err.Error())
	}
	return nil
}

func (c *Connection) reject(reason, msg string) error {
	c.metrics.FramesRejected.WithLabelValues(reason).Inc()
	return c.write(models.MustFrame(models.FrameError, models.ErrorPayload{Message: msg}))
}

func (c *Connection) write(f models.Frame) error {
	data, err := f.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode %s frame: %w", f.Type, err)
	}
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}
