package stream

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"trade-entry/internal/events"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// Client follows a hub and reconnects after the connection drops.
type Client struct {
	url            string
	reconnectDelay time.Duration
	log            *zap.Logger
}

func NewClient(url string, reconnectDelay time.Duration, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{url: url, reconnectDelay: reconnectDelay, log: log}
}

// Run calls handler for every event until ctx is cancelled.
func (c *Client) Run(ctx context.Context, handler func(events.Event)) error {
	for {
		err := c.runOnce(ctx, handler)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logReadLoopError(err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.reconnectDelay):
		}
	}
}

func (c *Client) runOnce(ctx context.Context, handler func(events.Event)) error {
	conn, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var e events.Event
		if err := json.Unmarshal(data, &e); err != nil {
			c.log.Warn("stream decode failed", zap.Error(err))
			continue
		}
		if handler != nil {
			handler(e)
		}
	}
}

func (c *Client) logReadLoopError(err error) {
	if err == nil {
		return
	}
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		var closeErr websocket.CloseError
		if errors.As(err, &closeErr) {
			c.log.Info("stream closed", zap.Int("status", int(closeErr.Code)), zap.String("reason", closeErr.Reason))
			return
		}
	}
	c.log.Warn("stream read loop ended", zap.Error(err))
}
