package interpreter

import (
	"context"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/NotCoffee418/wmbus_parser/pkg/types"
)

const (
	maxRetries     = 10
	baseRetryDelay = 2 * time.Second
	maxRetryDelay  = 60 * time.Second
	pingInterval   = 30 * time.Second
	// Meters send every few minutes, so liveness comes from pongs.
	readTimeout = 3 * pingInterval
)

// ListenerConfig describes the interpreter API to subscribe to.
type ListenerConfig struct {
	Host       string
	TLSEnabled bool
	Logger     zerolog.Logger
	// BaseRetryDelay overrides the first reconnect delay.
	BaseRetryDelay time.Duration
}

func (c ListenerConfig) URL() url.URL {
	scheme := "ws"
	if c.TLSEnabled {
		scheme = "wss"
	}
	return url.URL{Scheme: scheme, Host: c.Host, Path: "/ws"}
}

// StartListener subscribes to the interpreter API and calls handle for every
// notification. It reconnects with exponential backoff and returns when ctx
// is done or the retries are exhausted.
func StartListener(ctx context.Context, cfg ListenerConfig, handle func(n *types.Notification)) {
	logger := cfg.Logger
	baseDelay := cfg.BaseRetryDelay
	if baseDelay <= 0 {
		baseDelay = baseRetryDelay
	}
	u := cfg.URL()
	retryCount := 0

	for {
		if ctx.Err() != nil {
			return
		}
		if retryCount > 0 {
			retryDelay := min(time.Duration(1<<retryCount)*baseDelay, maxRetryDelay)
			logger.Info().Dur("delay", retryDelay).Int("attempt", retryCount+1).Int("max", maxRetries).Msg("retrying connection")
			select {
			case <-time.After(retryDelay):
			case <-ctx.Done():
				return
			}
		}

		logger.Info().Str("url", u.String()).Msg("connecting")
		dialer := *websocket.DefaultDialer
		dialer.HandshakeTimeout = 10 * time.Second
		c, _, err := dialer.DialContext(ctx, u.String(), nil)
		if err != nil {
			logger.Warn().Err(err).Msg("connection failed")
			retryCount++
			if retryCount >= maxRetries {
				logger.Error().Int("max", maxRetries).Msg("max retries reached, giving up")
				return
			}
			continue
		}

		logger.Info().Msg("connected, accepting notifications")
		retryCount = 0
		broken := handleConnection(ctx, c, logger, handle)
		c.Close()
		if !broken {
			return
		}
		logger.Warn().Msg("connection lost, will retry")
	}
}

// handleConnection reads until the connection breaks (true) or ctx is done
// (false).
func handleConnection(ctx context.Context, c *websocket.Conn, logger zerolog.Logger, handle func(n *types.Notification)) bool {
	done := make(chan struct{})

	c.SetReadDeadline(time.Now().Add(readTimeout))
	c.SetPongHandler(func(string) error {
		return c.SetReadDeadline(time.Now().Add(readTimeout))
	})

	go func() {
		defer close(done)
		for {
			messageType, message, err := c.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					logger.Warn().Err(err).Msg("websocket error")
				} else {
					logger.Info().Err(err).Msg("connection closed")
				}
				return
			}
			c.SetReadDeadline(time.Now().Add(readTimeout))

			if messageType != websocket.TextMessage {
				logger.Debug().Int("type", messageType).Msg("unexpected message type")
				continue
			}
			if n := types.NotificationFromJsonBytes(message); n != nil {
				handle(n)
			} else {
				logger.Warn().Str("message", string(message)).Msg("failed to parse notification")
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return true
		case <-ticker.C:
			if err := c.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				logger.Warn().Err(err).Msg("failed to send ping")
			}
		case <-ctx.Done():
			err := c.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			if err != nil {
				logger.Debug().Err(err).Msg("error sending close message")
			}
			select {
			case <-done:
			case <-time.After(time.Second):
			}
			return false
		}
	}
}
