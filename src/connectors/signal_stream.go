package connectors

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	logger "github.com/sirupsen/logrus"

	"tradeengine/src/model"
)

const (
	streamReadLimit      = 1 << 20
	streamReconnectDelay = 5 * time.Second
	streamReadTimeout    = 90 * time.Second
)

// SignalHandler consumes one observed leader trade. Errors are logged and
// absorbed; a bad signal never stops the stream.
type SignalHandler func(ctx context.Context, signal model.TradeSignal) error

// SignalStream subscribes to the watched-trade feed over websocket and
// fans each event into the handler. It reconnects with a fixed delay until
// the context is cancelled.
type SignalStream struct {
	url        string
	pingPeriod time.Duration
	handler    SignalHandler
}

// NewSignalStream builds a stream subscriber for the given feed URL.
func NewSignalStream(url string, pingPeriod time.Duration, handler SignalHandler) *SignalStream {
	if pingPeriod <= 0 {
		pingPeriod = 30 * time.Second
	}
	return &SignalStream{url: url, pingPeriod: pingPeriod, handler: handler}
}

// Run blocks, consuming the stream until ctx is cancelled.
func (s *SignalStream) Run(ctx context.Context) error {
	for {
		if err := s.consumeOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.WithError(err).Warn("signal stream disconnected, will reconnect")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(streamReconnectDelay):
		}
	}
}

func (s *SignalStream) consumeOnce(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	logger.WithField("url", s.url).Info("signal stream connected")

	conn.SetReadLimit(streamReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
	})

	// Keepalive pings; the read loop owns the connection lifetime.
	pingDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(s.pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-pingDone:
				return
			case <-ctx.Done():
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
					return
				}
			}
		}
	}()
	defer close(pingDone)

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(streamReadTimeout))

		var signal model.TradeSignal
		if err := json.Unmarshal(payload, &signal); err != nil {
			logger.WithError(err).Warn("dropping malformed trade signal")
			continue
		}

		if err := s.handler(ctx, signal); err != nil {
			logger.WithError(err).WithFields(map[string]interface{}{
				"leader":  signal.LeaderAddress,
				"tx_hash": signal.TxHash,
			}).Error("signal handler failed")
		}
	}
}
