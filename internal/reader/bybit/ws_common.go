package bybit

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"candleflow/logger"
)

const (
	defaultReconnectDelay = 5 * time.Second
	// Bybit drops public connections that stay silent for more than 30s.
	defaultKeepAlive = 20 * time.Second
	writeTimeout     = 5 * time.Second
)

type wsOptions struct {
	url            string
	topics         []string
	reconnectDelay time.Duration
	pingInterval   time.Duration
}

// wsConn serializes writes; gorilla allows a single concurrent writer.
type wsConn struct {
	*websocket.Conn
	writeMu sync.Mutex
}

func (c *wsConn) send(op string, args []string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.WriteJSON(struct {
		ReqID string   `json:"req_id"`
		Op    string   `json:"op"`
		Args  []string `json:"args,omitempty"`
	}{
		ReqID: strconv.FormatInt(time.Now().UnixNano(), 10),
		Op:    op,
		Args:  args,
	})
}

// runBybitWebSocket keeps a subscribed connection open until ctx is done,
// redialing after reconnectDelay whenever a session ends.
func runBybitWebSocket(ctx context.Context, opts wsOptions, log *logger.Entry, handler func([]byte) error) {
	delay := opts.reconnectDelay
	if delay <= 0 {
		delay = defaultReconnectDelay
	}
	log = log.WithFields(logger.Fields{"url": opts.url})
	for ctx.Err() == nil {
		if err := runSession(ctx, opts, log, handler); err != nil && ctx.Err() == nil {
			log.WithError(err).Warn("bybit session ended, reconnecting")
		}
		select {
		case <-ctx.Done():
		case <-time.After(delay):
		}
	}
}

// runSession dials, subscribes and reads until the connection fails or ctx
// is cancelled. Handler errors are logged by the handler and do not end
// the session.
func runSession(ctx context.Context, opts wsOptions, log *logger.Entry, handler func([]byte) error) error {
	raw, _, err := websocket.DefaultDialer.DialContext(ctx, opts.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	conn := &wsConn{Conn: raw}
	defer conn.Close()
	stopClose := context.AfterFunc(ctx, func() { conn.Close() })
	defer stopClose()

	if err := conn.send("subscribe", opts.topics); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	log.WithFields(logger.Fields{"topics": len(opts.topics)}).Debug("bybit subscribed")

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go keepAlive(sessionCtx, conn, opts.pingInterval, log)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		_ = handler(msg)
	}
}

// keepAlive sends the application level ping Bybit expects. A failed ping
// closes the connection so the read loop returns.
func keepAlive(ctx context.Context, conn *wsConn, interval time.Duration, log *logger.Entry) {
	if interval <= 0 {
		interval = defaultKeepAlive
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.send("ping", nil); err != nil {
				log.WithError(err).Warn("bybit ping failed")
				conn.Close()
				return
			}
		}
	}
}
