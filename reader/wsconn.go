package reader

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"depthwatch/config"
	"depthwatch/logger"
)

const (
	defaultKeepAlive   = 20 * time.Second
	defaultReadTimeout = 60 * time.Second
)

// WSConn is a websocket connection with keepalive pings and a read deadline
// refreshed by every message and pong.
type WSConn struct {
	conn        *websocket.Conn
	log         *logger.Entry
	readTimeout time.Duration
	ping        time.Duration
	writeMu     sync.Mutex
	closeOnce   sync.Once
}

// DialWS opens url with the shared websocket settings.
func DialWS(ctx context.Context, url string, cfg config.WebsocketConfig, log *logger.Entry) (*WSConn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: cfg.HandshakeTimeout,
		Proxy:            websocket.DefaultDialer.Proxy,
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	c := &WSConn{
		conn:        conn,
		log:         log,
		readTimeout: cfg.ReadTimeout,
		ping:        cfg.PingInterval,
	}
	if c.readTimeout <= 0 {
		c.readTimeout = defaultReadTimeout
	}
	if c.ping <= 0 {
		c.ping = defaultKeepAlive
	}

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.readTimeout))
	})
	return c, nil
}

// WriteJSON sends v as a text frame.
func (c *WSConn) WriteJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteJSON(v)
}

// Serve runs the read loop until the connection fails, handle returns an
// error or ctx is cancelled. Cancelling ctx closes the connection so a
// blocked read returns immediately.
func (c *WSConn) Serve(ctx context.Context, handle func([]byte) error) error {
	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-serveCtx.Done()
		c.Close()
	}()
	c.startPingLoop(serveCtx, cancel)

	for {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if err := handle(msg); err != nil {
			return err
		}
	}
}

func (c *WSConn) startPingLoop(ctx context.Context, cancel context.CancelFunc) {
	ticker := time.NewTicker(c.ping)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.writeMu.Lock()
				err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second))
				c.writeMu.Unlock()
				if err != nil {
					c.log.WithError(err).Warn("failed to send websocket ping")
					cancel()
					return
				}
			}
		}
	}()
}

// Close closes the underlying connection once.
func (c *WSConn) Close() {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = c.conn.Close()
	})
}
