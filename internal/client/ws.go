package client

import (
	"context"
	"encoding/json"
	"errors"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/embuer/embuer/internal/update"
	"github.com/embuer/embuer/internal/ws"
)

const (
	writeTimeout = 10 * time.Second
	// The service pings every 30 seconds.
	pingTimeout = 75 * time.Second
)

// Watch calls fn with the current status and then once per transition, in
// order, from the calling goroutine. It returns ctx.Err() when ctx ends,
// ErrClientClosed after Close, and a Connection error when the stream is
// lost; a watcher dropped for being too slow also matches
// update.ErrWatcherTooSlow.
func (c *Client) Watch(ctx context.Context, fn func(update.Status)) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopOnClose := context.AfterFunc(c.closeCtx, cancel)
	defer stopOnClose()

	conn, _, err := c.dialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		if ctx.Err() != nil {
			return c.ctxErr(ctx)
		}
		return transportError("watch", err)
	}
	defer conn.Close()
	stopConn := context.AfterFunc(ctx, func() { conn.Close() })
	defer stopConn()

	conn.SetReadDeadline(time.Now().Add(pingTimeout))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(pingTimeout))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return c.ctxErr(ctx)
			}
			return watchError(err)
		}
		if !utf8.Valid(data) {
			return &Error{Kind: Encoding, Op: "watch", Err: errors.New("message is not valid UTF-8")}
		}

		var msg ws.WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return &Error{Kind: Encoding, Op: "watch", Err: err}
		}
		if msg.Type != ws.MsgStatus {
			continue
		}
		var st update.Status
		if err := json.Unmarshal(msg.Payload, &st); err != nil {
			return &Error{Kind: Encoding, Op: "watch", Err: err}
		}
		fn(st)
	}
}

func (c *Client) ctxErr(ctx context.Context) error {
	if c.closeCtx.Err() != nil {
		return ErrClientClosed
	}
	return ctx.Err()
}

func watchError(err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) && ce.Code == websocket.CloseTryAgainLater && ce.Text == update.ErrWatcherTooSlow.Error() {
		return &Error{Kind: Connection, Op: "watch", Err: update.ErrWatcherTooSlow}
	}
	return &Error{Kind: Connection, Op: "watch", Err: err}
}

// WatchWithRetry runs Watch and reconnects with exponential backoff when
// the stream is lost. Each reconnect starts with a fresh baseline. onRetry,
// if set, is told about every failure before the wait.
func (c *Client) WatchWithRetry(ctx context.Context, fn func(update.Status), onRetry func(error, time.Duration)) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0

	op := func() error {
		err := c.Watch(ctx, func(st update.Status) {
			bo.Reset()
			fn(st)
		})
		if KindOf(err) != Connection {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, d time.Duration) {
		c.log.Debugf("watch lost, retrying in %s: %v", d, err)
		if onRetry != nil {
			onRetry(err, d)
		}
	}

	merged, release := mergeDone(ctx, c.closeCtx)
	defer release()
	return backoff.RetryNotify(op, backoff.WithContext(bo, merged), notify)
}

// mergeDone returns a context that ends with either parent. release
// detaches it from other and must be called once the context is no longer
// used.
func mergeDone(ctx, other context.Context) (context.Context, func()) {
	merged, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(other, cancel)
	return merged, func() {
		stop()
		cancel()
	}
}

// Poll fetches the status every interval and calls fn whenever it changed.
// It is the fallback for environments where the watch stream is not
// available, and may miss intermediate transitions.
func (c *Client) Poll(ctx context.Context, interval time.Duration, fn func(update.Status)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last *update.Status
	for {
		st, err := c.Status(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if last == nil || st.Seq != last.Seq {
			fn(st)
			last = &st
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closeCtx.Done():
			return ErrClientClosed
		case <-ticker.C:
		}
	}
}
