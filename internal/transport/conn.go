package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/park285/chess-arena/internal/wire"
)

const (
	sendQueueSize = 32
	writeTimeout  = 5 * time.Second
)

var errSlowConsumer = errors.New("send queue full, dropping frame")

// wsConn adapts a websocket to hub.Conn. Writes go through a buffered
// queue drained by one pump goroutine, so wsjson.Write is never called
// concurrently and a stalled peer fails fast instead of blocking the
// session that broadcasts to it.
type wsConn struct {
	c     *websocket.Conn
	queue chan *wire.Outbound

	closeOnce sync.Once
	done      chan struct{}
}

func newWSConn(c *websocket.Conn) *wsConn {
	w := &wsConn{
		c:     c,
		queue: make(chan *wire.Outbound, sendQueueSize),
		done:  make(chan struct{}),
	}
	go w.pump()
	return w
}

func (w *wsConn) pump() {
	for {
		select {
		case <-w.done:
			return
		case msg := <-w.queue:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := wsjson.Write(ctx, w.c, msg)
			cancel()
			if err != nil {
				// The read loop notices the broken conn and unbinds;
				// nothing to do here but stop writing.
				w.shutdown()
				return
			}
		}
	}
}

func (w *wsConn) Send(_ context.Context, msg *wire.Outbound) error {
	select {
	case <-w.done:
		return errors.New("connection closed")
	default:
	}
	select {
	case w.queue <- msg:
		return nil
	default:
		return errSlowConsumer
	}
}

func (w *wsConn) shutdown() {
	w.closeOnce.Do(func() { close(w.done) })
}

func (w *wsConn) Close() error {
	w.shutdown()
	return w.c.Close(websocket.StatusNormalClosure, "bye")
}
