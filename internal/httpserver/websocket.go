package httpserver

import (
	"errors"
	"log/slog"
	"net"
	"sync/atomic"

	"github.com/coder/websocket"
)

// closeWebsocket sends a close frame. A peer that already went away is not
// worth a log line.
func closeWebsocket(logger *slog.Logger, conn *websocket.Conn, status websocket.StatusCode, reason string) {
	if conn == nil {
		return
	}
	err := conn.Close(status, reason)
	if err == nil || errors.Is(err, net.ErrClosed) || websocket.CloseStatus(err) != -1 {
		return
	}
	if logger != nil {
		logger.Debug("websocket close failed", "status", status, "err", err)
	}
}

// wsOutbound is a per-connection send queue that drops the oldest message
// when full.
type wsOutbound struct {
	ch     chan []byte
	closed atomic.Bool
	drops  *atomic.Uint64
}

func newWSOutbound(size int, dropCounter *atomic.Uint64) *wsOutbound {
	if size <= 0 {
		size = 1
	}
	return &wsOutbound{
		ch:    make(chan []byte, size),
		drops: dropCounter,
	}
}

// enqueue is only called from the connection's handler goroutine, which is
// also the only caller of close.
func (o *wsOutbound) enqueue(msg []byte) bool {
	if o.closed.Load() {
		o.countDrop()
		return false
	}

	select {
	case o.ch <- msg:
		return true
	default:
	}

	// Drop oldest to make room.
	select {
	case <-o.ch:
		o.countDrop()
	default:
	}

	select {
	case o.ch <- msg:
		return true
	default:
		o.countDrop()
		return false
	}
}

func (o *wsOutbound) close() {
	if o.closed.CompareAndSwap(false, true) {
		close(o.ch)
	}
}

func (o *wsOutbound) channel() <-chan []byte {
	return o.ch
}

func (o *wsOutbound) countDrop() {
	if o.drops != nil {
		o.drops.Add(1)
	}
}
