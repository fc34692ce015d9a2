package ddp

import (
	"sync"
	"time"

	"github.com/patdz/ddp/proto"
)

// heartbeat pings the server after an idle interval and reports a timeout
// when nothing comes back.
type heartbeat struct {
	interval  time.Duration
	timeout   time.Duration
	sendPing  func()
	onTimeout func()

	mu            sync.Mutex
	intervalTimer *time.Timer
	timeoutTimer  *time.Timer
	gen           uint64
	stopped       bool
}

func (h *heartbeat) start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.startIntervalTimer()
}

func (h *heartbeat) stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = true
	h.clearTimers()
}

// messageReceived counts any inbound frame as a pong.
func (h *heartbeat) messageReceived() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}
	h.clearTimers()
	h.startIntervalTimer()
}

func (h *heartbeat) clearTimers() {
	h.gen++
	if h.intervalTimer != nil {
		h.intervalTimer.Stop()
		h.intervalTimer = nil
	}
	if h.timeoutTimer != nil {
		h.timeoutTimer.Stop()
		h.timeoutTimer = nil
	}
}

// Timers carry the generation they were started in; a timer from an older
// generation fires into nothing.
func (h *heartbeat) startIntervalTimer() {
	gen := h.gen
	h.intervalTimer = time.AfterFunc(h.interval, func() { h.intervalFired(gen) })
}

func (h *heartbeat) intervalFired(gen uint64) {
	h.mu.Lock()
	if h.stopped || h.gen != gen {
		h.mu.Unlock()
		return
	}
	h.intervalTimer = nil
	h.timeoutTimer = time.AfterFunc(h.timeout, func() { h.timeoutFired(gen) })
	h.mu.Unlock()
	h.sendPing()
}

func (h *heartbeat) timeoutFired(gen uint64) {
	h.mu.Lock()
	if h.stopped || h.gen != gen {
		h.mu.Unlock()
		return
	}
	h.timeoutTimer = nil
	h.stopped = true
	h.mu.Unlock()
	h.onTimeout()
}

func (c *Connection) startHeartbeat() {
	c.stopHeartbeat()
	c.heartbeat = &heartbeat{
		interval: c.opts.HeartbeatInterval,
		timeout:  c.opts.HeartbeatTimeout,
		sendPing: func() {
			c.mu.Lock()
			defer c.unlock()
			if !c.closed {
				c.send(&proto.Message{Kind: proto.KindPing})
			}
		},
		onTimeout: func() {
			c.log.Warn("DDP heartbeat timed out")
			c.transport.LostConnection(&proto.ConnectionError{Msg: "DDP heartbeat timed out"})
		},
	}
	c.heartbeat.start()
}

func (c *Connection) stopHeartbeat() {
	if c.heartbeat != nil {
		c.heartbeat.stop()
		c.heartbeat = nil
	}
}
