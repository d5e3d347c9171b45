// Package heartbeat runs one liveness task per socket: send a ping on a
// fixed interval, and terminate the socket if no pong has arrived within
// the timeout window. It touches only the socket it was started for and
// shares no mutable state with the room actor beyond that socket handle.
package heartbeat

import (
	"errors"
	"sync"
	"time"
)

// ErrInvalidTimeouts is returned by Start when pongTimeoutMs < pingIntervalMs.
var ErrInvalidTimeouts = errors.New("heartbeat: pongTimeoutMs must be >= pingIntervalMs")

// Pinger sends a liveness ping over the socket this Monitor is watching.
// Implementations are the channel-handshake layer's socket wrapper.
type Pinger interface {
	SendPing() error
}

// Monitor is a running liveness task for one socket.
type Monitor struct {
	pingInterval time.Duration
	pongTimeout  time.Duration
	pinger       Pinger
	onTimeout    func()

	mu         sync.Mutex
	lastPongAt time.Time
	stopped    bool
	done       chan struct{}
}

// Start begins a liveness task: every pingIntervalMs, call pinger.SendPing;
// if no Pong() call has landed within pongTimeoutMs of the last one (or of
// Start, before the first pong), onTimeout is invoked once and the task
// stops itself. Returns ErrInvalidTimeouts if pongTimeoutMs < pingIntervalMs.
func Start(pingIntervalMs, pongTimeoutMs int64, pinger Pinger, onTimeout func()) (*Monitor, error) {
	if pongTimeoutMs < pingIntervalMs {
		return nil, ErrInvalidTimeouts
	}
	m := &Monitor{
		pingInterval: time.Duration(pingIntervalMs) * time.Millisecond,
		pongTimeout:  time.Duration(pongTimeoutMs) * time.Millisecond,
		pinger:       pinger,
		onTimeout:    onTimeout,
		lastPongAt:   time.Now(),
		done:         make(chan struct{}),
	}
	go m.run()
	return m, nil
}

func (m *Monitor) run() {
	ticker := time.NewTicker(m.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.mu.Lock()
			stopped := m.stopped
			lastPong := m.lastPongAt
			m.mu.Unlock()
			if stopped {
				return
			}

			if time.Since(lastPong) > m.pongTimeout {
				m.Stop()
				if m.onTimeout != nil {
					m.onTimeout()
				}
				return
			}

			_ = m.pinger.SendPing()
		}
	}
}

// Pong records that a pong was received just now, resetting the timeout
// window.
func (m *Monitor) Pong() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	m.lastPongAt = time.Now()
}

// Stop ends the liveness task. Safe to call more than once and safe to call
// from within the onTimeout callback.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	m.stopped = true
	close(m.done)
}
