package device

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"s9_miner/device/asicio"
)

type EventKind int

const (
	EventStateChange EventKind = iota
	EventFault
	EventVoltageFault
	EventCorrelationAnomaly
	EventTiming
)

func (k EventKind) String() string {
	switch k {
	case EventStateChange:
		return "state"
	case EventFault:
		return "fault"
	case EventVoltageFault:
		return "voltage-fault"
	case EventCorrelationAnomaly:
		return "correlation-anomaly"
	case EventTiming:
		return "timing"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is a fault or status notification from one chain.
type Event struct {
	HashboardIdx int
	Kind         EventKind
	State        ChainState
	Message      string
	Err          error
	Timestamp    time.Time
}

func (e Event) String() string {
	s := fmt.Sprintf("chain %d %s", e.HashboardIdx, e.Kind)
	if e.Kind == EventStateChange {
		s += " " + e.State.String()
	}
	if e.Message != "" {
		s += ": " + e.Message
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

// Monitor is an unbounded event channel. Senders never block; a pump
// goroutine hands queued events to the consumer in order.
type Monitor struct {
	queue  *asicio.Fifo[Event]
	notify chan struct{}
	out    chan Event
	// pushed but not yet handed to a consumer
	undelivered atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
	stopped   chan struct{}
}

func NewMonitor() *Monitor {
	m := &Monitor{
		queue:   asicio.NewFifo[Event](),
		notify:  make(chan struct{}, 1),
		out:     make(chan Event),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go m.pump()
	return m
}

func (m *Monitor) pump() {
	defer close(m.stopped)
	defer close(m.out)
	for {
		ev, ok := m.queue.Pop()
		if !ok {
			select {
			case <-m.notify:
				continue
			case <-m.done:
				return
			}
		}
		select {
		case m.out <- ev:
			m.undelivered.Add(-1)
		case <-m.done:
			return
		}
	}
}

func (m *Monitor) push(ev Event) {
	select {
	case <-m.done:
		return
	default:
	}
	m.undelivered.Add(1)
	m.queue.Push(ev)
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// Events is closed after Close.
func (m *Monitor) Events() <-chan Event {
	return m.out
}

// Pending returns the number of events not yet delivered.
func (m *Monitor) Pending() int {
	return int(m.undelivered.Load())
}

// Sender returns the sending side for one chain.
func (m *Monitor) Sender(hashboardIdx int) *MonitorSender {
	return &MonitorSender{mon: m, hashboardIdx: hashboardIdx}
}

// Close stops delivery. Undelivered events are dropped.
func (m *Monitor) Close() {
	m.closeOnce.Do(func() {
		close(m.done)
		<-m.stopped
	})
}

// MonitorSender stamps events with the chain they come from. A nil sender
// drops everything.
type MonitorSender struct {
	mon          *Monitor
	hashboardIdx int
}

func (s *MonitorSender) Send(ev Event) {
	if s == nil || s.mon == nil {
		return
	}
	ev.HashboardIdx = s.hashboardIdx
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	s.mon.push(ev)
}

// Flush hands every event sent so far to fn and returns once none is
// pending, or when the monitor is closed.
func (m *Monitor) Flush(fn func(Event)) {
	for m.Pending() > 0 {
		select {
		case ev, ok := <-m.out:
			if !ok {
				return
			}
			fn(ev)
		case <-m.done:
			return
		case <-time.After(time.Millisecond):
		}
	}
}

// Drain reads events until ctx is done or the monitor is closed.
func (m *Monitor) Drain(ctx context.Context, fn func(Event)) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-m.out:
			if !ok {
				return
			}
			fn(ev)
		}
	}
}
