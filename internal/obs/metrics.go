package obs

import (
	"sync/atomic"
	"time"

	"main/internal/schema"
)

const (
	maxEventType   = int(schema.EventTimer)
	maxAdmitReason = int(schema.AdmitReasonValidation)
)

// Metrics collects lightweight counters and latency stats.
type Metrics struct {
	eventCounts       [maxEventType + 1]uint64
	admitRejectCounts [maxAdmitReason + 1]uint64
	queueDrops        uint64
	queueClosed       uint64
	sendFailures      uint64
	massCancels       uint64

	eventLatency     LatencyStats
	orderFlowLatency LatencyStats
	ackLatency       LatencyStats
}

// LatencyStats aggregates duration samples in nanoseconds.
type LatencyStats struct {
	count uint64
	sum   uint64
	min   uint64
	max   uint64
}

// LatencySnapshot is a point-in-time view of latency stats.
type LatencySnapshot struct {
	Count uint64
	Min   time.Duration
	Max   time.Duration
	Avg   time.Duration
}

// Snapshot captures the current metrics values.
type Snapshot struct {
	EventCounts       map[schema.EventType]uint64
	AdmitRejectCounts map[schema.AdmitReason]uint64
	QueueDrops        uint64
	QueueClosed       uint64
	SendFailures      uint64
	MassCancels       uint64
	EventLatency      LatencySnapshot
	OrderFlowLatency  LatencySnapshot
	AckLatency        LatencySnapshot
}

// NewMetrics allocates a metrics container.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// ObserveEvent increments counters and tracks event latency when timestamps are present.
func (m *Metrics) ObserveEvent(header schema.EventHeader) {
	if m == nil {
		return
	}
	idx := int(header.Type)
	if idx >= 0 && idx < len(m.eventCounts) {
		atomic.AddUint64(&m.eventCounts[idx], 1)
	}
	if header.TsEvent > 0 && header.TsRecv > 0 {
		delta := header.TsRecv - header.TsEvent
		if delta >= 0 {
			m.eventLatency.Observe(time.Duration(delta))
		}
	}
}

// IncAdmitReject increments the admission rejection counter.
func (m *Metrics) IncAdmitReject(reason schema.AdmitReason) {
	if m == nil {
		return
	}
	idx := int(reason)
	if idx >= 0 && idx < len(m.admitRejectCounts) {
		atomic.AddUint64(&m.admitRejectCounts[idx], 1)
	}
}

// IncQueueDrop records a queue drop.
func (m *Metrics) IncQueueDrop() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.queueDrops, 1)
}

// IncQueueClosed records a closed-queue publish attempt.
func (m *Metrics) IncQueueClosed() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.queueClosed, 1)
}

// IncSendFailure records a request the pool could not transmit.
func (m *Metrics) IncSendFailure() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.sendFailures, 1)
}

// IncMassCancel records a safe-mode mass cancellation.
func (m *Metrics) IncMassCancel() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.massCancels, 1)
}

// ObserveOrderFlow measures strategy-call-to-wire latency.
func (m *Metrics) ObserveOrderFlow(d time.Duration) {
	if m == nil {
		return
	}
	m.orderFlowLatency.Observe(d)
}

// ObserveAck measures wire-send-to-acknowledgment latency.
func (m *Metrics) ObserveAck(d time.Duration) {
	if m == nil {
		return
	}
	m.ackLatency.Observe(d)
}

// Snapshot returns a copy of the current metrics values.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	eventCounts := make(map[schema.EventType]uint64)
	for i := range m.eventCounts {
		if v := atomic.LoadUint64(&m.eventCounts[i]); v > 0 {
			eventCounts[schema.EventType(i)] = v
		}
	}
	admitCounts := make(map[schema.AdmitReason]uint64)
	for i := range m.admitRejectCounts {
		if v := atomic.LoadUint64(&m.admitRejectCounts[i]); v > 0 {
			admitCounts[schema.AdmitReason(i)] = v
		}
	}
	return Snapshot{
		EventCounts:       eventCounts,
		AdmitRejectCounts: admitCounts,
		QueueDrops:        atomic.LoadUint64(&m.queueDrops),
		QueueClosed:       atomic.LoadUint64(&m.queueClosed),
		SendFailures:      atomic.LoadUint64(&m.sendFailures),
		MassCancels:       atomic.LoadUint64(&m.massCancels),
		EventLatency:      m.eventLatency.Snapshot(),
		OrderFlowLatency:  m.orderFlowLatency.Snapshot(),
		AckLatency:        m.ackLatency.Snapshot(),
	}
}

// Observe records a duration sample.
func (l *LatencyStats) Observe(d time.Duration) {
	if d < 0 {
		return
	}
	nanos := uint64(d)
	atomic.AddUint64(&l.count, 1)
	atomic.AddUint64(&l.sum, nanos)

	for {
		min := atomic.LoadUint64(&l.min)
		if min != 0 && nanos >= min {
			break
		}
		if atomic.CompareAndSwapUint64(&l.min, min, nanos) {
			break
		}
	}

	for {
		max := atomic.LoadUint64(&l.max)
		if nanos <= max {
			break
		}
		if atomic.CompareAndSwapUint64(&l.max, max, nanos) {
			break
		}
	}
}

// Snapshot returns the aggregated latency stats.
func (l *LatencyStats) Snapshot() LatencySnapshot {
	count := atomic.LoadUint64(&l.count)
	if count == 0 {
		return LatencySnapshot{}
	}
	sum := atomic.LoadUint64(&l.sum)
	min := atomic.LoadUint64(&l.min)
	max := atomic.LoadUint64(&l.max)
	return LatencySnapshot{
		Count: count,
		Min:   time.Duration(min),
		Max:   time.Duration(max),
		Avg:   time.Duration(sum / count),
	}
}
