package eventsink

import "sync/atomic"

// sinkMetrics tracks connection and publish health for one broker-backed
// sink, mirrored in the teacher's BrokerMetrics shape.
type sinkMetrics struct {
	connectAttempts   int64
	connectFailures   int64
	connectSuccesses  int64
	publishSuccesses  int64
	publishFailures   int64
}

func (m *sinkMetrics) recordConnectAttempt()  { atomic.AddInt64(&m.connectAttempts, 1) }
func (m *sinkMetrics) recordConnectFailure()  { atomic.AddInt64(&m.connectFailures, 1) }
func (m *sinkMetrics) recordConnectSuccess()  { atomic.AddInt64(&m.connectSuccesses, 1) }

func (m *sinkMetrics) recordPublish(ok bool) {
	if ok {
		atomic.AddInt64(&m.publishSuccesses, 1)
		return
	}
	atomic.AddInt64(&m.publishFailures, 1)
}

// Snapshot is the externally-visible metrics for one sink.
type Snapshot struct {
	ConnectAttempts  int64
	ConnectFailures  int64
	ConnectSuccesses int64
	PublishSuccesses int64
	PublishFailures  int64
}

func (m *sinkMetrics) snapshot() Snapshot {
	return Snapshot{
		ConnectAttempts:  atomic.LoadInt64(&m.connectAttempts),
		ConnectFailures:  atomic.LoadInt64(&m.connectFailures),
		ConnectSuccesses: atomic.LoadInt64(&m.connectSuccesses),
		PublishSuccesses: atomic.LoadInt64(&m.publishSuccesses),
		PublishFailures:  atomic.LoadInt64(&m.publishFailures),
	}
}
