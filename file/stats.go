package file

import "time"

// rateWindowSeconds is the sliding window over which the instantaneous
// rate is computed.
const rateWindowSeconds = 5

// rateMeter tracks transfer throughput over a sliding window of one-second
// buckets plus a lifetime total. Callers hold the owning transfer's lock.
type rateMeter struct {
	startedAt time.Time
	total     uint64
	buckets   [rateWindowSeconds]uint64
	seconds   [rateWindowSeconds]int64
}

func newRateMeter(now time.Time) *rateMeter {
	return &rateMeter{startedAt: now}
}

// add records n transferred bytes.
func (m *rateMeter) add(n uint64, now time.Time) {
	m.total += n
	sec := now.Unix()
	slot := int(sec % rateWindowSeconds)
	if m.seconds[slot] != sec {
		m.seconds[slot] = sec
		m.buckets[slot] = 0
	}
	m.buckets[slot] += n
}

// instant returns the throughput over the last window in bytes per second.
func (m *rateMeter) instant(now time.Time) float64 {
	sec := now.Unix()
	var sum uint64
	for i := 0; i < rateWindowSeconds; i++ {
		if sec-m.seconds[i] < rateWindowSeconds {
			sum += m.buckets[i]
		}
	}
	return float64(sum) / rateWindowSeconds
}

// average returns the lifetime throughput in bytes per second.
func (m *rateMeter) average(now time.Time) float64 {
	elapsed := now.Sub(m.startedAt).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(m.total) / elapsed
}

// eta estimates the remaining time from the instantaneous rate.
func (m *rateMeter) eta(remaining uint64, now time.Time) time.Duration {
	rate := m.instant(now)
	if rate < 1 {
		rate = 1
	}
	return time.Duration(float64(remaining) / rate * float64(time.Second))
}

// Stats is the engine-wide transfer statistics aggregate.
type Stats struct {
	ActiveTransfers    int
	ActiveDirectories  int
	BytesSent          uint64
	BytesReceived      uint64
	CompletedTransfers int
	FailedTransfers    int
	CancelledTransfers int
}
