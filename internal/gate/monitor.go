package gate

import (
	"sort"
	"sync"
	"time"
)

// CallRecord is one authorized call, appended at the instant a token was
// granted.
type CallRecord struct {
	At    time.Time
	Label string
}

// CallerUsage aggregates per-label counts since the last reset (day start).
type CallerUsage struct {
	Label    string
	Count    int
	LastCall time.Time
}

// MinuteCount is one bucket of the trailing per-minute histogram.
type MinuteCount struct {
	Minute time.Time // truncated to the minute
	Count  int
}

// Stats is a derived view over the call log and aggregates. Everything is
// computed on demand from the stored records — there are no parallel
// counters to keep in sync.
type Stats struct {
	Today        int
	Last5Minutes int
	LastHour     int
	PerMinute    []MinuteCount // trailing hour, oldest first
	ByHourOfDay  [24]int       // current day only
	TopCallers   []CallerShare
	Recent       []CallRecord // most recent first
}

// CallerShare is a top-caller entry with its share of today's volume.
type CallerShare struct {
	Label   string
	Count   int
	Percent float64
}

// Monitor keeps a bounded ring of call records plus per-caller aggregates.
// Record is called with the limiter mutex held, so the monitor's own mutex
// only guards against concurrent Stats readers.
type Monitor struct {
	mu       sync.Mutex
	ring     []CallRecord
	next     int // ring insertion index
	size     int
	usage    map[string]*CallerUsage
	total    int // records since last reset, may exceed ring capacity
	nowFunc  func() time.Time
	capacity int
}

// NewMonitor creates a monitor retaining the most recent capacity calls.
func NewMonitor(capacity int) *Monitor {
	return &Monitor{
		ring:     make([]CallRecord, capacity),
		usage:    make(map[string]*CallerUsage),
		nowFunc:  time.Now,
		capacity: capacity,
	}
}

// Record appends one call for label, evicting the oldest past capacity.
func (m *Monitor) Record(label string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFunc()

	m.ring[m.next] = CallRecord{At: now, Label: label}
	m.next = (m.next + 1) % m.capacity

	if m.size < m.capacity {
		m.size++
	}

	agg := m.usage[label]
	if agg == nil {
		agg = &CallerUsage{Label: label}
		m.usage[label] = agg
	}

	agg.Count++
	agg.LastCall = now
	m.total++
}

// Reset clears the log and aggregates. Called by the quota on day rollover.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.next = 0
	m.size = 0
	m.usage = make(map[string]*CallerUsage)
	m.total = 0
}

// Total reports the number of calls recorded since the last reset.
func (m *Monitor) Total() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.total
}

// Stats derives rolling statistics: topN limits the caller leaderboard and
// tail the recent-call listing.
func (m *Monitor) Stats(topN, tail int) Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFunc()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	var s Stats
	s.Today = m.total

	minuteCounts := make(map[time.Time]int)

	for _, rec := range m.records() {
		age := now.Sub(rec.At)

		if age <= 5*time.Minute {
			s.Last5Minutes++
		}

		if age <= time.Hour {
			s.LastHour++
			minuteCounts[rec.At.Truncate(time.Minute)]++
		}

		if !rec.At.Before(dayStart) {
			s.ByHourOfDay[rec.At.Hour()]++
		}
	}

	s.PerMinute = sortedMinutes(minuteCounts)
	s.TopCallers = m.topCallersLocked(topN)
	s.Recent = m.recentLocked(tail)

	return s
}

// records returns the ring contents oldest first. Caller holds the mutex.
func (m *Monitor) records() []CallRecord {
	out := make([]CallRecord, 0, m.size)

	start := m.next - m.size
	if start < 0 {
		start += m.capacity
	}

	for i := range m.size {
		out = append(out, m.ring[(start+i)%m.capacity])
	}

	return out
}

// topCallersLocked ranks labels by count with percentage of today's total.
func (m *Monitor) topCallersLocked(n int) []CallerShare {
	shares := make([]CallerShare, 0, len(m.usage))

	for _, agg := range m.usage {
		share := CallerShare{Label: agg.Label, Count: agg.Count}
		if m.total > 0 {
			share.Percent = float64(agg.Count) / float64(m.total) * 100
		}

		shares = append(shares, share)
	}

	sort.Slice(shares, func(i, j int) bool {
		if shares[i].Count != shares[j].Count {
			return shares[i].Count > shares[j].Count
		}

		return shares[i].Label < shares[j].Label
	})

	if len(shares) > n {
		shares = shares[:n]
	}

	return shares
}

// recentLocked returns up to n records, most recent first.
func (m *Monitor) recentLocked(n int) []CallRecord {
	recs := m.records()

	if len(recs) > n {
		recs = recs[len(recs)-n:]
	}

	// Reverse in place so the newest call leads.
	for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
		recs[i], recs[j] = recs[j], recs[i]
	}

	return recs
}

// sortedMinutes flattens the histogram map into chronological buckets.
func sortedMinutes(counts map[time.Time]int) []MinuteCount {
	out := make([]MinuteCount, 0, len(counts))

	for minute, count := range counts {
		out = append(out, MinuteCount{Minute: minute, Count: count})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Minute.Before(out[j].Minute) })

	return out
}
