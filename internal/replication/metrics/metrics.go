package metrics

import (
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zhangyunhao116/skipmap"
)

// Metrics collects performance metrics of the replicated logs of one process. It
// implements replication.MetricsCollector and is safe for concurrent use.
type Metrics struct {
	mu sync.RWMutex

	// Commit latencies (time from insert to commit)
	commitLatencies []time.Duration
	// Round trip of AppendEntries requests, including rejected ones
	requestLatencies []time.Duration

	// Request counters
	appendEntriesCount atomic.Uint64
	heartbeatCount     atomic.Uint64

	// Throughput tracking
	inserts           atomic.Uint64
	commandsCommitted atomic.Uint64
	startTime         time.Time

	// rejections per AppendEntries error reason
	rejections *skipmap.FuncMap[string, *atomic.Uint64]
}

// NewMetrics creates a new metrics collector
func NewMetrics() *Metrics {
	return &Metrics{
		commitLatencies:  make([]time.Duration, 0, 10000), // Pre-allocate for performance
		requestLatencies: make([]time.Duration, 0, 10000),
		startTime:        time.Now(),
		rejections:       newReasonMap(),
	}
}

func newReasonMap() *skipmap.FuncMap[string, *atomic.Uint64] {
	return skipmap.NewFunc[string, *atomic.Uint64](func(a, b string) bool { return a < b })
}

// RecordInsert counts an entry accepted by a leader
func (m *Metrics) RecordInsert() {
	m.inserts.Add(1)
}

// RecordCommandCommitted increments the count of committed entries
func (m *Metrics) RecordCommandCommitted() {
	m.commandsCommitted.Add(1)
}

// RecordCommitLatency records the latency of a single entry from insert to commit
func (m *Metrics) RecordCommitLatency(latency time.Duration) {
	m.mu.Lock()
	m.commitLatencies = append(m.commitLatencies, latency)
	m.mu.Unlock()
}

func (m *Metrics) RecordAppendEntries() {
	m.appendEntriesCount.Add(1)
}

func (m *Metrics) RecordHeartbeat() {
	m.heartbeatCount.Add(1)
}

func (m *Metrics) RecordRequestLatency(latency time.Duration) {
	m.mu.Lock()
	m.requestLatencies = append(m.requestLatencies, latency)
	m.mu.Unlock()
}

// RecordRejection counts an AppendEntries rejection, on either side of the exchange
func (m *Metrics) RecordRejection(reason string) {
	counter, _ := m.reasons().LoadOrStore(reason, new(atomic.Uint64))
	counter.Add(1)
}

func (m *Metrics) reasons() *skipmap.FuncMap[string, *atomic.Uint64] {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rejections
}

// LatencyStats contains percentile statistics for latencies
type LatencyStats struct {
	Count  int     `json:"count"`
	Min    float64 `json:"min_ms"`
	Max    float64 `json:"max_ms"`
	Mean   float64 `json:"mean_ms"`
	P50    float64 `json:"p50_ms"`
	P95    float64 `json:"p95_ms"`
	P99    float64 `json:"p99_ms"`
	StdDev float64 `json:"stddev_ms"`
}

// GetCommitLatencyStats computes percentile statistics of the insert to commit latency
func (m *Metrics) GetCommitLatencyStats() LatencyStats {
	m.mu.RLock()
	latencies := append([]time.Duration(nil), m.commitLatencies...)
	m.mu.RUnlock()
	return computeStats(latencies)
}

// GetRequestLatencyStats computes percentile statistics of the AppendEntries round trip
func (m *Metrics) GetRequestLatencyStats() LatencyStats {
	m.mu.RLock()
	latencies := append([]time.Duration(nil), m.requestLatencies...)
	m.mu.RUnlock()
	return computeStats(latencies)
}

func computeStats(latencies []time.Duration) LatencyStats {
	if len(latencies) == 0 {
		return LatencyStats{}
	}

	sort.Slice(latencies, func(i, j int) bool {
		return latencies[i] < latencies[j]
	})

	// Convert to milliseconds
	latenciesMs := make([]float64, len(latencies))
	var sum float64
	for i, lat := range latencies {
		ms := float64(lat.Microseconds()) / 1000.0
		latenciesMs[i] = ms
		sum += ms
	}

	mean := sum / float64(len(latenciesMs))

	var variance float64
	for _, lat := range latenciesMs {
		diff := lat - mean
		variance += diff * diff
	}
	stddev := math.Sqrt(variance / float64(len(latenciesMs)))

	return LatencyStats{
		Count:  len(latencies),
		Min:    latenciesMs[0],
		Max:    latenciesMs[len(latenciesMs)-1],
		Mean:   mean,
		P50:    percentile(latenciesMs, 50),
		P95:    percentile(latenciesMs, 95),
		P99:    percentile(latenciesMs, 99),
		StdDev: stddev,
	}
}

// percentile calculates the nth percentile from sorted data
func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	index := float64(p) / 100.0 * float64(len(sorted)-1)
	lower := int(math.Floor(index))
	upper := int(math.Ceil(index))
	if lower == upper {
		return sorted[lower]
	}
	// Linear interpolation
	weight := index - float64(lower)
	return sorted[lower]*(1-weight) + sorted[upper]*weight
}

// GetThroughput returns the current throughput in committed entries per second
func (m *Metrics) GetThroughput() float64 {
	m.mu.RLock()
	start := m.startTime
	m.mu.RUnlock()
	elapsed := time.Since(start).Seconds()
	if elapsed == 0 {
		return 0
	}
	return float64(m.commandsCommitted.Load()) / elapsed
}

// Rejections returns the number of rejections per reason
func (m *Metrics) Rejections() map[string]uint64 {
	reasons := m.reasons()
	out := make(map[string]uint64, reasons.Len())
	reasons.Range(func(reason string, counter *atomic.Uint64) bool {
		out[reason] = counter.Load()
		return true
	})
	return out
}

// Report contains all collected metrics
type Report struct {
	Duration  float64   `json:"duration_seconds"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`

	// Throughput metrics
	Inserts           uint64  `json:"inserts"`
	CommandsCommitted uint64  `json:"commands_committed"`
	ThroughputCmdSec  float64 `json:"throughput_cmd_per_sec"`

	// Latency metrics
	CommitLatency  LatencyStats `json:"commit_latency"`
	RequestLatency LatencyStats `json:"request_latency"`

	// Network metrics
	AppendEntriesCount uint64            `json:"append_entries_count"`
	HeartbeatCount     uint64            `json:"heartbeat_count"`
	Rejections         map[string]uint64 `json:"rejections"`
}

// GetReport generates a snapshot of everything collected since the last reset
func (m *Metrics) GetReport() Report {
	m.mu.RLock()
	start := m.startTime
	m.mu.RUnlock()
	endTime := time.Now()

	return Report{
		Duration:           endTime.Sub(start).Seconds(),
		StartTime:          start,
		EndTime:            endTime,
		Inserts:            m.inserts.Load(),
		CommandsCommitted:  m.commandsCommitted.Load(),
		ThroughputCmdSec:   m.GetThroughput(),
		CommitLatency:      m.GetCommitLatencyStats(),
		RequestLatency:     m.GetRequestLatencyStats(),
		AppendEntriesCount: m.appendEntriesCount.Load(),
		HeartbeatCount:     m.heartbeatCount.Load(),
		Rejections:         m.Rejections(),
	}
}

// PrintReport writes the report in a human-readable format
func (r *Report) PrintReport(w io.Writer) {
	line := strings.Repeat("=", 60)
	fmt.Fprintln(w, line)
	fmt.Fprintln(w, "REPLICATED LOG REPORT")
	fmt.Fprintln(w, line)
	fmt.Fprintf(w, "  Duration: %.2f seconds\n", r.Duration)
	fmt.Fprintf(w, "  Start: %s\n", r.StartTime.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(w, "  End: %s\n", r.EndTime.Format("2006-01-02 15:04:05"))

	fmt.Fprintf(w, "\nThroughput:\n")
	fmt.Fprintf(w, "  Inserted: %d\n", r.Inserts)
	fmt.Fprintf(w, "  Committed: %d\n", r.CommandsCommitted)
	fmt.Fprintf(w, "  Throughput: %.2f entries/sec\n", r.ThroughputCmdSec)

	printLatency(w, "Commit Latency (insert to commit)", r.CommitLatency)
	printLatency(w, "AppendEntries Round Trip", r.RequestLatency)

	fmt.Fprintf(w, "\nRequests:\n")
	fmt.Fprintf(w, "  AppendEntries: %d\n", r.AppendEntriesCount)
	fmt.Fprintf(w, "  Heartbeats: %d\n", r.HeartbeatCount)
	if len(r.Rejections) > 0 {
		reasons := make([]string, 0, len(r.Rejections))
		for reason := range r.Rejections {
			reasons = append(reasons, reason)
		}
		sort.Strings(reasons)
		fmt.Fprintf(w, "\nRejections:\n")
		for _, reason := range reasons {
			fmt.Fprintf(w, "  %s: %d\n", reason, r.Rejections[reason])
		}
	}
	fmt.Fprintln(w, line)
}

func printLatency(w io.Writer, title string, s LatencyStats) {
	fmt.Fprintf(w, "\n%s:\n", title)
	if s.Count == 0 {
		fmt.Fprintf(w, "  No data collected\n")
		return
	}
	fmt.Fprintf(w, "  Count: %d\n", s.Count)
	fmt.Fprintf(w, "  Min: %.3f ms\n", s.Min)
	fmt.Fprintf(w, "  Mean: %.3f ms\n", s.Mean)
	fmt.Fprintf(w, "  P50: %.3f ms\n", s.P50)
	fmt.Fprintf(w, "  P95: %.3f ms\n", s.P95)
	fmt.Fprintf(w, "  P99: %.3f ms\n", s.P99)
	fmt.Fprintf(w, "  Max: %.3f ms\n", s.Max)
	fmt.Fprintf(w, "  StdDev: %.3f ms\n", s.StdDev)
}

// Reset clears all collected metrics
func (m *Metrics) Reset() {
	m.mu.Lock()
	m.commitLatencies = make([]time.Duration, 0, 10000)
	m.requestLatencies = make([]time.Duration, 0, 10000)
	m.startTime = time.Now()
	m.rejections = newReasonMap()
	m.mu.Unlock()

	m.appendEntriesCount.Store(0)
	m.heartbeatCount.Store(0)
	m.inserts.Store(0)
	m.commandsCommitted.Store(0)
}
