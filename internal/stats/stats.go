// Package stats collects livecast delivery statistics and exposes them in
// the Prometheus text format.
package stats

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gocast/livecast/internal/buffer"
	"github.com/gocast/livecast/internal/stream"
)

// pathCounters holds the per-stream delivery counters. The entry is
// dropped once the path has neither publisher nor subscribers.
type pathCounters struct {
	packetsDelivered uint64
	bytesDelivered   uint64
	packetsDiscarded uint64
	writeFailures    uint64

	publishing  bool
	subscribers int
}

// Recorder aggregates stream lifecycle events and delivery counters. It is
// registered both as the distribution Observer and as an event handler.
type Recorder struct {
	startTime time.Time

	mu           sync.RWMutex
	streamEvents map[string]uint64
	paths        map[stream.StreamPath]*pathCounters

	activePublishers  atomic.Int64
	activeSubscribers atomic.Int64
	peakSubscribers   atomic.Int64

	latency *Histogram
	pool    atomic.Pointer[buffer.Pool]
}

// New constructs an empty Recorder
func New() *Recorder {
	return &Recorder{
		startTime:    time.Now(),
		streamEvents: make(map[string]uint64),
		paths:        make(map[stream.StreamPath]*pathCounters),
		latency:      NewLatencyHistogram(),
	}
}

// TrackPool exports the rent and return counters of a buffer pool
func (r *Recorder) TrackPool(p *buffer.Pool) {
	r.pool.Store(p)
}

// Uptime returns how long the recorder has been running
func (r *Recorder) Uptime() time.Duration {
	return time.Since(r.startTime)
}

func (r *Recorder) counters(path stream.StreamPath) *pathCounters {
	c, ok := r.paths[path]
	if !ok {
		c = &pathCounters{}
		r.paths[path] = c
	}
	return c
}

// pruneLocked drops the counters of an idle path. Must be called with mu held.
func (r *Recorder) pruneLocked(path stream.StreamPath) {
	if c, ok := r.paths[path]; ok && !c.publishing && c.subscribers == 0 {
		delete(r.paths, path)
	}
}

func (r *Recorder) incrementStreamEvent(event string) {
	r.mu.Lock()
	r.streamEvents[event]++
	r.mu.Unlock()
}

// ----------------------------------------------------------------------------
// stream.Observer
// ----------------------------------------------------------------------------

// PacketDelivered counts a packet written to a subscriber transport
func (r *Recorder) PacketDelivered(path stream.StreamPath, bytes int, latency time.Duration) {
	r.mu.Lock()
	c := r.counters(path)
	c.packetsDelivered++
	c.bytesDelivered += uint64(bytes)
	r.mu.Unlock()

	r.latency.Observe(latency.Seconds())
}

// PacketDiscarded counts a skippable packet dropped for a lagging subscriber
func (r *Recorder) PacketDiscarded(path stream.StreamPath) {
	r.mu.Lock()
	r.counters(path).packetsDiscarded++
	r.mu.Unlock()
}

// WriteFailed counts a failed transport write
func (r *Recorder) WriteFailed(path stream.StreamPath) {
	r.mu.Lock()
	r.counters(path).writeFailures++
	r.mu.Unlock()
}

// ----------------------------------------------------------------------------
// stream.EventHandler
// ----------------------------------------------------------------------------

func (r *Recorder) OnPublish(_ context.Context, pub *stream.PublishContext) error {
	r.incrementStreamEvent("publish")
	r.activePublishers.Add(1)

	if pub != nil {
		r.mu.Lock()
		r.counters(pub.Path).publishing = true
		r.mu.Unlock()
	}
	return nil
}

func (r *Recorder) OnUnpublish(_ context.Context, pub *stream.PublishContext) error {
	r.incrementStreamEvent("unpublish")
	decrementGauge(&r.activePublishers)

	if pub != nil {
		r.mu.Lock()
		if c, ok := r.paths[pub.Path]; ok {
			c.publishing = false
			r.pruneLocked(pub.Path)
		}
		r.mu.Unlock()
	}
	return nil
}

func (r *Recorder) OnSubscribe(_ context.Context, sub *stream.SubscribeContext) error {
	r.incrementStreamEvent("subscribe")
	n := r.activeSubscribers.Add(1)

	if sub != nil {
		r.mu.Lock()
		r.counters(sub.Path).subscribers++
		r.mu.Unlock()
	}

	for {
		peak := r.peakSubscribers.Load()
		if n <= peak || r.peakSubscribers.CompareAndSwap(peak, n) {
			break
		}
	}
	return nil
}

func (r *Recorder) OnUnsubscribe(_ context.Context, sub *stream.SubscribeContext) error {
	r.incrementStreamEvent("unsubscribe")
	decrementGauge(&r.activeSubscribers)

	if sub != nil {
		r.mu.Lock()
		if c, ok := r.paths[sub.Path]; ok {
			if c.subscribers > 0 {
				c.subscribers--
			}
			r.pruneLocked(sub.Path)
		}
		r.mu.Unlock()
	}
	return nil
}

func decrementGauge(g *atomic.Int64) {
	for {
		current := g.Load()
		if current <= 0 {
			return
		}
		if g.CompareAndSwap(current, current-1) {
			return
		}
	}
}

// ----------------------------------------------------------------------------
// Snapshots
// ----------------------------------------------------------------------------

// PathStats is the delivery summary of one stream path
type PathStats struct {
	PacketsDelivered uint64 `json:"packets_delivered"`
	BytesDelivered   uint64 `json:"bytes_delivered"`
	PacketsDiscarded uint64 `json:"packets_discarded"`
	WriteFailures    uint64 `json:"write_failures"`
}

// Snapshot is a point-in-time copy of the recorder
type Snapshot struct {
	Timestamp         time.Time            `json:"timestamp"`
	Uptime            string               `json:"uptime"`
	ActivePublishers  int64                `json:"active_publishers"`
	ActiveSubscribers int64                `json:"active_subscribers"`
	PeakSubscribers   int64                `json:"peak_subscribers"`
	StreamEvents      map[string]uint64    `json:"stream_events"`
	Paths             map[string]PathStats `json:"paths"`
	Latency           HistogramStats       `json:"delivery_latency"`
	LatencyP99        float64              `json:"delivery_latency_p99"`
	Pool              *buffer.PoolStats    `json:"buffer_pool,omitempty"`
}

// Snapshot returns a copy of the current counters and gauges
func (r *Recorder) Snapshot() Snapshot {
	r.mu.RLock()
	events := make(map[string]uint64, len(r.streamEvents))
	for k, v := range r.streamEvents {
		events[k] = v
	}
	paths := make(map[string]PathStats, len(r.paths))
	for path, c := range r.paths {
		paths[path.String()] = PathStats{
			PacketsDelivered: c.packetsDelivered,
			BytesDelivered:   c.bytesDelivered,
			PacketsDiscarded: c.packetsDiscarded,
			WriteFailures:    c.writeFailures,
		}
	}
	r.mu.RUnlock()

	snap := Snapshot{
		Timestamp:         time.Now(),
		Uptime:            FormatDuration(r.Uptime()),
		ActivePublishers:  r.activePublishers.Load(),
		ActiveSubscribers: r.activeSubscribers.Load(),
		PeakSubscribers:   r.peakSubscribers.Load(),
		StreamEvents:      events,
		Paths:             paths,
		Latency:           r.latency.Stats(),
		LatencyP99:        r.latency.Percentile(99),
	}
	if p := r.pool.Load(); p != nil {
		st := p.Stats()
		snap.Pool = &st
	}
	return snap
}

// ----------------------------------------------------------------------------
// Prometheus exposition
// ----------------------------------------------------------------------------

// Handler exposes the Recorder as an http.Handler that writes Prometheus text
// exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the metrics in Prometheus text format with label sets
// sorted for stable output.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	events := sortedKeys(r.streamEvents)
	paths := r.sortedPaths()

	fmt.Fprintln(w, "# HELP livecast_stream_events_total Stream lifecycle events by type")
	fmt.Fprintln(w, "# TYPE livecast_stream_events_total counter")
	for _, event := range events {
		fmt.Fprintf(w, "livecast_stream_events_total{event=\"%s\"} %d\n", event, r.streamEvents[event])
	}

	writePathCounter(w, "livecast_packets_delivered_total", "Packets written to subscriber transports", paths, r.paths,
		func(c *pathCounters) uint64 { return c.packetsDelivered })
	writePathCounter(w, "livecast_bytes_delivered_total", "Payload bytes written to subscriber transports", paths, r.paths,
		func(c *pathCounters) uint64 { return c.bytesDelivered })
	writePathCounter(w, "livecast_packets_discarded_total", "Skippable packets dropped for lagging subscribers", paths, r.paths,
		func(c *pathCounters) uint64 { return c.packetsDiscarded })
	writePathCounter(w, "livecast_write_failures_total", "Failed subscriber transport writes", paths, r.paths,
		func(c *pathCounters) uint64 { return c.writeFailures })
	r.mu.RUnlock()

	fmt.Fprintln(w, "# HELP livecast_active_publishers Current number of publishing streams")
	fmt.Fprintln(w, "# TYPE livecast_active_publishers gauge")
	fmt.Fprintf(w, "livecast_active_publishers %d\n", r.activePublishers.Load())

	fmt.Fprintln(w, "# HELP livecast_active_subscribers Current number of subscribers")
	fmt.Fprintln(w, "# TYPE livecast_active_subscribers gauge")
	fmt.Fprintf(w, "livecast_active_subscribers %d\n", r.activeSubscribers.Load())

	fmt.Fprintln(w, "# HELP livecast_peak_subscribers Highest concurrent subscriber count since start")
	fmt.Fprintln(w, "# TYPE livecast_peak_subscribers gauge")
	fmt.Fprintf(w, "livecast_peak_subscribers %d\n", r.peakSubscribers.Load())

	bounds, counts, sum, count := r.latency.cumulative()
	fmt.Fprintln(w, "# HELP livecast_delivery_latency_seconds Time from enqueue to completed transport write")
	fmt.Fprintln(w, "# TYPE livecast_delivery_latency_seconds histogram")
	for i, le := range bounds {
		fmt.Fprintf(w, "livecast_delivery_latency_seconds_bucket{le=\"%g\"} %d\n", le, counts[i])
	}
	fmt.Fprintf(w, "livecast_delivery_latency_seconds_bucket{le=\"+Inf\"} %d\n", count)
	fmt.Fprintf(w, "livecast_delivery_latency_seconds_sum %f\n", sum)
	fmt.Fprintf(w, "livecast_delivery_latency_seconds_count %d\n", count)

	if p := r.pool.Load(); p != nil {
		st := p.Stats()
		fmt.Fprintln(w, "# HELP livecast_buffers_outstanding Pooled buffers still holding a claim")
		fmt.Fprintln(w, "# TYPE livecast_buffers_outstanding gauge")
		fmt.Fprintf(w, "livecast_buffers_outstanding %d\n", st.Outstanding)
		fmt.Fprintln(w, "# HELP livecast_buffers_rented_total Buffers rented from the pool")
		fmt.Fprintln(w, "# TYPE livecast_buffers_rented_total counter")
		fmt.Fprintf(w, "livecast_buffers_rented_total %d\n", st.Rented)
	}

	fmt.Fprintln(w, "# HELP livecast_uptime_seconds Seconds since the server started")
	fmt.Fprintln(w, "# TYPE livecast_uptime_seconds gauge")
	fmt.Fprintf(w, "livecast_uptime_seconds %f\n", r.Uptime().Seconds())
}

func writePathCounter(w io.Writer, name, help string, paths []stream.StreamPath, counters map[stream.StreamPath]*pathCounters, value func(*pathCounters) uint64) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s counter\n", name)
	for _, path := range paths {
		fmt.Fprintf(w, "%s{stream=\"%s\"} %d\n", name, escapeLabel(path.String()), value(counters[path]))
	}
}

func (r *Recorder) sortedPaths() []stream.StreamPath {
	paths := make([]stream.StreamPath, 0, len(r.paths))
	for path := range r.paths {
		paths = append(paths, path)
	}
	sort.Slice(paths, func(i, j int) bool { return paths[i].String() < paths[j].String() })
	return paths
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var labelEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)

func escapeLabel(v string) string {
	return labelEscaper.Replace(v)
}

// FormatBytes formats bytes into a human-readable string
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %ciB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// FormatDuration formats a duration into a human-readable string
func FormatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	case hours > 0:
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}
