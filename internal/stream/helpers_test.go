package stream

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/gocast/livecast/internal/buffer"
)

// ---------------------------------------------------------
// TEST HELPERS
// ---------------------------------------------------------

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type received struct {
	kind      deliveryKind
	mediaType MediaType
	timestamp uint32
	payload   string
	meta      MetaData
	status    StreamStatus
}

// recordingTransport stores everything written to it. When gate is set,
// WritePacket blocks until the gate is closed or ctx is done.
type recordingTransport struct {
	mu       sync.Mutex
	received []received
	gate     chan struct{}
	fail     error
}

func (r *recordingTransport) WritePacket(ctx context.Context, pkt *Packet) error {
	if r.gate != nil {
		select {
		case <-r.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.received = append(r.received, received{
		kind:      deliverPacket,
		mediaType: pkt.Type,
		timestamp: pkt.Timestamp,
		payload:   string(pkt.Payload.Bytes()),
	})
	return nil
}

func (r *recordingTransport) WriteMetaData(ctx context.Context, meta MetaData) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.received = append(r.received, received{kind: deliverMetaData, meta: meta})
	return nil
}

func (r *recordingTransport) NotifyStatus(ctx context.Context, status StreamStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.received = append(r.received, received{kind: deliverStatus, status: status})
	return nil
}

func (r *recordingTransport) snapshot() []received {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]received(nil), r.received...)
}

// payloads returns the payloads of received media packets in order
func (r *recordingTransport) payloads() []string {
	var out []string
	for _, rec := range r.snapshot() {
		if rec.kind == deliverPacket {
			out = append(out, rec.payload)
		}
	}
	return out
}

// statuses returns the in-band statuses received in order
func (r *recordingTransport) statuses() []StreamStatus {
	var out []StreamStatus
	for _, rec := range r.snapshot() {
		if rec.kind == deliverStatus {
			out = append(out, rec.status)
		}
	}
	return out
}

func (r *recordingTransport) waitPackets(t *testing.T, n int) []string {
	t.Helper()
	waitFor(t, func() bool { return len(r.payloads()) >= n })
	return r.payloads()
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(time.Millisecond)
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// countingObserver counts delivery outcomes
type countingObserver struct {
	mu        sync.Mutex
	delivered int
	discarded int
	failed    int
}

func (o *countingObserver) PacketDelivered(StreamPath, int, time.Duration) {
	o.mu.Lock()
	o.delivered++
	o.mu.Unlock()
}

func (o *countingObserver) PacketDiscarded(StreamPath) {
	o.mu.Lock()
	o.discarded++
	o.mu.Unlock()
}

func (o *countingObserver) WriteFailed(StreamPath) {
	o.mu.Lock()
	o.failed++
	o.mu.Unlock()
}

func (o *countingObserver) counts() (int, int, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.delivered, o.discarded, o.failed
}

func newTestService(t *testing.T, cfg ServiceConfig) *Service {
	t.Helper()
	if cfg.Distribution.Policy == (DiscardPolicy{}) {
		cfg.Distribution.Policy = DefaultDiscardPolicy()
	}
	if cfg.Cache == (CacheLimits{}) {
		cfg.Cache = DefaultCacheLimits()
	}
	cfg.Logger = discardLogger()
	svc, err := NewService(cfg)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		svc.Close(ctx)
	})
	return svc
}

func mustPath(t *testing.T, raw string) StreamPath {
	t.Helper()
	path, _, err := ParsePath(raw)
	if err != nil {
		t.Fatalf("ParsePath(%q): %v", raw, err)
	}
	return path
}

// ingest rents a payload, hands it to the service and drops the caller claim
func ingest(t *testing.T, svc *Service, pool *buffer.Pool, pub *PublishContext, f Frame, payload string) {
	t.Helper()
	f.Payload = pool.RentCopy([]byte(payload))
	defer f.Payload.Release()
	if err := svc.Ingest(context.Background(), pub, f); err != nil {
		t.Fatalf("Ingest(%q): %v", payload, err)
	}
}

func ingestHeader(t *testing.T, svc *Service, pool *buffer.Pool, pub *PublishContext, mt MediaType, payload string) {
	t.Helper()
	b := pool.RentCopy([]byte(payload))
	defer b.Release()
	if err := svc.IngestSequenceHeader(context.Background(), pub, mt, b, 0); err != nil {
		t.Fatalf("IngestSequenceHeader(%q): %v", payload, err)
	}
}
