package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gocast/livecast/internal/buffer"
)

func newTestDistributor(t *testing.T, cfg DistributorConfig, observer Observer) *Distributor {
	t.Helper()
	if cfg.Policy == (DiscardPolicy{}) {
		cfg.Policy = DefaultDiscardPolicy()
	}
	d, err := NewDistributor(cfg, observer, discardLogger())
	if err != nil {
		t.Fatalf("NewDistributor: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := d.Close(ctx); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return d
}

// liveSubscriber returns a completed subscribe context
func liveSubscriber(conn ConnectionID, opts SubscribeOptions) *SubscribeContext {
	sub := newSubscribeContext("/live/test", conn, "", nil, opts)
	sub.Complete()
	return sub
}

func TestNewDistributorRejectsInvalidPolicy(t *testing.T) {
	_, err := NewDistributor(DistributorConfig{
		Policy: DiscardPolicy{MaxSize: 10, MaxCount: 10, TargetSize: 20, TargetCount: 5},
	}, nil, discardLogger())
	if !errors.Is(err, ErrInvalidThresholds) {
		t.Errorf("NewDistributor error = %v, want ErrInvalidThresholds", err)
	}
}

func TestBroadcastClaimsPerSubscriber(t *testing.T) {
	pool := buffer.NewPool()
	d := newTestDistributor(t, DistributorConfig{}, nil)

	gate := make(chan struct{})
	normal := &recordingTransport{gate: gate}
	other := &recordingTransport{gate: gate}
	failing := &recordingTransport{gate: gate, fail: errors.New("broken pipe")}
	audioOnly := &recordingTransport{gate: gate}

	subs := []*SubscribeContext{
		liveSubscriber("normal", DefaultSubscribeOptions()),
		liveSubscriber("other", DefaultSubscribeOptions()),
		liveSubscriber("failing", DefaultSubscribeOptions()),
		liveSubscriber("audio", SubscribeOptions{ReceiveAudio: true}),
	}
	transports := []*recordingTransport{normal, other, failing, audioOnly}
	for i, sub := range subs {
		if err := d.Attach(sub, transports[i]); err != nil {
			t.Fatalf("Attach: %v", err)
		}
	}

	payload := pool.RentCopy([]byte("K1"))
	queued := d.BroadcastMediaPacket(nil, subs, MediaVideo, 0, false, payload)
	if queued != 3 {
		t.Errorf("queued for %d subscribers, want 3", queued)
	}
	if got := payload.Claims(); got != 4 {
		t.Errorf("claims after broadcast = %d, want 4 (caller + 3 subscribers)", got)
	}

	payload.Release()
	close(gate)

	waitFor(t, func() bool { return pool.Stats().Outstanding == 0 })
	if payload.Claims() != 0 {
		t.Errorf("claims after delivery = %d", payload.Claims())
	}

	for name, tr := range map[string]*recordingTransport{"normal": normal, "other": other} {
		if got := tr.payloads(); !equalStrings(got, []string{"K1"}) {
			t.Errorf("%s received %v", name, got)
		}
	}
	if len(failing.payloads()) != 0 || len(audioOnly.payloads()) != 0 {
		t.Error("failing or audio-only subscriber recorded the packet")
	}
}

func TestBroadcastDiscardReleasesClaim(t *testing.T) {
	pool := buffer.NewPool()
	observer := &countingObserver{}
	d := newTestDistributor(t, DistributorConfig{Policy: DiscardPolicy{}}, observer)
	// zero thresholds: any backlog makes skippable packets droppable
	if err := d.SetPolicy(DiscardPolicy{}); err != nil {
		t.Fatal(err)
	}

	gate := make(chan struct{})
	tr := &recordingTransport{gate: gate}
	sub := liveSubscriber("slow", DefaultSubscribeOptions())
	if err := d.Attach(sub, tr); err != nil {
		t.Fatal(err)
	}

	broadcast := func(payload string, skippable bool) *buffer.Buffer {
		b := pool.RentCopy([]byte(payload))
		d.BroadcastMediaPacket(nil, []*SubscribeContext{sub}, MediaVideo, 0, skippable, b)
		return b
	}

	k1 := broadcast("K1", false)
	// wait until the worker holds K1 in its blocked write
	waitFor(t, func() bool {
		_, count := d.worker(sub).queue.outstanding()
		return count == 0
	})

	d1 := broadcast("D1", true)
	d2 := broadcast("D2", true)
	if d2.Claims() != 1 {
		t.Errorf("discarded packet holds %d claims, want only the caller's", d2.Claims())
	}

	st, ok := d.Stats(sub)
	if !ok || st.PacketsDiscarded != 1 || !st.Discarding {
		t.Errorf("stats = %+v", st)
	}
	if _, discarded, _ := observer.counts(); discarded != 1 {
		t.Errorf("observer discarded = %d", discarded)
	}

	for _, b := range []*buffer.Buffer{k1, d1, d2} {
		b.Release()
	}
	close(gate)

	if got := tr.waitPackets(t, 2); !equalStrings(got, []string{"K1", "D1"}) {
		t.Errorf("received %v", got)
	}
	waitFor(t, func() bool { return pool.Stats().Outstanding == 0 })
}

func TestSlowSubscriberIsolation(t *testing.T) {
	pool := buffer.NewPool()
	d := newTestDistributor(t, DistributorConfig{}, nil)

	slow := &recordingTransport{gate: make(chan struct{})}
	fast := &recordingTransport{}
	slowSub := liveSubscriber("slow", DefaultSubscribeOptions())
	fastSub := liveSubscriber("fast", DefaultSubscribeOptions())
	d.Attach(slowSub, slow)
	d.Attach(fastSub, fast)

	subs := []*SubscribeContext{slowSub, fastSub}
	var want []string
	for i := 0; i < 10; i++ {
		p := fmt.Sprintf("F%d", i)
		want = append(want, p)
		b := pool.RentCopy([]byte(p))
		d.BroadcastMediaPacket(nil, subs, MediaVideo, uint32(i), false, b)
		b.Release()
	}

	if got := fast.waitPackets(t, 10); !equalStrings(got, want) {
		t.Errorf("fast subscriber received %v", got)
	}
	if len(slow.payloads()) != 0 {
		t.Error("slow subscriber wrote despite a blocked transport")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if st := pool.Stats(); st.Outstanding != 0 {
		t.Errorf("%d buffers leaked after close", st.Outstanding)
	}
}

func TestDetachReleasesQueuedPackets(t *testing.T) {
	pool := buffer.NewPool()
	d := newTestDistributor(t, DistributorConfig{}, nil)

	tr := &recordingTransport{gate: make(chan struct{})}
	sub := liveSubscriber("viewer", DefaultSubscribeOptions())
	d.Attach(sub, tr)

	for i := 0; i < 5; i++ {
		b := pool.RentCopy([]byte("frame"))
		d.BroadcastMediaPacket(nil, []*SubscribeContext{sub}, MediaVideo, uint32(i), false, b)
		b.Release()
	}

	select {
	case <-d.Detach(sub):
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not exit")
	}

	if d.Attached(sub) {
		t.Error("subscriber still attached")
	}
	if st := pool.Stats(); st.Outstanding != 0 {
		t.Errorf("%d buffers leaked after detach", st.Outstanding)
	}

	b := pool.RentCopy([]byte("late"))
	if n := d.BroadcastMediaPacket(nil, []*SubscribeContext{sub}, MediaVideo, 9, false, b); n != 0 {
		t.Errorf("broadcast after detach queued %d", n)
	}
	b.Release()
}

func TestFatalWriteFailures(t *testing.T) {
	tests := []struct {
		name       string
		fail       error
		packets    int
		wantFatal  bool
		maxFailure int
	}{
		{"transport closed is fatal at once", fmt.Errorf("write: %w", ErrTransportClosed), 1, true, 5},
		{"repeated failures are fatal", errors.New("timeout"), 3, true, 3},
		{"below the limit is tolerated", errors.New("timeout"), 2, false, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pool := buffer.NewPool()
			observer := &countingObserver{}
			d := newTestDistributor(t, DistributorConfig{MaxWriteFailures: tt.maxFailure}, observer)

			var mu sync.Mutex
			fatal := 0
			d.OnFatal(func(*SubscribeContext, error) {
				mu.Lock()
				fatal++
				mu.Unlock()
			})

			sub := liveSubscriber("viewer", DefaultSubscribeOptions())
			d.Attach(sub, &recordingTransport{fail: tt.fail})
			for i := 0; i < tt.packets; i++ {
				b := pool.RentCopy([]byte("x"))
				d.BroadcastMediaPacket(nil, []*SubscribeContext{sub}, MediaVideo, uint32(i), false, b)
				b.Release()
			}

			waitFor(t, func() bool {
				_, _, failed := observer.counts()
				return failed == tt.packets
			})

			mu.Lock()
			got := fatal
			mu.Unlock()
			if tt.wantFatal && got != 1 {
				t.Errorf("fatal callback ran %d times, want 1", got)
			}
			if !tt.wantFatal && got != 0 {
				t.Errorf("fatal callback ran %d times, want 0", got)
			}
			waitFor(t, func() bool { return pool.Stats().Outstanding == 0 })
		})
	}
}

func TestLivePacketsWaitForCompletion(t *testing.T) {
	pool := buffer.NewPool()
	d := newTestDistributor(t, DistributorConfig{}, nil)

	tr := &recordingTransport{}
	sub := newSubscribeContext("/live/test", "viewer", "", nil, DefaultSubscribeOptions())
	d.Attach(sub, tr)

	live := pool.RentCopy([]byte("LIVE"))
	d.BroadcastMediaPacket(nil, []*SubscribeContext{sub}, MediaVideo, 1, false, live)
	live.Release()

	time.Sleep(20 * time.Millisecond)
	if len(tr.payloads()) != 0 {
		t.Fatal("live packet delivered before completion")
	}

	sub.Complete()
	tr.waitPackets(t, 1)
}

func TestNotifyRequiresStatusNotifier(t *testing.T) {
	d := newTestDistributor(t, DistributorConfig{}, nil)

	tr := &recordingTransport{}
	sub := liveSubscriber("viewer", DefaultSubscribeOptions())
	d.Attach(sub, tr)

	if !d.Notify(sub, StatusUnpublished) {
		t.Fatal("Notify rejected")
	}
	waitFor(t, func() bool { return len(tr.snapshot()) == 1 })
	if rec := tr.snapshot()[0]; rec.kind != deliverStatus || rec.status != StatusUnpublished {
		t.Errorf("received %+v", rec)
	}

	// A transport without NotifyStatus just skips statuses
	plain := &plainTransport{}
	other := liveSubscriber("plain", DefaultSubscribeOptions())
	d.Attach(other, plain)
	d.Notify(other, StatusPublishStarted)
	d.BroadcastMetaData([]*SubscribeContext{other}, MetaData{"fps": 30})
	waitFor(t, func() bool { return plain.metas() == 1 })
}

type plainTransport struct {
	mu   sync.Mutex
	meta int
}

func (p *plainTransport) WritePacket(context.Context, *Packet) error { return nil }

func (p *plainTransport) WriteMetaData(context.Context, MetaData) error {
	p.mu.Lock()
	p.meta++
	p.mu.Unlock()
	return nil
}

func (p *plainTransport) metas() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.meta
}

func TestPauseAndMediaFilterMidStream(t *testing.T) {
	pool := buffer.NewPool()
	observer := &countingObserver{}
	d := newTestDistributor(t, DistributorConfig{}, observer)

	tr := &recordingTransport{}
	sub := liveSubscriber("viewer", DefaultSubscribeOptions())
	if err := d.Attach(sub, tr); err != nil {
		t.Fatal(err)
	}
	subs := []*SubscribeContext{sub}

	var ts uint32
	send := func(mt MediaType, payload string) (queued int, claims int32) {
		b := pool.RentCopy([]byte(payload))
		ts++
		queued = d.BroadcastMediaPacket(nil, subs, mt, ts, false, b)
		claims = b.Claims()
		b.Release()
		return queued, claims
	}

	steps := []struct {
		name       string
		apply      func()
		mediaType  MediaType
		payload    string
		wantQueued int
	}{
		{"audio before pause", nil, MediaAudio, "A1", 1},
		{"video before pause", nil, MediaVideo, "V1", 1},
		{"audio while paused", func() { sub.SetPaused(true) }, MediaAudio, "A2", 0},
		{"video while paused", nil, MediaVideo, "V2", 0},
		{"audio after resume with video off", func() {
			sub.SetPaused(false)
			sub.SetReceiveVideo(false)
		}, MediaAudio, "A3", 1},
		{"video while filtered", nil, MediaVideo, "V3", 0},
		{"video turned back on", func() { sub.SetReceiveVideo(true) }, MediaVideo, "V4", 1},
		{"audio turned off", func() { sub.SetReceiveAudio(false) }, MediaAudio, "A4", 0},
	}

	for _, step := range steps {
		if step.apply != nil {
			step.apply()
		}
		queued, claims := send(step.mediaType, step.payload)
		if queued != step.wantQueued {
			t.Errorf("%s: queued %d, want %d", step.name, queued, step.wantQueued)
		}
		if step.wantQueued == 0 && claims != 1 {
			t.Errorf("%s: filtered packet holds %d claims, want only the caller's", step.name, claims)
		}
	}

	want := []string{"A1", "V1", "A3", "V4"}
	if got := tr.waitPackets(t, len(want)); !equalStrings(got, want) {
		t.Errorf("received %v, want %v", got, want)
	}
	if st, _ := d.Stats(sub); st.PacketsDiscarded != 0 || st.Paused {
		t.Errorf("stats = %+v, filtering must not count as discard", st)
	}
	if _, discarded, _ := observer.counts(); discarded != 0 {
		t.Errorf("observer discarded = %d", discarded)
	}
	waitFor(t, func() bool { return pool.Stats().Outstanding == 0 })
}
