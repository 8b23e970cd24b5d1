package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gocast/livecast/internal/buffer"
)

var (
	// ErrStreamClosed is returned once a subscriber queue or the distributor
	// has been shut down.
	ErrStreamClosed = errors.New("stream closed")
	// ErrTransportClosed is returned by a Transport whose peer has gone away.
	// Wrapping it in a write error unsubscribes the subscriber immediately.
	ErrTransportClosed = errors.New("transport closed")
	// ErrAlreadyAttached is returned when a subscriber already has a worker
	ErrAlreadyAttached = errors.New("subscriber already attached")
)

// DefaultMaxWriteFailures is the number of consecutive failed writes after
// which a subscriber is dropped.
const DefaultMaxWriteFailures = 8

// Transport writes deliveries to one subscriber's connection. Framing is the
// transport's business; it must not retain pkt after returning.
type Transport interface {
	WritePacket(ctx context.Context, pkt *Packet) error
	WriteMetaData(ctx context.Context, meta MetaData) error
}

// StatusNotifier is implemented by transports that want in-band lifecycle
// statuses such as end-of-stream.
type StatusNotifier interface {
	NotifyStatus(ctx context.Context, status StreamStatus) error
}

// Observer receives per-packet delivery outcomes
type Observer interface {
	PacketDelivered(path StreamPath, bytes int, latency time.Duration)
	PacketDiscarded(path StreamPath)
	WriteFailed(path StreamPath)
}

type nopObserver struct{}

func (nopObserver) PacketDelivered(StreamPath, int, time.Duration) {}
func (nopObserver) PacketDiscarded(StreamPath)                     {}
func (nopObserver) WriteFailed(StreamPath)                         {}

// DistributorConfig configures the distribution pipeline
type DistributorConfig struct {
	Policy           DiscardPolicy
	MaxWriteFailures int
	// WriteTimeout bounds a single transport write; zero means no bound
	WriteTimeout time.Duration
}

// SubscriberStats is a snapshot of one subscriber's delivery counters
type SubscriberStats struct {
	ConnectionID     ConnectionID `json:"connection_id"`
	SessionID        string       `json:"session_id,omitempty"`
	Completed        bool         `json:"completed"`
	Paused           bool         `json:"paused"`
	PacketsDelivered int64        `json:"packets_delivered"`
	BytesDelivered   int64        `json:"bytes_delivered"`
	PacketsDiscarded int64        `json:"packets_discarded"`
	WriteFailures    int64        `json:"write_failures"`
	OutstandingBytes int64        `json:"outstanding_bytes"`
	OutstandingCount int          `json:"outstanding_count"`
	Discarding       bool         `json:"discarding"`
}

// ---------------------------------------------------------
// SUBSCRIBER WORKER
// ---------------------------------------------------------

type subscriberWorker struct {
	sub       *SubscribeContext
	transport Transport
	queue     *deliveryQueue
	cancel    context.CancelFunc
	done      chan struct{}

	// consecutive failures, touched only by the worker goroutine
	failures  int
	fatalOnce sync.Once

	packetsDelivered atomic.Int64
	bytesDelivered   atomic.Int64
	packetsDiscarded atomic.Int64
	writeFailures    atomic.Int64
}

// ---------------------------------------------------------
// DISTRIBUTOR
// ---------------------------------------------------------

// Distributor owns one delivery worker and queue per subscriber and fans
// publisher packets out to them without ever blocking on a transport.
type Distributor struct {
	mu      sync.RWMutex
	workers map[*SubscribeContext]*subscriberWorker
	closed  bool

	policy           DiscardPolicy
	maxWriteFailures int
	writeTimeout     time.Duration

	observer Observer
	logger   *slog.Logger
	onFatal  func(*SubscribeContext, error)

	wg sync.WaitGroup
}

// NewDistributor validates the discard policy and creates a distributor
func NewDistributor(cfg DistributorConfig, observer Observer, logger *slog.Logger) (*Distributor, error) {
	if err := cfg.Policy.Validate(); err != nil {
		return nil, err
	}
	if cfg.MaxWriteFailures <= 0 {
		cfg.MaxWriteFailures = DefaultMaxWriteFailures
	}
	if observer == nil {
		observer = nopObserver{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Distributor{
		workers:          make(map[*SubscribeContext]*subscriberWorker),
		policy:           cfg.Policy,
		maxWriteFailures: cfg.MaxWriteFailures,
		writeTimeout:     cfg.WriteTimeout,
		observer:         observer,
		logger:           logger,
	}, nil
}

// OnFatal registers the callback run when a subscriber's transport fails
// for good. It runs on the worker goroutine and must not block.
func (d *Distributor) OnFatal(fn func(*SubscribeContext, error)) {
	d.mu.Lock()
	d.onFatal = fn
	d.mu.Unlock()
}

// Policy returns the discard policy applied to new and existing queues
func (d *Distributor) Policy() DiscardPolicy {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.policy
}

// SetPolicy validates and applies new discard thresholds to every queue
func (d *Distributor) SetPolicy(policy DiscardPolicy) error {
	if err := policy.Validate(); err != nil {
		return err
	}
	d.mu.Lock()
	d.policy = policy
	workers := d.snapshotLocked()
	d.mu.Unlock()

	for _, w := range workers {
		w.queue.setPolicy(policy)
	}
	return nil
}

func (d *Distributor) snapshotLocked() []*subscriberWorker {
	workers := make([]*subscriberWorker, 0, len(d.workers))
	for _, w := range d.workers {
		workers = append(workers, w)
	}
	return workers
}

func (d *Distributor) worker(sub *SubscribeContext) *subscriberWorker {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.workers[sub]
}

// Attach starts the delivery worker for a subscriber
func (d *Distributor) Attach(sub *SubscribeContext, transport Transport) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrStreamClosed
	}
	if _, ok := d.workers[sub]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyAttached, sub.ConnectionID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &subscriberWorker{
		sub:       sub,
		transport: transport,
		queue:     newDeliveryQueue(d.policy),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	d.workers[sub] = w

	d.wg.Add(1)
	go d.run(ctx, w)
	return nil
}

// Detach stops a subscriber's worker and releases everything still queued.
// A write already in progress finishes on its own; its claim is released
// when it returns. The returned channel closes once the worker has exited.
func (d *Distributor) Detach(sub *SubscribeContext) <-chan struct{} {
	d.mu.Lock()
	w, ok := d.workers[sub]
	if ok {
		delete(d.workers, sub)
	}
	d.mu.Unlock()

	if !ok {
		done := make(chan struct{})
		close(done)
		return done
	}

	w.cancel()
	for _, item := range w.queue.close() {
		item.release()
	}
	return w.done
}

// Attached reports whether sub has a running worker
func (d *Distributor) Attached(sub *SubscribeContext) bool {
	return d.worker(sub) != nil
}

// Stats returns the delivery counters of a subscriber
func (d *Distributor) Stats(sub *SubscribeContext) (SubscriberStats, bool) {
	w := d.worker(sub)
	if w == nil {
		return SubscriberStats{}, false
	}
	size, count := w.queue.outstanding()
	return SubscriberStats{
		ConnectionID:     sub.ConnectionID,
		SessionID:        sub.SessionID,
		Completed:        sub.Completed(),
		Paused:           sub.Paused(),
		PacketsDelivered: w.packetsDelivered.Load(),
		BytesDelivered:   w.bytesDelivered.Load(),
		PacketsDiscarded: w.packetsDiscarded.Load(),
		WriteFailures:    w.writeFailures.Load(),
		OutstandingBytes: size,
		OutstandingCount: count,
		Discarding:       w.queue.discarding(),
	}, true
}

// ---------------------------------------------------------
// FAN-OUT
// ---------------------------------------------------------

// BroadcastMediaPacket queues one live packet for every subscriber that
// receives its media type. Each queued copy takes its own claim on payload;
// the caller keeps and later releases its own claim. It returns how many
// subscribers the packet was queued for.
func (d *Distributor) BroadcastMediaPacket(pub *PublishContext, subs []*SubscribeContext, t MediaType, timestamp uint32, skippable bool, payload *buffer.Buffer) int {
	pkt := &Packet{Type: t, Timestamp: timestamp, Skippable: skippable, Payload: payload}
	now := time.Now()
	queued := 0

	for _, sub := range subs {
		if !sub.Receives(t) {
			continue
		}
		w := d.worker(sub)
		if w == nil {
			continue
		}

		payload.Claim()
		switch w.queue.offer(delivery{kind: deliverPacket, live: true, packet: pkt, enqueuedAt: now}) {
		case offerQueued:
			queued++
		case offerDiscarded:
			payload.Release()
			w.packetsDiscarded.Add(1)
			d.observer.PacketDiscarded(sub.Path)
		case offerClosed:
			payload.Release()
		}
	}
	return queued
}

// BroadcastMetaData queues a live metadata message for every subscriber
func (d *Distributor) BroadcastMetaData(subs []*SubscribeContext, meta MetaData) int {
	now := time.Now()
	queued := 0
	for _, sub := range subs {
		w := d.worker(sub)
		if w == nil {
			continue
		}
		if w.queue.push(delivery{kind: deliverMetaData, live: true, meta: meta.Clone(), enqueuedAt: now}) {
			queued++
		}
	}
	return queued
}

// Notify queues an in-band status for a subscriber
func (d *Distributor) Notify(sub *SubscribeContext, status StreamStatus) bool {
	w := d.worker(sub)
	if w == nil {
		return false
	}
	return w.queue.push(delivery{kind: deliverStatus, status: status, enqueuedAt: time.Now()})
}

// ---------------------------------------------------------
// CACHE REPLAY
// ---------------------------------------------------------

// replayPackets queues cached packets ahead of live traffic. Each packet
// arrives with a claim that is handed to the queue or released here.
func (d *Distributor) replayPackets(sub *SubscribeContext, pkts []*Packet) int {
	w := d.worker(sub)
	now := time.Now()
	queued := 0
	for _, pkt := range pkts {
		if w == nil || !sub.Receives(pkt.Type) {
			pkt.Payload.Release()
			continue
		}
		if !w.queue.push(delivery{kind: deliverPacket, packet: pkt, enqueuedAt: now}) {
			pkt.Payload.Release()
			continue
		}
		queued++
	}
	return queued
}

// SendCachedHeaderMessages queues the cached video header then the cached
// audio header for a subscriber.
func (d *Distributor) SendCachedHeaderMessages(sub *SubscribeContext, pub *PublishContext) int {
	if pub == nil {
		return 0
	}
	return d.replayPackets(sub, pub.cachedHeaders())
}

// SendCachedGroupOfPictures queues the cached frames since the last keyframe
func (d *Distributor) SendCachedGroupOfPictures(sub *SubscribeContext, pub *PublishContext) int {
	if pub == nil {
		return 0
	}
	return d.replayPackets(sub, pub.cachedGroupOfPictures())
}

// SendCachedStreamMetaData queues the last metadata map, if any
func (d *Distributor) SendCachedStreamMetaData(sub *SubscribeContext, pub *PublishContext) bool {
	if pub == nil {
		return false
	}
	meta := pub.StreamMetaData()
	if meta == nil {
		return false
	}
	w := d.worker(sub)
	if w == nil {
		return false
	}
	return w.queue.push(delivery{kind: deliverMetaData, meta: meta, enqueuedAt: time.Now()})
}

// Replay queues metadata, sequence headers and the group of pictures, in
// that order. It returns the number of queued messages.
func (d *Distributor) Replay(sub *SubscribeContext, pub *PublishContext) int {
	n := 0
	if d.SendCachedStreamMetaData(sub, pub) {
		n++
	}
	n += d.SendCachedHeaderMessages(sub, pub)
	n += d.SendCachedGroupOfPictures(sub, pub)
	return n
}

// ---------------------------------------------------------
// DELIVERY LOOP
// ---------------------------------------------------------

func (d *Distributor) run(ctx context.Context, w *subscriberWorker) {
	defer d.wg.Done()
	defer close(w.done)

	for {
		item, err := w.queue.pop(ctx)
		if err != nil {
			for _, rest := range w.queue.close() {
				rest.release()
			}
			return
		}
		d.deliver(ctx, w, item)
	}
}

func (d *Distributor) deliver(ctx context.Context, w *subscriberWorker, item delivery) {
	defer item.release()

	if item.live && !w.sub.Completed() {
		select {
		case <-w.sub.Ready():
		case <-ctx.Done():
			return
		}
	}

	writeCtx := ctx
	if d.writeTimeout > 0 {
		var cancel context.CancelFunc
		writeCtx, cancel = context.WithTimeout(ctx, d.writeTimeout)
		defer cancel()
	}

	var err error
	switch item.kind {
	case deliverPacket:
		err = w.transport.WritePacket(writeCtx, item.packet)
	case deliverMetaData:
		err = w.transport.WriteMetaData(writeCtx, item.meta)
	case deliverStatus:
		notifier, ok := w.transport.(StatusNotifier)
		if !ok {
			return
		}
		err = notifier.NotifyStatus(writeCtx, item.status)
	}

	if err != nil {
		if ctx.Err() != nil {
			return
		}
		d.writeFailed(w, err)
		return
	}

	w.failures = 0
	if item.kind == deliverPacket {
		n := item.packet.Len()
		w.packetsDelivered.Add(1)
		w.bytesDelivered.Add(int64(n))
		d.observer.PacketDelivered(w.sub.Path, n, time.Since(item.enqueuedAt))
	}
}

func (d *Distributor) writeFailed(w *subscriberWorker, err error) {
	w.failures++
	w.writeFailures.Add(1)
	defer d.observer.WriteFailed(w.sub.Path)

	fatal := errors.Is(err, ErrTransportClosed) || w.failures >= d.maxWriteFailures
	if !fatal {
		d.logger.Warn("subscriber write failed",
			"stream_path", w.sub.Path,
			"subscriber_id", w.sub.ConnectionID,
			"consecutive_failures", w.failures,
			"error", err)
		return
	}

	w.fatalOnce.Do(func() {
		d.logger.Error("subscriber transport failed",
			"stream_path", w.sub.Path,
			"subscriber_id", w.sub.ConnectionID,
			"consecutive_failures", w.failures,
			"error", err)

		d.mu.RLock()
		fn := d.onFatal
		d.mu.RUnlock()
		if fn != nil {
			fn(w.sub, err)
		}
	})
}

// Close stops every worker, releases all queued buffers and waits for the
// workers to exit or ctx to expire.
func (d *Distributor) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	workers := d.snapshotLocked()
	d.workers = make(map[*SubscribeContext]*subscriberWorker)
	d.mu.Unlock()

	for _, w := range workers {
		w.cancel()
		for _, item := range w.queue.close() {
			item.release()
		}
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
