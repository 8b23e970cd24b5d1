package stream

import (
	"sync"
	"sync/atomic"
	"time"
)

// PublishContext is the server-side state of the single publisher of a path.
// It owns the cached sequence headers, metadata and group of pictures.
type PublishContext struct {
	Path         StreamPath
	ConnectionID ConnectionID
	Arguments    StreamArguments
	CreatedAt    time.Time

	entry *streamEntry
	cache mediaCache

	packetsReceived atomic.Int64
	bytesReceived   atomic.Int64
}

func newPublishContext(path StreamPath, conn ConnectionID, args StreamArguments, limits CacheLimits) *PublishContext {
	return &PublishContext{
		Path:         path,
		ConnectionID: conn,
		Arguments:    args,
		CreatedAt:    time.Now(),
		cache:        mediaCache{limits: limits, suspended: true},
	}
}

// PacketsReceived returns how many media packets the publisher has ingested
func (p *PublishContext) PacketsReceived() int64 {
	return p.packetsReceived.Load()
}

// BytesReceived returns the total ingested payload size
func (p *PublishContext) BytesReceived() int64 {
	return p.bytesReceived.Load()
}

func (p *PublishContext) recordIngest(n int) {
	p.packetsReceived.Add(1)
	p.bytesReceived.Add(int64(n))
}

// SubscribeOptions selects which media types a subscriber receives
type SubscribeOptions struct {
	ReceiveAudio bool
	ReceiveVideo bool
}

// DefaultSubscribeOptions receives everything
func DefaultSubscribeOptions() SubscribeOptions {
	return SubscribeOptions{ReceiveAudio: true, ReceiveVideo: true}
}

// SubscribeContext is the server-side state of one subscriber of a path.
// It starts incomplete; live packets only flow once the cache replay has
// been queued and Complete has been called.
type SubscribeContext struct {
	Path         StreamPath
	ConnectionID ConnectionID
	SessionID    string
	Arguments    StreamArguments
	CreatedAt    time.Time

	receiveAudio atomic.Bool
	receiveVideo atomic.Bool
	paused       atomic.Bool

	completed    atomic.Bool
	completeOnce sync.Once
	ready        chan struct{}

	entry *streamEntry
}

func newSubscribeContext(path StreamPath, conn ConnectionID, session string, args StreamArguments, opts SubscribeOptions) *SubscribeContext {
	s := &SubscribeContext{
		Path:         path,
		ConnectionID: conn,
		SessionID:    session,
		Arguments:    args,
		CreatedAt:    time.Now(),
		ready:        make(chan struct{}),
	}
	s.receiveAudio.Store(opts.ReceiveAudio)
	s.receiveVideo.Store(opts.ReceiveVideo)
	return s
}

// Receives reports whether the subscriber wants packets of the given type.
// A paused subscriber receives nothing.
func (s *SubscribeContext) Receives(t MediaType) bool {
	if s.paused.Load() {
		return false
	}
	switch t {
	case MediaAudio:
		return s.receiveAudio.Load()
	case MediaVideo:
		return s.receiveVideo.Load()
	default:
		return false
	}
}

// SetReceiveAudio toggles audio delivery
func (s *SubscribeContext) SetReceiveAudio(on bool) {
	s.receiveAudio.Store(on)
}

// SetReceiveVideo toggles video delivery
func (s *SubscribeContext) SetReceiveVideo(on bool) {
	s.receiveVideo.Store(on)
}

// SetPaused pauses or resumes live delivery
func (s *SubscribeContext) SetPaused(paused bool) {
	s.paused.Store(paused)
}

// Paused reports the pause state
func (s *SubscribeContext) Paused() bool {
	return s.paused.Load()
}

// Completed reports whether the cache replay has finished
func (s *SubscribeContext) Completed() bool {
	return s.completed.Load()
}

// Ready is closed once the subscription is complete
func (s *SubscribeContext) Ready() <-chan struct{} {
	return s.ready
}

// Complete marks the cache replay as done. Safe to call more than once.
func (s *SubscribeContext) Complete() {
	s.completeOnce.Do(func() {
		s.completed.Store(true)
		close(s.ready)
	})
}
