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
	// ErrNotPublishing is returned when ingesting or unpublishing through a
	// publish context that is no longer the path's publisher.
	ErrNotPublishing = errors.New("not publishing")
	// ErrNotSubscribed is returned when unsubscribing a removed subscriber
	ErrNotSubscribed = errors.New("not subscribed")
	// ErrUnknownConnection is returned by Disconnect for a connection that
	// holds no role.
	ErrUnknownConnection = errors.New("unknown connection")
)

// RejectCode classifies a refused publish or subscribe attempt
type RejectCode string

const (
	RejectAlreadyExists      RejectCode = "already_exists"
	RejectAlreadyPublishing  RejectCode = "already_publishing"
	RejectAlreadySubscribing RejectCode = "already_subscribing"
	RejectUnauthorized       RejectCode = "unauthorized"
	RejectLimitReached       RejectCode = "limit_reached"
)

// RejectionError is the structured refusal the protocol layer turns into a
// rejection message for its peer.
type RejectionError struct {
	Code   RejectCode
	Path   StreamPath
	Reason string
	Err    error
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("%s rejected (%s): %s", e.Path, e.Code, e.Reason)
}

func (e *RejectionError) Unwrap() error {
	return e.Err
}

// Authorizer is the extension point through which publish and subscribe
// attempts are accepted or refused. A non-nil error refuses the attempt.
type Authorizer interface {
	AuthorizePublish(ctx context.Context, path StreamPath, conn ConnectionID, args StreamArguments) error
	AuthorizeSubscribe(ctx context.Context, path StreamPath, conn ConnectionID, args StreamArguments) error
}

// Frame is one demuxed media frame handed over by the ingest layer
type Frame struct {
	Type      MediaType
	Timestamp uint32
	Payload   *buffer.Buffer
	// StartsGroup marks a video keyframe; it opens a new GOP window and is
	// never skippable.
	StartsGroup bool
	Skippable   bool
}

// ServiceConfig wires the pieces of a Service together
type ServiceConfig struct {
	Distribution DistributorConfig
	Cache        CacheLimits

	// Zero means unlimited
	MaxStreams              int
	MaxSubscribersPerStream int

	Authorizer Authorizer
	Observer   Observer
	Handlers   []EventHandler
	Logger     *slog.Logger
}

// StreamInfo describes one published stream for monitoring surfaces
type StreamInfo struct {
	Path            StreamPath        `json:"path"`
	Publisher       ConnectionID      `json:"publisher"`
	Arguments       StreamArguments   `json:"arguments,omitempty"`
	PublishedAt     time.Time         `json:"published_at"`
	PacketsReceived int64             `json:"packets_received"`
	BytesReceived   int64             `json:"bytes_received"`
	Cache           CacheStats        `json:"cache"`
	MetaData        MetaData          `json:"metadata,omitempty"`
	Subscribers     []SubscriberStats `json:"subscribers"`
}

// Service is the facade the protocol layer talks to. It combines the
// registry, the distributor and the event dispatcher and turns registry
// result codes into RejectionErrors.
type Service struct {
	registry    *Registry
	distributor *Distributor
	dispatcher  *Dispatcher
	authorizer  Authorizer
	logger      *slog.Logger

	// admit serializes limit checks with the registry mutation they guard
	admit                   sync.Mutex
	maxStreams              atomic.Int64
	maxSubscribersPerStream atomic.Int64

	closed atomic.Bool
}

// NewService validates cfg and creates a Service
func NewService(cfg ServiceConfig) (*Service, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	distributor, err := NewDistributor(cfg.Distribution, cfg.Observer, logger.With("component", "distributor"))
	if err != nil {
		return nil, fmt.Errorf("distribution: %w", err)
	}

	s := &Service{
		registry:    NewRegistry(cfg.Cache, logger.With("component", "registry")),
		distributor: distributor,
		dispatcher:  NewDispatcher(logger.With("component", "events"), cfg.Handlers...),
		authorizer:  cfg.Authorizer,
		logger:      logger,
	}
	s.SetLimits(cfg.MaxStreams, cfg.MaxSubscribersPerStream)

	distributor.OnFatal(func(sub *SubscribeContext, err error) {
		go func() {
			if err := s.Unsubscribe(context.Background(), sub); err != nil && !errors.Is(err, ErrNotSubscribed) {
				s.logger.Warn("unsubscribe after transport failure", "stream_path", sub.Path, "error", err)
			}
		}()
	})

	return s, nil
}

// Registry exposes the read-only lookups of the registry
func (s *Service) Registry() *Registry {
	return s.registry
}

// Dispatcher returns the event dispatcher so handlers can be added later
func (s *Service) Dispatcher() *Dispatcher {
	return s.dispatcher
}

// SetLimits changes the stream and per-stream subscriber limits
func (s *Service) SetLimits(maxStreams, maxSubscribersPerStream int) {
	s.maxStreams.Store(int64(maxStreams))
	s.maxSubscribersPerStream.Store(int64(maxSubscribersPerStream))
}

// SetPolicy applies new discard thresholds
func (s *Service) SetPolicy(policy DiscardPolicy) error {
	return s.distributor.SetPolicy(policy)
}

// SetCacheLimits applies new GOP cache limits
func (s *Service) SetCacheLimits(limits CacheLimits) {
	s.registry.SetCacheLimits(limits)
}

// ---------------------------------------------------------
// PUBLISH
// ---------------------------------------------------------

// Publish makes conn the publisher of path. Waiting subscribers are told
// that publishing started.
func (s *Service) Publish(ctx context.Context, path StreamPath, conn ConnectionID, args StreamArguments) (*PublishContext, error) {
	if s.closed.Load() {
		return nil, ErrStreamClosed
	}

	if s.authorizer != nil {
		if err := s.authorizer.AuthorizePublish(ctx, path, conn, args); err != nil {
			return nil, &RejectionError{Code: RejectUnauthorized, Path: path, Reason: err.Error(), Err: err}
		}
	}

	s.admit.Lock()
	if limit := s.maxStreams.Load(); limit > 0 && !s.registry.IsPublishing(path) && int64(s.registry.PublisherCount()) >= limit {
		s.admit.Unlock()
		return nil, &RejectionError{Code: RejectLimitReached, Path: path, Reason: fmt.Sprintf("server already carries %d streams", limit)}
	}
	pub, _, result := s.registry.startPublishing(path, conn, args, func(waiting []*SubscribeContext) {
		for _, sub := range waiting {
			s.distributor.Notify(sub, StatusPublishStarted)
		}
	})
	s.admit.Unlock()

	if result != PublishSucceeded {
		return nil, publishRejection(path, result)
	}
	s.dispatcher.Publish(ctx, pub)
	return pub, nil
}

func publishRejection(path StreamPath, result PublishResult) *RejectionError {
	switch result {
	case PublishAlreadyExists:
		return &RejectionError{Code: RejectAlreadyExists, Path: path, Reason: "stream is already being published"}
	case PublishAlreadyPublishing:
		return &RejectionError{Code: RejectAlreadyPublishing, Path: path, Reason: "connection is already publishing"}
	default:
		return &RejectionError{Code: RejectAlreadySubscribing, Path: path, Reason: "connection is already subscribing"}
	}
}

// Unpublish removes the publisher and sends end-of-stream to its
// subscribers. The subscribers stay registered and pick up the next
// publisher of the path. Statuses are queued under the path lock so they
// keep the order of the publish and unpublish calls that caused them.
func (s *Service) Unpublish(ctx context.Context, pub *PublishContext) error {
	_, ok := s.registry.stopPublishing(pub, func(subs []*SubscribeContext) {
		for _, sub := range subs {
			s.distributor.Notify(sub, StatusUnpublished)
		}
	})
	if !ok {
		return ErrNotPublishing
	}
	s.dispatcher.Unpublish(ctx, pub)
	return nil
}

// ---------------------------------------------------------
// INGEST
// ---------------------------------------------------------

// Ingest caches and fans out one media frame. The caller keeps its claim on
// f.Payload and releases it afterwards.
func (s *Service) Ingest(ctx context.Context, pub *PublishContext, f Frame) error {
	e := pub.entry
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.publisher != pub {
		return ErrNotPublishing
	}

	skippable := f.Skippable && !f.StartsGroup
	if f.StartsGroup {
		pub.ClearGroupOfPicturesCache()
	}
	pub.CachePicture(f.Type, f.Payload, f.Timestamp)
	pub.recordIngest(f.Payload.Len())

	s.distributor.BroadcastMediaPacket(pub, e.liveSubscribers(), f.Type, f.Timestamp, skippable, f.Payload)
	return nil
}

// IngestSequenceHeader caches a codec header and forwards it live
func (s *Service) IngestSequenceHeader(ctx context.Context, pub *PublishContext, t MediaType, payload *buffer.Buffer, timestamp uint32) error {
	e := pub.entry
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.publisher != pub {
		return ErrNotPublishing
	}

	pub.CacheSequenceHeader(t, payload, timestamp)
	s.distributor.BroadcastMediaPacket(pub, e.liveSubscribers(), t, timestamp, false, payload)
	return nil
}

// IngestMetaData caches the stream metadata and forwards it live
func (s *Service) IngestMetaData(ctx context.Context, pub *PublishContext, meta MetaData) error {
	e := pub.entry
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.publisher != pub {
		return ErrNotPublishing
	}

	pub.CacheStreamMetaData(meta)
	s.distributor.BroadcastMetaData(e.liveSubscribers(), meta)
	return nil
}

// ---------------------------------------------------------
// SUBSCRIBE
// ---------------------------------------------------------

// Subscribe attaches conn to path. The cache replay is queued before the
// subscriber joins the live fan-out, so replay always precedes live packets.
func (s *Service) Subscribe(ctx context.Context, path StreamPath, conn ConnectionID, session string, args StreamArguments, opts SubscribeOptions, transport Transport) (*SubscribeContext, error) {
	if s.closed.Load() {
		return nil, ErrStreamClosed
	}

	if s.authorizer != nil {
		if err := s.authorizer.AuthorizeSubscribe(ctx, path, conn, args); err != nil {
			return nil, &RejectionError{Code: RejectUnauthorized, Path: path, Reason: err.Error(), Err: err}
		}
	}

	s.admit.Lock()
	if limit := s.maxSubscribersPerStream.Load(); limit > 0 && int64(s.registry.SubscriberCount(path)) >= limit {
		s.admit.Unlock()
		return nil, &RejectionError{Code: RejectLimitReached, Path: path, Reason: fmt.Sprintf("stream already has %d subscribers", limit)}
	}
	sub, result := s.registry.StartSubscribing(path, conn, session, args, opts)
	s.admit.Unlock()

	switch result {
	case SubscribeSucceeded:
	case SubscribeAlreadyPublishing:
		return nil, &RejectionError{Code: RejectAlreadyPublishing, Path: path, Reason: "connection is publishing"}
	default:
		return nil, &RejectionError{Code: RejectAlreadySubscribing, Path: path, Reason: "connection is already subscribing"}
	}

	if err := s.start(sub, transport); err != nil {
		return nil, err
	}
	s.dispatcher.Subscribe(ctx, sub)
	return sub, nil
}

// start attaches the delivery worker and completes the subscription. A
// subscriber unsubscribed in the meantime is detached again, so no worker
// or replayed claim outlives its registration.
func (s *Service) start(sub *SubscribeContext, transport Transport) error {
	if err := s.distributor.Attach(sub, transport); err != nil {
		s.registry.StopSubscribing(sub)
		return err
	}
	if !s.complete(sub) {
		s.distributor.Detach(sub)
		return ErrNotSubscribed
	}
	return nil
}

// complete queues the cache replay and marks the subscriber live. Holding
// the path lock makes the replay and the live fan-out meet exactly. It
// returns false if the subscriber is no longer registered.
func (s *Service) complete(sub *SubscribeContext) bool {
	e := sub.entry
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.hasSubscriberLocked(sub) {
		return false
	}
	if pub := e.publisher; pub != nil {
		n := s.distributor.Replay(sub, pub)
		s.logger.Debug("cache replayed",
			"stream_path", sub.Path,
			"subscriber_id", sub.ConnectionID,
			"messages", n)
	}
	sub.Complete()
	return true
}

// Unsubscribe removes the subscriber and stops its worker. Handlers only
// hear about subscribers whose subscription had completed.
func (s *Service) Unsubscribe(ctx context.Context, sub *SubscribeContext) error {
	if !s.registry.StopSubscribing(sub) {
		return ErrNotSubscribed
	}
	s.distributor.Detach(sub)
	if sub.Completed() {
		s.dispatcher.Unsubscribe(ctx, sub)
	}
	return nil
}

// Disconnect releases every role held by a connection
func (s *Service) Disconnect(ctx context.Context, conn ConnectionID) error {
	pub, sub := s.registry.ConnectionRoles(conn)
	if pub == nil && sub == nil {
		return ErrUnknownConnection
	}

	var errs []error
	if sub != nil {
		if err := s.Unsubscribe(ctx, sub); err != nil && !errors.Is(err, ErrNotSubscribed) {
			errs = append(errs, err)
		}
	}
	if pub != nil {
		if err := s.Unpublish(ctx, pub); err != nil && !errors.Is(err, ErrNotPublishing) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SubscriberStats returns the delivery counters of a subscriber
func (s *Service) SubscriberStats(sub *SubscribeContext) (SubscriberStats, bool) {
	return s.distributor.Stats(sub)
}

// ---------------------------------------------------------
// QUERIES
// ---------------------------------------------------------

// Stream describes the published stream at path
func (s *Service) Stream(path StreamPath) (StreamInfo, bool) {
	pub := s.registry.GetPublishContext(path)
	if pub == nil {
		return StreamInfo{}, false
	}
	return s.describe(pub), true
}

// Streams describes every published stream, sorted by path
func (s *Service) Streams() []StreamInfo {
	paths := s.registry.StreamPaths()
	infos := make([]StreamInfo, 0, len(paths))
	for _, path := range paths {
		if info, ok := s.Stream(path); ok {
			infos = append(infos, info)
		}
	}
	return infos
}

func (s *Service) describe(pub *PublishContext) StreamInfo {
	subs := s.registry.GetSubscribeContexts(pub.Path)
	info := StreamInfo{
		Path:            pub.Path,
		Publisher:       pub.ConnectionID,
		Arguments:       pub.Arguments,
		PublishedAt:     pub.CreatedAt,
		PacketsReceived: pub.PacketsReceived(),
		BytesReceived:   pub.BytesReceived(),
		Cache:           pub.CacheStats(),
		MetaData:        pub.StreamMetaData(),
		Subscribers:     make([]SubscriberStats, 0, len(subs)),
	}
	for _, sub := range subs {
		if st, ok := s.distributor.Stats(sub); ok {
			info.Subscribers = append(info.Subscribers, st)
		}
	}
	return info
}

// Close unsubscribes and unpublishes everything, then waits for the
// delivery workers to exit or ctx to expire.
func (s *Service) Close(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	for _, sub := range s.registry.AllSubscribeContexts() {
		_ = s.Unsubscribe(ctx, sub)
	}
	for _, pub := range s.registry.PublishContexts() {
		_ = s.Unpublish(ctx, pub)
	}

	s.logger.Info("stream service stopped")
	return s.distributor.Close(ctx)
}
