// Package stream implements the publish/subscribe core of the server: the
// stream registry, the header and GOP cache, and the per-subscriber
// distribution pipeline.
package stream

import (
	"log/slog"
	"sort"
	"sync"
)

// PublishResult is the outcome of StartPublishing
type PublishResult int

const (
	PublishSucceeded PublishResult = iota
	// PublishAlreadyExists means another connection publishes the path
	PublishAlreadyExists
	// PublishAlreadyPublishing means this connection already publishes
	PublishAlreadyPublishing
	// PublishAlreadySubscribing means this connection is a subscriber
	PublishAlreadySubscribing
)

func (r PublishResult) String() string {
	switch r {
	case PublishSucceeded:
		return "succeeded"
	case PublishAlreadyExists:
		return "already_exists"
	case PublishAlreadyPublishing:
		return "already_publishing"
	case PublishAlreadySubscribing:
		return "already_subscribing"
	default:
		return "unknown"
	}
}

// SubscribeResult is the outcome of StartSubscribing
type SubscribeResult int

const (
	SubscribeSucceeded SubscribeResult = iota
	SubscribeAlreadySubscribing
	SubscribeAlreadyPublishing
)

func (r SubscribeResult) String() string {
	switch r {
	case SubscribeSucceeded:
		return "succeeded"
	case SubscribeAlreadySubscribing:
		return "already_subscribing"
	case SubscribeAlreadyPublishing:
		return "already_publishing"
	default:
		return "unknown"
	}
}

// streamEntry is the per-path state. Registry mutations hold Registry.mu and
// then mu; ingest and subscription completion hold only mu, which keeps the
// live subscriber set and the cache consistent with each other.
type streamEntry struct {
	path StreamPath

	mu          sync.Mutex
	publisher   *PublishContext
	subscribers []*SubscribeContext
}

// hasSubscriberLocked reports whether sub is still registered on the path.
// Must be called with mu held.
func (e *streamEntry) hasSubscriberLocked(sub *SubscribeContext) bool {
	for _, s := range e.subscribers {
		if s == sub {
			return true
		}
	}
	return false
}

// liveSubscribers returns the subscribers whose replay has completed.
// Must be called with mu held.
func (e *streamEntry) liveSubscribers() []*SubscribeContext {
	live := make([]*SubscribeContext, 0, len(e.subscribers))
	for _, s := range e.subscribers {
		if s.Completed() {
			live = append(live, s)
		}
	}
	return live
}

type connectionRoles struct {
	publishing  *PublishContext
	subscribing *SubscribeContext
}

// Registry maps stream paths to their publisher and subscribers. It
// guarantees at most one publisher per path and at most one publish and one
// subscribe role per connection.
type Registry struct {
	mu          sync.RWMutex
	streams     map[StreamPath]*streamEntry
	connections map[ConnectionID]*connectionRoles
	cacheLimits CacheLimits
	logger      *slog.Logger
}

// NewRegistry creates an empty registry
func NewRegistry(limits CacheLimits, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		streams:     make(map[StreamPath]*streamEntry),
		connections: make(map[ConnectionID]*connectionRoles),
		cacheLimits: limits,
		logger:      logger,
	}
}

// SetCacheLimits changes the limits used by publishers created afterwards
// and by every current publisher.
func (r *Registry) SetCacheLimits(limits CacheLimits) {
	r.mu.Lock()
	r.cacheLimits = limits
	pubs := make([]*PublishContext, 0, len(r.streams))
	for _, e := range r.streams {
		if e.publisher != nil {
			pubs = append(pubs, e.publisher)
		}
	}
	r.mu.Unlock()

	for _, p := range pubs {
		p.SetCacheLimits(limits)
	}
}

// entryLocked returns the entry for path, creating it if needed.
// Must be called with r.mu held for writing.
func (r *Registry) entryLocked(path StreamPath) *streamEntry {
	e, ok := r.streams[path]
	if !ok {
		e = &streamEntry{path: path}
		r.streams[path] = e
	}
	return e
}

// pruneLocked removes an entry that has neither publisher nor subscribers.
// Must be called with r.mu and e.mu held.
func (r *Registry) pruneLocked(e *streamEntry) {
	if e.publisher == nil && len(e.subscribers) == 0 {
		delete(r.streams, e.path)
	}
}

func (r *Registry) rolesLocked(conn ConnectionID) *connectionRoles {
	roles, ok := r.connections[conn]
	if !ok {
		roles = &connectionRoles{}
		r.connections[conn] = roles
	}
	return roles
}

func (r *Registry) dropRolesLocked(conn ConnectionID) {
	if roles, ok := r.connections[conn]; ok && roles.publishing == nil && roles.subscribing == nil {
		delete(r.connections, conn)
	}
}

// StartPublishing registers conn as the publisher of path. On success it
// returns the new context and the subscribers already waiting on the path.
func (r *Registry) StartPublishing(path StreamPath, conn ConnectionID, args StreamArguments) (*PublishContext, []*SubscribeContext, PublishResult) {
	return r.startPublishing(path, conn, args, nil)
}

// startPublishing runs started, if set, with the waiting subscribers while
// the path lock is still held.
func (r *Registry) startPublishing(path StreamPath, conn ConnectionID, args StreamArguments, started func([]*SubscribeContext)) (*PublishContext, []*SubscribeContext, PublishResult) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if roles, ok := r.connections[conn]; ok {
		if roles.publishing != nil {
			return nil, nil, PublishAlreadyPublishing
		}
		if roles.subscribing != nil {
			return nil, nil, PublishAlreadySubscribing
		}
	}

	if e, ok := r.streams[path]; ok && e.publisher != nil {
		return nil, nil, PublishAlreadyExists
	}

	e := r.entryLocked(path)
	pub := newPublishContext(path, conn, args, r.cacheLimits)
	pub.entry = e

	e.mu.Lock()
	e.publisher = pub
	waiting := append([]*SubscribeContext(nil), e.subscribers...)
	if started != nil {
		started(waiting)
	}
	e.mu.Unlock()

	r.rolesLocked(conn).publishing = pub

	r.logger.Info("stream publishing started",
		"stream_path", path,
		"connection_id", conn,
		"waiting_subscribers", len(waiting))

	return pub, waiting, PublishSucceeded
}

// StopPublishing removes the publish context and returns the subscribers of
// the path. The second call for the same context returns false.
func (r *Registry) StopPublishing(pub *PublishContext) ([]*SubscribeContext, bool) {
	return r.stopPublishing(pub, nil)
}

// stopPublishing runs stopped, if set, with the remaining subscribers while
// the path lock is still held.
func (r *Registry) stopPublishing(pub *PublishContext, stopped func([]*SubscribeContext)) ([]*SubscribeContext, bool) {
	if pub == nil || pub.entry == nil {
		return nil, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e := pub.entry
	e.mu.Lock()
	if e.publisher != pub {
		e.mu.Unlock()
		return nil, false
	}
	e.publisher = nil
	subs := append([]*SubscribeContext(nil), e.subscribers...)
	if stopped != nil {
		stopped(subs)
	}
	pub.releaseCache()
	r.pruneLocked(e)
	e.mu.Unlock()

	if roles, ok := r.connections[pub.ConnectionID]; ok && roles.publishing == pub {
		roles.publishing = nil
		r.dropRolesLocked(pub.ConnectionID)
	}

	r.logger.Info("stream publishing stopped",
		"stream_path", pub.Path,
		"connection_id", pub.ConnectionID,
		"subscribers", len(subs))

	return subs, true
}

// StartSubscribing registers conn as a subscriber of path. The returned
// context is incomplete until its cache replay is done.
func (r *Registry) StartSubscribing(path StreamPath, conn ConnectionID, session string, args StreamArguments, opts SubscribeOptions) (*SubscribeContext, SubscribeResult) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if roles, ok := r.connections[conn]; ok {
		if roles.subscribing != nil {
			return nil, SubscribeAlreadySubscribing
		}
		if roles.publishing != nil {
			return nil, SubscribeAlreadyPublishing
		}
	}

	e := r.entryLocked(path)
	sub := newSubscribeContext(path, conn, session, args, opts)
	sub.entry = e

	e.mu.Lock()
	e.subscribers = append(e.subscribers, sub)
	e.mu.Unlock()

	r.rolesLocked(conn).subscribing = sub

	r.logger.Debug("stream subscribing started",
		"stream_path", path,
		"connection_id", conn)

	return sub, SubscribeSucceeded
}

// StopSubscribing removes the subscriber. It returns false if the context was
// already removed.
func (r *Registry) StopSubscribing(sub *SubscribeContext) bool {
	if sub == nil || sub.entry == nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e := sub.entry
	e.mu.Lock()
	idx := -1
	for i, s := range e.subscribers {
		if s == sub {
			idx = i
			break
		}
	}
	if idx < 0 {
		e.mu.Unlock()
		return false
	}
	// Copy on removal so snapshots handed out earlier stay intact
	subs := make([]*SubscribeContext, 0, len(e.subscribers)-1)
	subs = append(subs, e.subscribers[:idx]...)
	subs = append(subs, e.subscribers[idx+1:]...)
	e.subscribers = subs
	r.pruneLocked(e)
	e.mu.Unlock()

	if roles, ok := r.connections[sub.ConnectionID]; ok && roles.subscribing == sub {
		roles.subscribing = nil
		r.dropRolesLocked(sub.ConnectionID)
	}

	r.logger.Debug("stream subscribing stopped",
		"stream_path", sub.Path,
		"connection_id", sub.ConnectionID)

	return true
}

// GetPublishContext returns the publisher of path, or nil
func (r *Registry) GetPublishContext(path StreamPath) *PublishContext {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.streams[path]; ok {
		return e.publisher
	}
	return nil
}

// GetSubscribeContexts returns a copy of the subscribers of path
func (r *Registry) GetSubscribeContexts(path StreamPath) []*SubscribeContext {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.streams[path]; ok {
		return append([]*SubscribeContext(nil), e.subscribers...)
	}
	return nil
}

// IsPublishing reports whether path has a publisher
func (r *Registry) IsPublishing(path StreamPath) bool {
	return r.GetPublishContext(path) != nil
}

// IsBeingSubscribed reports whether path has at least one subscriber
func (r *Registry) IsBeingSubscribed(path StreamPath) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.streams[path]
	return ok && len(e.subscribers) > 0
}

// StreamPaths returns the sorted paths that currently have a publisher
func (r *Registry) StreamPaths() []StreamPath {
	r.mu.RLock()
	paths := make([]StreamPath, 0, len(r.streams))
	for path, e := range r.streams {
		if e.publisher != nil {
			paths = append(paths, path)
		}
	}
	r.mu.RUnlock()

	sort.Slice(paths, func(i, j int) bool { return paths[i] < paths[j] })
	return paths
}

// PublisherCount returns the number of active publishers
func (r *Registry) PublisherCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, e := range r.streams {
		if e.publisher != nil {
			n++
		}
	}
	return n
}

// SubscriberCount returns the number of subscribers of path
func (r *Registry) SubscriberCount(path StreamPath) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.streams[path]; ok {
		return len(e.subscribers)
	}
	return 0
}

// ConnectionRoles returns the contexts held by a connection (either may be nil)
func (r *Registry) ConnectionRoles(conn ConnectionID) (*PublishContext, *SubscribeContext) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if roles, ok := r.connections[conn]; ok {
		return roles.publishing, roles.subscribing
	}
	return nil, nil
}

// PublishContexts returns every active publisher
func (r *Registry) PublishContexts() []*PublishContext {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pubs := make([]*PublishContext, 0, len(r.streams))
	for _, e := range r.streams {
		if e.publisher != nil {
			pubs = append(pubs, e.publisher)
		}
	}
	return pubs
}

// AllSubscribeContexts returns every subscriber across all paths
func (r *Registry) AllSubscribeContexts() []*SubscribeContext {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var subs []*SubscribeContext
	for _, e := range r.streams {
		subs = append(subs, e.subscribers...)
	}
	return subs
}
