package stream

import (
	"sync"

	"github.com/gammazero/deque"

	"github.com/gocast/livecast/internal/buffer"
)

// CacheLimits bounds the group-of-pictures cache of every publisher
type CacheLimits struct {
	GroupOfPictures bool
	MaxPackets      int
	MaxBytes        int64
}

// DefaultCacheLimits enables the GOP cache with room for a long GOP at
// typical live bitrates.
func DefaultCacheLimits() CacheLimits {
	return CacheLimits{
		GroupOfPictures: true,
		MaxPackets:      4096,
		MaxBytes:        32 * 1024 * 1024,
	}
}

// CacheStats describes what a publisher currently has cached
type CacheStats struct {
	VideoHeader bool  `json:"video_header"`
	AudioHeader bool  `json:"audio_header"`
	MetaData    bool  `json:"metadata"`
	GOPPackets  int   `json:"gop_packets"`
	GOPBytes    int64 `json:"gop_bytes"`
	Suspended   bool  `json:"gop_suspended"`
}

// mediaCache holds the sequence headers, metadata and current group of
// pictures. Every cached packet owns one claim on its payload. GOP caching
// is suspended until the first group boundary and after an overflow, so a
// group is never cached without its keyframe.
type mediaCache struct {
	mu sync.RWMutex

	limits      CacheLimits
	videoHeader *Packet
	audioHeader *Packet
	metadata    MetaData

	gop       deque.Deque[*Packet]
	gopBytes  int64
	suspended bool
}

// CacheSequenceHeader stores the latest codec header for a media type,
// replacing the previous one. The cache takes its own claim on payload.
func (p *PublishContext) CacheSequenceHeader(t MediaType, payload *buffer.Buffer, timestamp uint32) {
	pkt := &Packet{Type: t, Timestamp: timestamp, Payload: payload.Claim()}

	c := &p.cache
	c.mu.Lock()
	var old *Packet
	switch t {
	case MediaVideo:
		old, c.videoHeader = c.videoHeader, pkt
	case MediaAudio:
		old, c.audioHeader = c.audioHeader, pkt
	default:
		c.mu.Unlock()
		pkt.Payload.Release()
		return
	}
	c.mu.Unlock()

	if old != nil {
		old.Payload.Release()
	}
}

// CachePicture appends a frame to the group of pictures. The caller clears
// the cache with ClearGroupOfPicturesCache at every keyframe first.
// When the limits would be exceeded the partial group is dropped and caching
// is suspended until the next clear.
func (p *PublishContext) CachePicture(t MediaType, payload *buffer.Buffer, timestamp uint32) {
	c := &p.cache
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.limits.GroupOfPictures || c.suspended {
		return
	}

	size := int64(payload.Len())
	if (c.limits.MaxPackets > 0 && c.gop.Len()+1 > c.limits.MaxPackets) ||
		(c.limits.MaxBytes > 0 && c.gopBytes+size > c.limits.MaxBytes) {
		c.clearLocked()
		c.suspended = true
		return
	}

	c.gop.PushBack(&Packet{Type: t, Timestamp: timestamp, Payload: payload.Claim()})
	c.gopBytes += size
}

// ClearGroupOfPicturesCache drops the cached group and starts a new window
func (p *PublishContext) ClearGroupOfPicturesCache() {
	c := &p.cache
	c.mu.Lock()
	c.clearLocked()
	c.suspended = false
	c.mu.Unlock()
}

func (c *mediaCache) clearLocked() {
	for c.gop.Len() > 0 {
		c.gop.PopFront().Payload.Release()
	}
	c.gopBytes = 0
}

// CacheStreamMetaData replaces the cached metadata map
func (p *PublishContext) CacheStreamMetaData(meta MetaData) {
	c := &p.cache
	c.mu.Lock()
	c.metadata = meta.Clone()
	c.mu.Unlock()
}

// StreamMetaData returns a copy of the cached metadata, or nil
func (p *PublishContext) StreamMetaData() MetaData {
	c := &p.cache
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.metadata.Clone()
}

// SetCacheLimits applies new limits to subsequent CachePicture calls.
// Disabling the GOP cache drops what is cached and suspends it, so a later
// re-enable only starts caching at the next group boundary.
func (p *PublishContext) SetCacheLimits(limits CacheLimits) {
	c := &p.cache
	c.mu.Lock()
	c.limits = limits
	if !limits.GroupOfPictures {
		c.clearLocked()
		c.suspended = true
	}
	c.mu.Unlock()
}

// CacheStats returns a snapshot of the cache occupancy
func (p *PublishContext) CacheStats() CacheStats {
	c := &p.cache
	c.mu.RLock()
	defer c.mu.RUnlock()
	return CacheStats{
		VideoHeader: c.videoHeader != nil,
		AudioHeader: c.audioHeader != nil,
		MetaData:    c.metadata != nil,
		GOPPackets:  c.gop.Len(),
		GOPBytes:    c.gopBytes,
		Suspended:   c.suspended,
	}
}

// cachedHeaders returns the video header then the audio header, each with a
// fresh claim the caller must release.
func (p *PublishContext) cachedHeaders() []*Packet {
	c := &p.cache
	c.mu.RLock()
	defer c.mu.RUnlock()

	headers := make([]*Packet, 0, 2)
	if c.videoHeader != nil {
		c.videoHeader.Payload.Claim()
		headers = append(headers, c.videoHeader)
	}
	if c.audioHeader != nil {
		c.audioHeader.Payload.Claim()
		headers = append(headers, c.audioHeader)
	}
	return headers
}

// cachedGroupOfPictures returns the cached frames in insertion order, each
// with a fresh claim the caller must release.
func (p *PublishContext) cachedGroupOfPictures() []*Packet {
	c := &p.cache
	c.mu.RLock()
	defer c.mu.RUnlock()

	frames := make([]*Packet, 0, c.gop.Len())
	for i := 0; i < c.gop.Len(); i++ {
		pkt := c.gop.At(i)
		pkt.Payload.Claim()
		frames = append(frames, pkt)
	}
	return frames
}

// releaseCache drops every cached claim. Called once the publisher is gone.
func (p *PublishContext) releaseCache() {
	c := &p.cache
	c.mu.Lock()
	defer c.mu.Unlock()

	c.clearLocked()
	if c.videoHeader != nil {
		c.videoHeader.Payload.Release()
		c.videoHeader = nil
	}
	if c.audioHeader != nil {
		c.audioHeader.Payload.Release()
		c.audioHeader = nil
	}
	c.metadata = nil
}
