package stream

import (
	"maps"

	"github.com/gocast/livecast/internal/buffer"
)

// MediaType distinguishes audio from video payloads
type MediaType uint8

const (
	MediaAudio MediaType = iota + 1
	MediaVideo
)

func (t MediaType) String() string {
	switch t {
	case MediaAudio:
		return "audio"
	case MediaVideo:
		return "video"
	default:
		return "unknown"
	}
}

// Packet is an encoded audio or video frame shared by every subscriber that
// receives it. Payload is never modified after the packet is built. Every
// cache slot and queue entry that references a Packet holds its own claim
// on Payload.
type Packet struct {
	Type      MediaType
	Timestamp uint32
	Skippable bool
	Payload   *buffer.Buffer
}

// Len returns the payload size in bytes
func (p *Packet) Len() int {
	if p == nil || p.Payload == nil {
		return 0
	}
	return p.Payload.Len()
}

// MetaData is the stream metadata map (dimensions, codec ids, frame rate...)
// as announced by the publisher.
type MetaData map[string]any

// Clone returns a shallow copy
func (m MetaData) Clone() MetaData {
	if m == nil {
		return nil
	}
	return maps.Clone(m)
}

// StreamStatus is an in-band lifecycle notification for subscribers
type StreamStatus int

const (
	// StatusPublishStarted tells a waiting subscriber that a publisher
	// appeared and its player should reset.
	StatusPublishStarted StreamStatus = iota + 1
	// StatusUnpublished is the end-of-stream signal
	StatusUnpublished
)

func (s StreamStatus) String() string {
	switch s {
	case StatusPublishStarted:
		return "publish_started"
	case StatusUnpublished:
		return "unpublished"
	default:
		return "unknown"
	}
}
