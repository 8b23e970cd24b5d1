package stream

import (
	"errors"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

// ErrInvalidPath is returned when a stream path has no application or no key
var ErrInvalidPath = errors.New("invalid stream path")

// StreamPath is the normalized "/app/key" identifier of a stream.
type StreamPath string

// StreamArguments are the query parameters supplied with a publish or play
// request (e.g. "?key=secret").
type StreamArguments map[string]string

// ConnectionID identifies the client connection that owns a context.
type ConnectionID string

// NewConnectionID returns a random connection identity
func NewConnectionID() ConnectionID {
	return ConnectionID(uuid.New().String())
}

// NewStreamPath builds a path from an application name and a stream key.
// Any query suffix on the key is split off and returned as arguments.
func NewStreamPath(app, key string) (StreamPath, StreamArguments, error) {
	return ParsePath(app + "/" + key)
}

// ParsePath normalizes a raw path such as "live//alpha?key=x" into
// "/live/alpha" plus its arguments.
func ParsePath(raw string) (StreamPath, StreamArguments, error) {
	args := StreamArguments{}

	if idx := strings.IndexByte(raw, '?'); idx >= 0 {
		query, err := url.ParseQuery(raw[idx+1:])
		if err == nil {
			for k, v := range query {
				if len(v) > 0 {
					args[k] = v[0]
				}
			}
		}
		raw = raw[:idx]
	}

	parts := strings.Split(raw, "/")
	segments := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" || p == "." {
			continue
		}
		if p == ".." {
			return "", nil, ErrInvalidPath
		}
		segments = append(segments, p)
	}

	if len(segments) < 2 {
		return "", nil, ErrInvalidPath
	}

	return StreamPath("/" + strings.Join(segments, "/")), args, nil
}

// App returns the first path segment
func (p StreamPath) App() string {
	s := strings.TrimPrefix(string(p), "/")
	if idx := strings.IndexByte(s, '/'); idx >= 0 {
		return s[:idx]
	}
	return s
}

// Key returns everything after the application segment
func (p StreamPath) Key() string {
	s := strings.TrimPrefix(string(p), "/")
	if idx := strings.IndexByte(s, '/'); idx >= 0 {
		return s[idx+1:]
	}
	return ""
}

func (p StreamPath) String() string {
	return string(p)
}
