package stream

import (
	"errors"
	"testing"
)

func TestParsePath(t *testing.T) {
	tests := []struct {
		raw      string
		want     StreamPath
		wantArgs StreamArguments
		wantErr  bool
	}{
		{"/live/alpha", "/live/alpha", StreamArguments{}, false},
		{"live/alpha", "/live/alpha", StreamArguments{}, false},
		{"//live///alpha/", "/live/alpha", StreamArguments{}, false},
		{"/live/./alpha", "/live/alpha", StreamArguments{}, false},
		{"/live/alpha?key=secret&quality=hd", "/live/alpha", StreamArguments{"key": "secret", "quality": "hd"}, false},
		{"/live/room/cam1", "/live/room/cam1", StreamArguments{}, false},
		{"/live", "", nil, true},
		{"", "", nil, true},
		{"/live/../etc", "", nil, true},
		{"?key=x", "", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, args, err := ParsePath(tt.raw)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidPath) {
					t.Fatalf("ParsePath(%q) error = %v, want ErrInvalidPath", tt.raw, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParsePath(%q): %v", tt.raw, err)
			}
			if got != tt.want {
				t.Errorf("path = %q, want %q", got, tt.want)
			}
			if len(args) != len(tt.wantArgs) {
				t.Fatalf("args = %v, want %v", args, tt.wantArgs)
			}
			for k, v := range tt.wantArgs {
				if args[k] != v {
					t.Errorf("args[%q] = %q, want %q", k, args[k], v)
				}
			}
		})
	}
}

func TestNewStreamPath(t *testing.T) {
	path, args, err := NewStreamPath("live", "alpha?key=k1")
	if err != nil {
		t.Fatalf("NewStreamPath: %v", err)
	}
	if path != "/live/alpha" {
		t.Errorf("path = %q", path)
	}
	if args["key"] != "k1" {
		t.Errorf("key argument = %q", args["key"])
	}
	if path.App() != "live" || path.Key() != "alpha" {
		t.Errorf("App/Key = %q/%q", path.App(), path.Key())
	}

	if _, _, err := NewStreamPath("live", ""); !errors.Is(err, ErrInvalidPath) {
		t.Errorf("empty key error = %v", err)
	}
}

func TestNewConnectionIDUnique(t *testing.T) {
	seen := make(map[ConnectionID]bool)
	for i := 0; i < 100; i++ {
		id := NewConnectionID()
		if seen[id] {
			t.Fatalf("duplicate connection id %s", id)
		}
		seen[id] = true
	}
}
