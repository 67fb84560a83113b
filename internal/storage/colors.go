package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/developingchet/guestbookd/internal/identity"
)

// MinColor and MaxColor bound the palette index.
const (
	MinColor = 1
	MaxColor = 8
)

// ErrInvalidColor is returned by ParseColor for input that is neither a
// number nor a known alias.
var ErrInvalidColor = errors.New("storage: invalid color")

// colorNames maps display aliases onto palette indices.
var colorNames = map[string]int{
	"red":    1,
	"orange": 2,
	"yellow": 3,
	"green":  4,
	"cyan":   5,
	"blue":   6,
	"purple": 7,
	"pink":   8,
}

// ParseColor accepts a palette index or a color alias. Out-of-range numbers
// are clamped.
func ParseColor(s string) (int, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if idx, ok := colorNames[s]; ok {
		return idx, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidColor, s)
	}
	return clampColor(n), nil
}

func clampColor(n int) int {
	if n < MinColor {
		return MinColor
	}
	if n > MaxColor {
		return MaxColor
	}
	return n
}

// ColorStore keeps per-IP palette preferences.
type ColorStore struct {
	file *lockedFile
}

// OpenColorStore prepares a color store at path.
func OpenColorStore(path string) (*ColorStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	return &ColorStore{file: newLockedFile(path)}, nil
}

// SetColor stores index (clamped to the palette) for ip.
func (s *ColorStore) SetColor(ctx context.Context, ip string, index int) (int, error) {
	index = clampColor(index)
	err := s.file.update(ctx, func(data []byte) ([]byte, error) {
		m := decodeColors(data)
		m[ip] = index
		out, err := json.Marshal(m)
		if err != nil {
			return nil, fmt.Errorf("%w: encode colors: %w", ErrWriteFailed, err)
		}
		return out, nil
	})
	if err != nil {
		return 0, err
	}
	return index, nil
}

// ColorFor returns the preference stored for ip.
func (s *ColorStore) ColorFor(ctx context.Context, ip string) (int, bool, error) {
	cm, err := s.Snapshot(ctx)
	if err != nil {
		return 0, false, err
	}
	idx, ok := cm.Lookup(ip)
	return idx, ok, nil
}

// Snapshot loads all preferences for repeated lookups.
func (s *ColorStore) Snapshot(ctx context.Context) (ColorMap, error) {
	var cm ColorMap
	err := s.file.view(ctx, func(data []byte) error {
		cm = newColorMap(decodeColors(data))
		return nil
	})
	return cm, err
}

// Path returns the store's file path.
func (s *ColorStore) Path() string { return s.file.path }

// Size returns the store's on-disk size in bytes.
func (s *ColorStore) Size() int64 { return s.file.size() }

func decodeColors(data []byte) map[string]int {
	out := make(map[string]int)
	if len(data) == 0 {
		return out
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return out
	}
	for k, v := range raw {
		var n int
		if err := json.Unmarshal(v, &n); err != nil {
			var s string
			if json.Unmarshal(v, &s) != nil {
				continue
			}
			if n, err = ParseColor(s); err != nil {
				continue
			}
		}
		out[k] = clampColor(n)
	}
	return out
}

// ColorMap is a read-only view of the color store. Keys and lookups may be a
// raw IP or the legacy hash of one; both forms resolve to the same entry.
type ColorMap struct {
	byKey  map[string]int
	byHash map[string]int
}

func newColorMap(m map[string]int) ColorMap {
	cm := ColorMap{byKey: m, byHash: make(map[string]int, len(m))}
	for k, v := range m {
		cm.byHash[identity.Hash(k)] = v
	}
	return cm
}

// Lookup resolves stored, which is either a raw IP or a legacy IP hash.
func (cm ColorMap) Lookup(stored string) (int, bool) {
	if stored == "" {
		return 0, false
	}
	if v, ok := cm.byKey[stored]; ok {
		return v, true
	}
	if v, ok := cm.byHash[stored]; ok {
		return v, true
	}
	if v, ok := cm.byKey[identity.Hash(stored)]; ok {
		return v, true
	}
	return 0, false
}
