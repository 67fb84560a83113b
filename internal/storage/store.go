// Package storage holds the guestbook's file-backed stores: the message log,
// the name reservation registry, color preferences, the report queue and the
// rate-limit counters. Every store owns its files and serialises mutations
// internally; callers never see a lock.
package storage

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrWriteFailed marks storage faults (lock, read or write failures) on the
// mutation path.
var ErrWriteFailed = errors.New("storage: write failed")

// DefaultCap is the number of newest entries kept by the bounded logs.
const DefaultCap = 2000

// timeLayout is the ISO-8601 form used for persisted timestamps.
const timeLayout = "2006-01-02T15:04:05.000Z07:00"

// prependBounded returns list with item placed first, truncated to limit.
func prependBounded[T any](list []T, item T, limit int) []T {
	if limit <= 0 {
		limit = DefaultCap
	}
	n := len(list) + 1
	if n > limit {
		n = limit
	}
	out := make([]T, 0, n)
	out = append(out, item)
	for _, e := range list {
		if len(out) == n {
			break
		}
		out = append(out, e)
	}
	return out
}

// decodeList parses a JSON array leniently: an unreadable document is treated
// as empty and elements that fail to decode are dropped.
func decodeList[T any](data []byte) []T {
	if len(data) == 0 {
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil
	}
	out := make([]T, 0, len(raw))
	for _, r := range raw {
		var v T
		if err := json.Unmarshal(r, &v); err != nil {
			continue
		}
		out = append(out, v)
	}
	return out
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}
