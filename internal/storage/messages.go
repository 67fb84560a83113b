package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Message is one guestbook entry.
type Message struct {
	ID         int64  `json:"id"`
	Time       string `json:"time"`
	Name       string `json:"name"`
	Message    string `json:"message"`
	IsAction   bool   `json:"isAction"`
	IsAnnounce bool   `json:"isAnnounce"`
	IsCmd      bool   `json:"isCmd"`
	OriginIP   string `json:"originIP"`

	// Color is attached at read time and never persisted.
	Color int `json:"color,omitempty"`
}

// MessageLog is the bounded, newest-first message log.
type MessageLog struct {
	file  *lockedFile
	limit int
	now   func() time.Time
}

// OpenMessageLog prepares a message log at path keeping at most limit
// entries. The file itself is created on the first append.
func OpenMessageLog(path string, limit int) (*MessageLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	if limit <= 0 {
		limit = DefaultCap
	}
	return &MessageLog{file: newLockedFile(path), limit: limit, now: time.Now}, nil
}

// Append stores m as the newest entry and returns it as stored. The ID is the
// current millisecond clock, bumped past the newest stored ID when the clock
// has not advanced, so IDs in one log never repeat.
func (l *MessageLog) Append(ctx context.Context, m Message) (Message, error) {
	err := l.file.update(ctx, func(data []byte) ([]byte, error) {
		list := decodeList[Message](data)

		now := l.now()
		m.ID = now.UnixMilli()
		if len(list) > 0 && list[0].ID >= m.ID {
			m.ID = list[0].ID + 1
		}
		m.Time = formatTime(now)
		m.Color = 0

		list = prependBounded(list, m, l.limit)
		out, err := json.Marshal(list)
		if err != nil {
			return nil, fmt.Errorf("%w: encode messages: %w", ErrWriteFailed, err)
		}
		return out, nil
	})
	if err != nil {
		return Message{}, err
	}
	return m, nil
}

// ReadRecent returns up to limit entries, newest first.
func (l *MessageLog) ReadRecent(ctx context.Context, limit int) ([]Message, error) {
	var list []Message
	err := l.file.view(ctx, func(data []byte) error {
		list = decodeList[Message](data)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if limit >= 0 && len(list) > limit {
		list = list[:limit]
	}
	if list == nil {
		list = []Message{}
	}
	return list, nil
}

// Path returns the log's file path.
func (l *MessageLog) Path() string { return l.file.path }

// Size returns the log's on-disk size in bytes.
func (l *MessageLog) Size() int64 { return l.file.size() }
