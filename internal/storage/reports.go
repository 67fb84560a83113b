package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// MaxReasonLen is the longest report reason kept, in runes.
const MaxReasonLen = 1000

// Report is a moderation request filed against a display name.
type Report struct {
	ID         string `json:"id"`
	Reporter   string `json:"reporter"`
	Target     string `json:"target"`
	Reason     string `json:"reason"`
	ReporterIP string `json:"reporterIP"`
	Time       string `json:"time"`
}

// ReportLog is the bounded, newest-first report queue consumed by the admin
// tooling.
type ReportLog struct {
	file  *lockedFile
	limit int
	now   func() time.Time
}

// OpenReportLog prepares a report log at path keeping at most limit entries.
func OpenReportLog(path string, limit int) (*ReportLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	if limit <= 0 {
		limit = DefaultCap
	}
	return &ReportLog{file: newLockedFile(path), limit: limit, now: time.Now}, nil
}

// File appends r and returns it with its assigned ID and time.
func (l *ReportLog) File(ctx context.Context, r Report) (Report, error) {
	r.ID = uuid.NewString()
	r.Time = formatTime(l.now())
	if rs := []rune(r.Reason); len(rs) > MaxReasonLen {
		r.Reason = string(rs[:MaxReasonLen])
	}

	err := l.file.update(ctx, func(data []byte) ([]byte, error) {
		list := prependBounded(decodeList[Report](data), r, l.limit)
		out, err := json.Marshal(list)
		if err != nil {
			return nil, fmt.Errorf("%w: encode reports: %w", ErrWriteFailed, err)
		}
		return out, nil
	})
	if err != nil {
		return Report{}, err
	}
	return r, nil
}

// Path returns the queue's file path.
func (l *ReportLog) Path() string { return l.file.path }

// Size returns the queue's on-disk size in bytes.
func (l *ReportLog) Size() int64 { return l.file.size() }
