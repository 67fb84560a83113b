package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLog(t *testing.T, limit int) *MessageLog {
	t.Helper()
	l, err := OpenMessageLog(filepath.Join(t.TempDir(), "messages.json"), limit)
	require.NoError(t, err)
	return l
}

func TestMessageLog_EmptyRead(t *testing.T) {
	l := newTestLog(t, 10)
	got, err := l.ReadRecent(context.Background(), 100)
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestMessageLog_AppendAssignsIDAndTime(t *testing.T) {
	l := newTestLog(t, 10)
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return fixed }

	m, err := l.Append(context.Background(), Message{Name: "Nova", Message: "hello", OriginIP: "1.2.3.4", Color: 5})
	require.NoError(t, err)
	assert.Equal(t, fixed.UnixMilli(), m.ID)
	assert.Equal(t, "2024-05-01T12:00:00.000Z", m.Time)
	assert.Zero(t, m.Color, "color is a read-time attribute and must not be stored")

	raw, err := os.ReadFile(l.Path())
	require.NoError(t, err)
	assert.NotContains(t, string(raw), `"color"`)
}

func TestMessageLog_NewestFirst(t *testing.T) {
	l := newTestLog(t, 10)
	ctx := context.Background()

	a, err := l.Append(ctx, Message{Name: "a", Message: "first"})
	require.NoError(t, err)
	b, err := l.Append(ctx, Message{Name: "b", Message: "second"})
	require.NoError(t, err)

	got, err := l.ReadRecent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, b.ID, got[0].ID)
	assert.Equal(t, a.ID, got[1].ID)
}

func TestMessageLog_OrderIgnoresClockSkew(t *testing.T) {
	l := newTestLog(t, 10)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	l.now = func() time.Time { return base }
	first, err := l.Append(ctx, Message{Message: "first"})
	require.NoError(t, err)

	// Clock steps backwards: insertion order still wins and ids keep rising.
	l.now = func() time.Time { return base.Add(-time.Hour) }
	second, err := l.Append(ctx, Message{Message: "second"})
	require.NoError(t, err)

	assert.Greater(t, second.ID, first.ID)
	got, err := l.ReadRecent(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, "second", got[0].Message)
	assert.Equal(t, "first", got[1].Message)
}

func TestMessageLog_SameMillisecondIDsDoNotCollide(t *testing.T) {
	l := newTestLog(t, 10)
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return fixed }
	ctx := context.Background()

	a, err := l.Append(ctx, Message{Message: "a"})
	require.NoError(t, err)
	b, err := l.Append(ctx, Message{Message: "b"})
	require.NoError(t, err)
	assert.Equal(t, a.ID+1, b.ID)
}

func TestMessageLog_TruncatesToCap(t *testing.T) {
	l := newTestLog(t, 5)
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		_, err := l.Append(ctx, Message{Message: fmt.Sprintf("m%d", i)})
		require.NoError(t, err)
	}

	got, err := l.ReadRecent(ctx, 100)
	require.NoError(t, err)
	require.Len(t, got, 5)
	assert.Equal(t, "m7", got[0].Message)
	assert.Equal(t, "m3", got[4].Message)
}

func TestMessageLog_ReadRecentLimit(t *testing.T) {
	l := newTestLog(t, 10)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_, err := l.Append(ctx, Message{Message: fmt.Sprintf("m%d", i)})
		require.NoError(t, err)
	}

	got, err := l.ReadRecent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "m3", got[0].Message)
}

func TestMessageLog_IdempotentReads(t *testing.T) {
	l := newTestLog(t, 10)
	ctx := context.Background()
	_, err := l.Append(ctx, Message{Name: "Nova", Message: "hello"})
	require.NoError(t, err)

	first, err := l.ReadRecent(ctx, 100)
	require.NoError(t, err)
	second, err := l.ReadRecent(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestMessageLog_CorruptFileTreatedAsEmpty(t *testing.T) {
	l := newTestLog(t, 10)
	require.NoError(t, os.WriteFile(l.Path(), []byte(`[{"id":1,"message":"x"`), 0o600))

	got, err := l.ReadRecent(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, got)

	m, err := l.Append(context.Background(), Message{Message: "fresh"})
	require.NoError(t, err)
	got, err = l.ReadRecent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, m.ID, got[0].ID)
}

func TestMessageLog_AcceptsLegacyHashedIP(t *testing.T) {
	l := newTestLog(t, 10)
	legacy := `[{"id":5,"time":"2020-01-01T00:00:00.000Z","name":"Old","message":"hi","originIP":"09c35807ba47a82592ef88e5d6304ea699b8cbe2"}]`
	require.NoError(t, os.WriteFile(l.Path(), []byte(legacy), 0o600))

	got, err := l.ReadRecent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "09c35807ba47a82592ef88e5d6304ea699b8cbe2", got[0].OriginIP)
}

// TestMessageLog_ConcurrentAppends checks the atomicity property: every
// append lands, the cap holds, ids are unique, and a reader polling during the
// run never observes a partially written file.
func TestMessageLog_ConcurrentAppends(t *testing.T) {
	const writers = 8
	const perWriter = 30
	const limit = 100

	l := newTestLog(t, limit)
	ctx := context.Background()

	stop := make(chan struct{})
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			select {
			case <-stop:
				return
			default:
			}
			raw, err := os.ReadFile(l.Path())
			if err != nil {
				continue
			}
			var list []Message
			if err := json.Unmarshal(raw, &list); err != nil {
				t.Errorf("observed corrupt log: %v", err)
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				if _, err := l.Append(ctx, Message{Name: fmt.Sprintf("w%d", w), Message: fmt.Sprintf("%d", i)}); err != nil {
					t.Errorf("append: %v", err)
					return
				}
			}
		}(w)
	}
	wg.Wait()
	close(stop)
	<-readerDone

	got, err := l.ReadRecent(ctx, 1000)
	require.NoError(t, err)
	assert.Len(t, got, limit)

	seen := make(map[int64]bool, len(got))
	for i, m := range got {
		assert.False(t, seen[m.ID], "duplicate id %d", m.ID)
		seen[m.ID] = true
		if i > 0 {
			assert.Less(t, m.ID, got[i-1].ID, "log must be newest-first")
		}
	}
}

func TestMessageLog_CountBelowCap(t *testing.T) {
	l := newTestLog(t, DefaultCap)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Append(ctx, Message{Message: "x"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := l.ReadRecent(ctx, 1000)
	require.NoError(t, err)
	assert.Len(t, got, 25)
}
