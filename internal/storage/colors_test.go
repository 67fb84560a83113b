package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/developingchet/guestbookd/internal/identity"
)

func TestParseColor(t *testing.T) {
	tests := []struct {
		input string
		want  int
		err   bool
	}{
		{"1", 1, false},
		{"8", 8, false},
		{"0", 1, false},
		{"42", 8, false},
		{"-3", 1, false},
		{"red", 1, false},
		{" Blue ", 6, false},
		{"PINK", 8, false},
		{"mauve", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseColor(tt.input)
		if tt.err {
			assert.ErrorIs(t, err, ErrInvalidColor, "input=%q", tt.input)
			continue
		}
		require.NoError(t, err, "input=%q", tt.input)
		assert.Equal(t, tt.want, got, "input=%q", tt.input)
	}
}

func TestColorStore_SetAndGet(t *testing.T) {
	s, err := OpenColorStore(filepath.Join(t.TempDir(), "colors.json"))
	require.NoError(t, err)
	ctx := context.Background()

	_, ok, err := s.ColorFor(ctx, "1.2.3.4")
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.SetColor(ctx, "1.2.3.4", 3)
	require.NoError(t, err)
	assert.Equal(t, 3, got)

	idx, ok, err := s.ColorFor(ctx, "1.2.3.4")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 3, idx)

	got, err = s.SetColor(ctx, "1.2.3.4", 12)
	require.NoError(t, err)
	assert.Equal(t, 8, got, "clamped on write")

	idx, _, err = s.ColorFor(ctx, "1.2.3.4")
	require.NoError(t, err)
	assert.Equal(t, 8, idx, "overwritten on change")
}

func TestColorMap_LegacyHashes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "colors.json")
	legacy := `{"` + identity.Hash("5.6.7.8") + `": 4, "1.2.3.4": "blue", "bad": [1]}`
	require.NoError(t, os.WriteFile(path, []byte(legacy), 0o600))

	s, err := OpenColorStore(path)
	require.NoError(t, err)
	cm, err := s.Snapshot(context.Background())
	require.NoError(t, err)

	idx, ok := cm.Lookup("5.6.7.8")
	assert.True(t, ok, "raw IP resolves a hashed key")
	assert.Equal(t, 4, idx)

	idx, ok = cm.Lookup(identity.Hash("1.2.3.4"))
	assert.True(t, ok, "hashed value resolves a raw key")
	assert.Equal(t, 6, idx)

	_, ok = cm.Lookup("bad")
	assert.False(t, ok)
	_, ok = cm.Lookup("")
	assert.False(t, ok)
}

func TestColorMap_ZeroValue(t *testing.T) {
	var cm ColorMap
	_, ok := cm.Lookup("1.2.3.4")
	assert.False(t, ok)
}
