package client

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestDecodeResource(t *testing.T) {
	s, err := DecodeResource([]byte(`{"default/key/1": "AAECAwQFBgcICQoLDA0ODxAREhMUFRYXGBkaGxwdHh8="}` + "\n"))
	require.NoError(t, err)
	for i, b := range s.Bytes() {
		assert.Equal(t, byte(i), b)
	}
}

func TestDecodeResourceInvalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"empty", ""},
		{"not json", "default/key/1=abc"},
		{"wrong key", `{"default/key/2": "AAECAwQFBgcICQoLDA0ODxAREhMUFRYXGBkaGxwdHh8="}`},
		{"bad base64", `{"default/key/1": "not base64!"}`},
		{"short seed", `{"default/key/1": "AAECAw=="}`},
		{"value not a string", `{"default/key/1": 7}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := DecodeResource([]byte(tt.doc))
			assert.Nil(t, s)
			assert.True(t, errors.Is(err, ErrBadResource), "got %v", err)
		})
	}
}

func TestFetchSeedMissingFIFO(t *testing.T) {
	c := NewClientWithTimeout(filepath.Join(t.TempDir(), "res.json"), time.Second)
	_, err := c.FetchSeed(context.Background())
	assert.True(t, errors.Is(err, fs.ErrNotExist), "got %v", err)
}

func TestFetchSeedTimeout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "res.json")
	require.NoError(t, unix.Mkfifo(path, 0644))

	c := NewClientWithTimeout(path, 100*time.Millisecond)
	start := time.Now()
	_, err := c.FetchSeed(context.Background())
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
	assert.Less(t, time.Since(start), 5*time.Second)
}
