package server_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/psanford/akseed/client"
	"github.com/psanford/akseed/seed"
	"github.com/psanford/akseed/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSeed() *seed.Seed {
	b := make([]byte, seed.Size)
	for i := range b {
		b[i] = byte(i)
	}
	return seed.FromBytes(b)
}

func TestEncodeResource(t *testing.T) {
	got := server.EncodeResource(testSeed())
	assert.Equal(t, "{\"default/key/1\": \"AAECAwQFBgcICQoLDA0ODxAREhMUFRYXGBkaGxwdHh8=\"}\n", string(got))

	s, err := client.DecodeResource(got)
	require.NoError(t, err)
	assert.Equal(t, testSeed().Bytes(), s.Bytes())
}

func TestCloseWipesPayload(t *testing.T) {
	srv := server.New(filepath.Join(t.TempDir(), "res.json"), testSeed())
	srv.Close()

	err := srv.ListenAndServe(context.Background())
	assert.Error(t, err)
}

type running struct {
	srv  *server.Server
	path string
	stop context.CancelFunc
	done chan error
}

func start(t *testing.T) *running {
	t.Helper()
	path := filepath.Join(t.TempDir(), "aa-offline_fs_kbc-resources.json")
	srv := server.New(path, testSeed())

	ctx, cancel := context.WithCancel(context.Background())
	r := &running{
		srv:  srv,
		path: path,
		stop: cancel,
		done: make(chan error, 1),
	}
	go func() {
		r.done <- srv.ListenAndServe(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-r.done
		srv.Close()
	})
	return r
}

// waitFIFO waits for the server to have completed n deliveries and to be
// offering a fresh pipe.
func (r *running) waitFIFO(t *testing.T, n int64) {
	t.Helper()
	require.Eventually(t, func() bool {
		if r.srv.Served() != n {
			return false
		}
		fi, err := os.Lstat(r.path)
		return err == nil && fi.Mode()&os.ModeNamedPipe != 0
	}, 5*time.Second, 5*time.Millisecond)
}

func (r *running) fetch(t *testing.T) *seed.Seed {
	t.Helper()
	s, err := client.NewClientWithTimeout(r.path, 5*time.Second).FetchSeed(context.Background())
	require.NoError(t, err)
	return s
}

func TestServeRepeatedly(t *testing.T) {
	r := start(t)

	for i := int64(0); i < 3; i++ {
		r.waitFIFO(t, i)
		s := r.fetch(t)
		assert.Equal(t, testSeed().Bytes(), s.Bytes(), "delivery %d", i)
	}
	r.waitFIFO(t, 3)
}

func TestServeFIFOMode(t *testing.T) {
	old := syscall.Umask(0077)
	defer syscall.Umask(old)

	r := start(t)
	r.waitFIFO(t, 0)

	// the mode is fixed up right after the pipe is created
	require.Eventually(t, func() bool {
		fi, err := os.Lstat(r.path)
		return err == nil && fi.Mode().Perm() == 0644
	}, 5*time.Second, 5*time.Millisecond)
}

func TestServeReplacesStaleFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "res.json")
	require.NoError(t, os.WriteFile(path, []byte("stale"), 0600))

	srv := server.New(path, testSeed())
	defer srv.Close()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(ctx) }()

	require.Eventually(t, func() bool {
		fi, err := os.Lstat(path)
		return err == nil && fi.Mode()&os.ModeNamedPipe != 0
	}, 5*time.Second, 5*time.Millisecond)

	s, err := client.NewClientWithTimeout(path, 5*time.Second).FetchSeed(context.Background())
	require.NoError(t, err)
	assert.Equal(t, testSeed().Bytes(), s.Bytes())

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestServeStopsOnCancel(t *testing.T) {
	r := start(t)
	r.waitFIFO(t, 0)

	// no reader ever shows up
	r.stop()
	select {
	case err := <-r.done:
		assert.ErrorIs(t, err, context.Canceled)
		r.done <- err
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop after cancel")
	}

	_, err := os.Lstat(r.path)
	assert.True(t, errors.Is(err, os.ErrNotExist), "FIFO left behind: %v", err)
}

func TestServeAlreadyCancelled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "res.json")
	srv := server.New(path, testSeed())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, srv.ListenAndServe(ctx), context.Canceled)

	_, err := os.Lstat(path)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestServeCreateFailureIsFatal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing-dir", "res.json")
	srv := server.New(path, testSeed())
	defer srv.Close()

	err := srv.ListenAndServe(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create FIFO")
}

func TestServeSurvivesReaderHangup(t *testing.T) {
	r := start(t)
	r.waitFIFO(t, 0)

	f, err := os.Open(r.path)
	require.NoError(t, err)
	f.Close()

	var got *seed.Seed
	for i := 0; i < 10 && got == nil; i++ {
		s, err := client.NewClientWithTimeout(r.path, 500*time.Millisecond).FetchSeed(context.Background())
		if err == nil {
			got = s
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	require.NotNil(t, got, "server stopped serving after a reader hung up")
	assert.Equal(t, testSeed().Bytes(), got.Bytes())
}
