// Package server hands the derived seed to the local secret consumer over a
// named pipe.
//
// The pipe is recreated for every reader: each open gets exactly one
// resource document followed by EOF, and the path is unlinked in between so
// a consumer that restarts always finds a fresh FIFO.
package server

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/psanford/akseed/seed"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	// DefaultPath is where the offline filesystem KBC reads its resources.
	DefaultPath = "/etc/aa-offline_fs_kbc-resources.json"

	// ResourceKey names the seed inside the resource document.
	ResourceKey = "default/key/1"

	fifoMode = 0644
)

type Server struct {
	path    string
	payload []byte
	served  atomic.Int64
}

// New prepares a server for s. The seed is encoded immediately; the caller
// may wipe s afterwards but must call Close to wipe the encoded copy.
func New(path string, s *seed.Seed) *Server {
	return &Server{
		path:    path,
		payload: EncodeResource(s),
	}
}

// Close wipes the encoded payload. The server cannot be used afterwards.
func (s *Server) Close() {
	clear(s.payload)
	s.payload = nil
}

// Served returns the number of completed deliveries.
func (s *Server) Served() int64 {
	return s.served.Load()
}

// ListenAndServe offers the resource document to one reader at a time until
// ctx is cancelled. Failing to create the FIFO ends the loop; a failed
// delivery to a single reader is logged and the pipe is offered again.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s.payload == nil {
		return errors.New("server closed")
	}

	log.Infof("serving resources on FIFO %s", s.path)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := createFIFO(s.path); err != nil {
			return err
		}

		err := s.deliver(ctx)

		if rerr := os.Remove(s.path); rerr != nil && !errors.Is(rerr, fs.ErrNotExist) {
			log.Warnf("remove FIFO %s err: %s", s.path, rerr)
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			log.Errorf("delivery on %s failed: %s", s.path, err)
			continue
		}
		n := s.served.Add(1)
		log.Infof("served resources to reader (%d total)", n)
	}
}

// deliver blocks until a reader opens the FIFO, then writes the payload.
func (s *Server) deliver(ctx context.Context) error {
	// Cancellation opens the read side ourselves so the blocked open below
	// returns.
	opened := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		wakeWriter(s.path, opened)
	})

	f, err := os.OpenFile(s.path, os.O_WRONLY, 0)
	close(opened)
	stop()
	if err != nil {
		return fmt.Errorf("open FIFO for writing err: %w", err)
	}
	defer f.Close()

	if err := ctx.Err(); err != nil {
		return err
	}

	if _, err := f.Write(s.payload); err != nil {
		return fmt.Errorf("write resources err: %w", err)
	}
	return f.Close()
}

func createFIFO(path string) error {
	if _, err := os.Lstat(path); err == nil {
		log.Debugf("removing stale %s", path)
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("remove stale FIFO %s err: %w", path, err)
		}
	}

	if err := unix.Mkfifo(path, fifoMode); err != nil {
		return fmt.Errorf("create FIFO at %s err: %w", path, err)
	}
	// mkfifo honours the umask.
	if err := os.Chmod(path, fifoMode); err != nil {
		return fmt.Errorf("chmod FIFO %s err: %w", path, err)
	}
	return nil
}

// wakeWriter keeps opening and closing the read side of the FIFO until the
// writer's open has returned. A single attempt can land before the writer
// starts waiting and be missed.
func wakeWriter(path string, opened <-chan struct{}) {
	for {
		f, err := os.OpenFile(path, os.O_RDONLY|syscall.O_NONBLOCK, 0)
		if err == nil {
			f.Close()
		}
		select {
		case <-opened:
			return
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// EncodeResource renders {"default/key/1": "<base64 seed>"} followed by a
// newline. The result is built in a single buffer so it can be wiped.
func EncodeResource(s *seed.Seed) []byte {
	const (
		prefix = `{"` + ResourceKey + `": "`
		suffix = "\"}\n"
	)
	enc := base64.StdEncoding
	n := enc.EncodedLen(len(s.Bytes()))

	buf := make([]byte, len(prefix)+n+len(suffix))
	copy(buf, prefix)
	enc.Encode(buf[len(prefix):], s.Bytes())
	copy(buf[len(prefix)+n:], suffix)
	return buf
}
