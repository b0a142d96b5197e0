// Package client is the reading side of the resource FIFO. The real
// consumer is the confidential data hub; this is what `akseed debug
// read-fifo` and the tests use to check what is being served.
package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/psanford/akseed/seed"
	"github.com/psanford/akseed/server"
)

var ErrBadResource = errors.New("bad resource document")

type Client struct {
	path    string
	timeout time.Duration
}

func NewClient(path string) *Client {
	return NewClientWithTimeout(path, 30*time.Second)
}

func NewClientWithTimeout(path string, tout time.Duration) *Client {
	return &Client{
		path:    path,
		timeout: tout,
	}
}

type result struct {
	s   *seed.Seed
	err error
}

// FetchSeed reads one resource document from the FIFO and returns the seed
// it carries. Opening the FIFO blocks until the server offers it; if ctx or
// the client timeout ends first the pending read is abandoned.
func (c *Client) FetchSeed(ctx context.Context) (*seed.Seed, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ch := make(chan result, 1)
	go func() {
		s, err := c.read()
		ch <- result{s, err}
	}()

	select {
	case r := <-ch:
		return r.s, r.err
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.s != nil {
				r.s.Wipe()
			}
		}()
		return nil, fmt.Errorf("read %s err: %w", c.path, ctx.Err())
	}
}

func (c *Client) read() (*seed.Seed, error) {
	f, err := os.Open(c.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	raw, err := io.ReadAll(f)
	defer clear(raw)
	if err != nil {
		return nil, fmt.Errorf("read %s err: %w", c.path, err)
	}

	return DecodeResource(raw)
}

// DecodeResource parses a resource document and returns the seed stored
// under server.ResourceKey.
func DecodeResource(raw []byte) (*seed.Seed, error) {
	var doc map[string]string
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadResource, err)
	}

	encoded, ok := doc[server.ResourceKey]
	if !ok {
		return nil, fmt.Errorf("%w: missing key %q", ErrBadResource, server.ResourceKey)
	}

	dec, err := base64.StdEncoding.DecodeString(encoded)
	defer clear(dec)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadResource, err)
	}
	if len(dec) != seed.Size {
		return nil, fmt.Errorf("%w: seed is %d bytes, want %d", ErrBadResource, len(dec), seed.Size)
	}

	return seed.FromBytes(dec), nil
}
