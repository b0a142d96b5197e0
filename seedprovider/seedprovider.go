// Package seedprovider defines the source of input keying material for seed
// derivation and picks one for the running platform.
package seedprovider

import (
	"errors"

	"github.com/psanford/akseed/seed"
	log "github.com/sirupsen/logrus"
)

var ErrNoProvider = errors.New("no seed provider available on this platform")

type Provider interface {
	// Name identifies the backend in logs.
	Name() string
	// IKM returns platform-bound keying material. The caller owns the
	// returned buffer and must wipe it.
	IKM() (seed.Material, error)
}

// Backend is one entry in the detection registry.
type Backend struct {
	Name   string
	Detect func() bool
	New    func() Provider
}

// Detect returns a provider for the first backend whose predicate holds.
// Order is priority.
func Detect(backends []Backend) (Provider, error) {
	for _, b := range backends {
		if b.Detect == nil || b.New == nil {
			continue
		}
		if b.Detect() {
			log.Debugf("seed provider %q detected", b.Name)
			return b.New(), nil
		}
		log.Debugf("seed provider %q not available", b.Name)
	}
	return nil, ErrNoProvider
}
