// Package seed turns TPM keying material and a launch configuration digest
// into the workload seed.
//
// Material and Seed hold secrets. Both print as "[redacted]" under every fmt
// verb and are cleared in place by Wipe; callers defer Wipe as soon as they
// own a value so panics and early returns clear it too.
package seed

import (
	"fmt"
	"io"
	"runtime"
)

// Size is the length of a derived seed in bytes.
const Size = 32

const redacted = "[redacted]"

// Material is input keying material.
type Material []byte

// Wipe zeroes the backing array.
func (m Material) Wipe() {
	clear(m)
	runtime.KeepAlive(m)
}

func (m Material) String() string { return redacted }

func (m Material) Format(f fmt.State, verb rune) { io.WriteString(f, redacted) }

// Seed is a derived secret.
type Seed struct {
	b [Size]byte
}

// Bytes returns the seed's backing storage, not a copy. It is cleared by
// Wipe.
func (s *Seed) Bytes() []byte {
	return s.b[:]
}

func (s *Seed) Wipe() {
	clear(s.b[:])
	runtime.KeepAlive(s)
}

func (s *Seed) String() string { return redacted }

func (s *Seed) Format(f fmt.State, verb rune) { io.WriteString(f, redacted) }

// FromBytes copies b into a new Seed. b must be Size bytes long.
func FromBytes(b []byte) *Seed {
	if len(b) != Size {
		panic(fmt.Sprintf("seed: FromBytes got %d bytes, want %d", len(b), Size))
	}
	var s Seed
	copy(s.b[:], b)
	return &s
}
