// Package tpmtest provides reference-TPM helpers for tests.
package tpmtest

import (
	"encoding/binary"
	"fmt"
	"io"
	"testing"

	"github.com/google/go-tpm-tools/simulator"
	"github.com/google/go-tpm/legacy/tpm2"
	"github.com/google/go-tpm/tpmutil"
	"github.com/stretchr/testify/require"
)

// Seed is fixed so the simulated endorsement hierarchy is stable across runs.
const Seed = 1234567890

// Sim starts the in-process simulator and closes it when the test ends.
// Only one simulator can be open at a time, so callers must not close it.
func Sim(tb testing.TB) io.ReadWriter {
	tb.Helper()
	sim, err := simulator.GetWithFixedSeedInsecure(Seed)
	require.NoError(tb, err, "simulator initialization failed")
	tb.Cleanup(func() { sim.Close() })
	return sim
}

// NopCloser lets code that closes its TPM session run against a shared
// simulator.
func NopCloser(rw io.ReadWriter) io.ReadWriteCloser {
	return nopCloser{rw}
}

type nopCloser struct {
	io.ReadWriter
}

func (nopCloser) Close() error { return nil }

// Recorder passes TPM traffic through and remembers the command code of
// every command written. Commands listed in FailOn are not forwarded and
// fail with an I/O error instead.
type Recorder struct {
	FailOn []tpmutil.Command

	rw   io.ReadWriter
	cmds []tpmutil.Command
}

func NewRecorder(rw io.ReadWriter) *Recorder {
	return &Recorder{rw: rw}
}

func (r *Recorder) Write(p []byte) (int, error) {
	// tag(2) size(4) commandCode(4)
	if len(p) >= 10 {
		cmd := tpmutil.Command(binary.BigEndian.Uint32(p[6:10]))
		r.cmds = append(r.cmds, cmd)
		for _, f := range r.FailOn {
			if f == cmd {
				return 0, fmt.Errorf("injected failure for command %#x", uint32(cmd))
			}
		}
	}
	return r.rw.Write(p)
}

func (r *Recorder) Read(p []byte) (int, error) {
	return r.rw.Read(p)
}

// Count returns how many times cmd was sent since the last Reset.
func (r *Recorder) Count(cmd tpmutil.Command) int {
	var n int
	for _, c := range r.cmds {
		if c == cmd {
			n++
		}
	}
	return n
}

// Commands returns the recorded command codes in order.
func (r *Recorder) Commands() []tpmutil.Command {
	return append([]tpmutil.Command(nil), r.cmds...)
}

func (r *Recorder) Reset() {
	r.cmds = nil
}

// Persist creates a primary object from template under the owner hierarchy
// and evicts it to handle.
func Persist(tb testing.TB, rw io.ReadWriter, template tpm2.Public, handle tpmutil.Handle) {
	tb.Helper()
	h, _, err := tpm2.CreatePrimary(rw, tpm2.HandleOwner, tpm2.PCRSelection{}, "", "", template)
	require.NoError(tb, err, "CreatePrimary failed")
	defer tpm2.FlushContext(rw, h)

	err = tpm2.EvictControl(rw, "", tpm2.HandleOwner, h, handle)
	require.NoError(tb, err, "EvictControl failed")
}

// ECCSignerTemplate is a restricted ECDSA signing key, a well formed object
// that is nevertheless not an RSA AK.
func ECCSignerTemplate() tpm2.Public {
	return tpm2.Public{
		Type:       tpm2.AlgECC,
		NameAlg:    tpm2.AlgSHA256,
		Attributes: tpm2.FlagSignerDefault,
		ECCParameters: &tpm2.ECCParams{
			Sign: &tpm2.SigScheme{
				Alg:  tpm2.AlgECDSA,
				Hash: tpm2.AlgSHA256,
			},
			CurveID: tpm2.CurveNISTP256,
		},
	}
}

// RSAPSSSignerTemplate is an RSA signing key whose scheme differs from the
// AK template.
func RSAPSSSignerTemplate() tpm2.Public {
	return tpm2.Public{
		Type:       tpm2.AlgRSA,
		NameAlg:    tpm2.AlgSHA256,
		Attributes: tpm2.FlagSignerDefault,
		RSAParameters: &tpm2.RSAParams{
			Sign: &tpm2.SigScheme{
				Alg:  tpm2.AlgRSAPSS,
				Hash: tpm2.AlgSHA256,
			},
			KeyBits: 2048,
		},
	}
}
