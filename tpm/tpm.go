// Package tpm holds the object templates and well-known handles shared by
// the AK provisioning and seed derivation paths.
package tpm

import (
	"errors"
	"fmt"
	"io"

	"github.com/google/go-tpm/legacy/tpm2"
	"github.com/google/go-tpm/tpmutil"
)

const (
	// DevicePath is the TPM character device. No other device is probed.
	DevicePath = "/dev/tpm0"

	// AKHandle is the persistent handle of the Attestation Key. Changing it
	// breaks every machine that was provisioned with the old value.
	AKHandle tpmutil.Handle = 0x81010002
)

var (
	ErrTPMUnavailable     = errors.New("tpm unavailable")
	ErrAKNotProvisioned   = errors.New("AK not found at persistent handle (was provisioning run?)")
	ErrUnsupportedKeyType = errors.New("AK is not an RSA key")
	ErrAKMismatch         = errors.New("object at AK handle does not match the AK template")
)

// EKTemplateRSA returns the template for the transient Endorsement Key used
// as the AK parent. The unique field is zero filled so the TPM derives the
// same EK from the endorsement seed on every run. UserWithAuth (rather than
// the TCG default policy) lets the EK be used with an empty password.
func EKTemplateRSA() tpm2.Public {
	return tpm2.Public{
		Type:    tpm2.AlgRSA,
		NameAlg: tpm2.AlgSHA256,
		Attributes: tpm2.FlagRestricted | tpm2.FlagDecrypt |
			tpm2.FlagFixedTPM | tpm2.FlagFixedParent |
			tpm2.FlagSensitiveDataOrigin | tpm2.FlagUserWithAuth,
		RSAParameters: &tpm2.RSAParams{
			Symmetric: &tpm2.SymScheme{
				Alg:     tpm2.AlgAES,
				KeyBits: 128,
				Mode:    tpm2.AlgCFB,
			},
			KeyBits:    2048,
			ModulusRaw: make([]byte, 256),
		},
	}
}

// AKTemplateRSA returns the Attestation Key template, equivalent to
// `tpm2_createak -G rsa -g sha256 -s rsassa`. The unique field is left
// empty so every provisioning run yields a fresh key pair.
func AKTemplateRSA() tpm2.Public {
	return tpm2.Public{
		Type:    tpm2.AlgRSA,
		NameAlg: tpm2.AlgSHA256,
		Attributes: tpm2.FlagRestricted | tpm2.FlagSign |
			tpm2.FlagFixedTPM | tpm2.FlagFixedParent |
			tpm2.FlagSensitiveDataOrigin | tpm2.FlagUserWithAuth,
		RSAParameters: &tpm2.RSAParams{
			Sign: &tpm2.SigScheme{
				Alg:  tpm2.AlgRSASSA,
				Hash: tpm2.AlgSHA256,
			},
			KeyBits: 2048,
		},
	}
}

// Open opens the TPM at path. Failures wrap ErrTPMUnavailable.
func Open(path string) (io.ReadWriteCloser, error) {
	rwc, err := tpm2.OpenTPM(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrTPMUnavailable, path, err)
	}
	return rwc, nil
}

// ReadAK reads the public area of the object at AKHandle. A missing object
// is reported as ErrAKNotProvisioned.
func ReadAK(rw io.ReadWriter) (tpm2.Public, error) {
	pub, _, _, err := tpm2.ReadPublic(rw, AKHandle)
	if err != nil {
		if IsHandleMissing(err) {
			return tpm2.Public{}, fmt.Errorf("%w: handle %#x", ErrAKNotProvisioned, uint32(AKHandle))
		}
		return tpm2.Public{}, fmt.Errorf("ReadPublic %#x err: %w", uint32(AKHandle), err)
	}
	return pub, nil
}

// IsHandleMissing reports whether err is the TPM's TPM_RC_HANDLE response,
// which is what a read of an empty persistent handle returns.
func IsHandleMissing(err error) bool {
	var herr tpm2.HandleError
	return errors.As(err, &herr) && herr.Code == tpm2.RCHandle
}
