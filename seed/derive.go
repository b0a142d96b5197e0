package seed

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Derive computes HKDF-SHA256 with the configuration digest as salt, ikm as
// input keying material and the domain separator as info, and returns the
// first Size bytes of output. It is a pure function of its inputs.
//
// ikm is the DER SubjectPublicKeyInfo of the AK, the same bytes the
// attestation evidence carries, so the seed can only be reproduced by the
// TPM holding that AK under the same launch configuration.
func Derive(ikm Material, digest [sha256.Size]byte, domainSeparator string) *Seed {
	kdf := hkdf.New(sha256.New, ikm, digest[:], []byte(domainSeparator))

	s := new(Seed)
	if _, err := io.ReadFull(kdf, s.b[:]); err != nil {
		// Size is far below the 255*HashLen limit; this cannot happen.
		panic(fmt.Sprintf("seed: hkdf expand of %d bytes failed: %v", Size, err))
	}
	return s
}
