// Package tpmseed is the seed provider backed by the persisted TPM
// Attestation Key. The AK public key, DER encoded as a SubjectPublicKeyInfo,
// is the input keying material.
package tpmseed

import (
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/go-tpm/legacy/tpm2"
	"github.com/psanford/akseed/seed"
	"github.com/psanford/akseed/seedprovider"
	"github.com/psanford/akseed/tpm"
	log "github.com/sirupsen/logrus"
)

const Name = "tpm"

type Option func(*Provider)

// WithDevice sets the TPM device path. The default is tpm.DevicePath.
func WithDevice(path string) Option {
	return func(p *Provider) {
		p.device = path
	}
}

// WithOpener replaces how the TPM session is opened. Used to run against a
// simulator.
func WithOpener(open func() (io.ReadWriteCloser, error)) Option {
	return func(p *Provider) {
		p.open = open
	}
}

type Provider struct {
	device string
	open   func() (io.ReadWriteCloser, error)
}

var _ seedprovider.Provider = (*Provider)(nil)

func New(opts ...Option) *Provider {
	p := &Provider{
		device: tpm.DevicePath,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.open == nil {
		p.open = func() (io.ReadWriteCloser, error) {
			return tpm.Open(p.device)
		}
	}
	return p
}

func (p *Provider) Name() string {
	return Name
}

// IKM reads the AK at tpm.AKHandle and returns its public key as PKIX DER.
func (p *Provider) IKM() (seed.Material, error) {
	rwc, err := p.open()
	if err != nil {
		if errors.Is(err, tpm.ErrTPMUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", tpm.ErrTPMUnavailable, err)
	}
	defer rwc.Close()

	pub, err := tpm.ReadAK(rwc)
	if err != nil {
		return nil, err
	}

	der, err := PublicKeyDER(pub)
	if err != nil {
		return nil, err
	}
	log.Infof("read AK public key from handle %#x (%d bytes DER)", uint32(tpm.AKHandle), len(der))

	return seed.Material(der), nil
}

// PublicKeyDER encodes an RSA TPM public area as a DER
// SubjectPublicKeyInfo. Other key types fail with tpm.ErrUnsupportedKeyType.
func PublicKeyDER(pub tpm2.Public) ([]byte, error) {
	if pub.Type != tpm2.AlgRSA {
		return nil, fmt.Errorf("%w: got %v", tpm.ErrUnsupportedKeyType, pub.Type)
	}

	key, err := pub.Key()
	if err != nil {
		return nil, fmt.Errorf("decode AK public area err: %w", err)
	}
	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: got %T", tpm.ErrUnsupportedKeyType, key)
	}

	der, err := x509.MarshalPKIXPublicKey(rsaKey)
	if err != nil {
		return nil, fmt.Errorf("marshal AK public key err: %w", err)
	}
	return der, nil
}

// DetectPlatform reports whether the default TPM device node exists.
func DetectPlatform() bool {
	return DetectDevice(tpm.DevicePath)
}

// DetectDevice reports whether path exists.
func DetectDevice(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
