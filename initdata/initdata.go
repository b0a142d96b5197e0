// Package initdata loads the confidential workload launch configuration
// (init_data.toml) that the derived seed is bound to.
package initdata

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/BurntSushi/toml"
	"github.com/spf13/afero"
)

const (
	DefaultPath = "/run/confidential-containers/initdata/init_data.toml"

	// PathEnv overrides DefaultPath.
	PathEnv = "CC_INIT_DATA"
)

var (
	ErrInvalidInitData        = errors.New("invalid init_data")
	ErrMissingDomainSeparator = errors.New("data.domain_separator is missing or empty in init_data (security gate)")
)

// InitData is the part of the launch configuration the seed depends on.
type InitData struct {
	DomainSeparator string
	// Digest is SHA-256 over the raw file bytes, not the parsed fields, so
	// any byte level change produces a different seed.
	Digest [sha256.Size]byte
}

type document struct {
	Data struct {
		DomainSeparator string `toml:"domain_separator"`
	} `toml:"data"`
}

// Load reads and parses the file at path.
func Load(fs afero.Fs, path string) (*InitData, error) {
	raw, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", ErrInvalidInitData, path, err)
	}
	return Parse(raw)
}

// Parse validates raw and computes its digest. A missing or empty domain
// separator is an error; there is no default.
func Parse(raw []byte) (*InitData, error) {
	if !utf8.Valid(raw) {
		return nil, fmt.Errorf("%w: not valid UTF-8", ErrInvalidInitData)
	}

	var doc document
	if err := toml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: parse err: %v", ErrInvalidInitData, err)
	}

	if doc.Data.DomainSeparator == "" {
		return nil, ErrMissingDomainSeparator
	}

	return &InitData{
		DomainSeparator: doc.Data.DomainSeparator,
		Digest:          sha256.Sum256(raw),
	}, nil
}
