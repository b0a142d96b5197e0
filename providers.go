package main

import (
	"github.com/psanford/akseed/config"
	"github.com/psanford/akseed/seedprovider"
	"github.com/psanford/akseed/tpmseed"
)

// providerBackends lists seed providers in priority order. A new platform
// needs one entry here and a detection predicate.
func providerBackends(conf config.Config) []seedprovider.Backend {
	return []seedprovider.Backend{
		{
			Name:   tpmseed.Name,
			Detect: func() bool { return tpmseed.DetectDevice(conf.TPMPath) },
			New: func() seedprovider.Provider {
				return tpmseed.New(tpmseed.WithDevice(conf.TPMPath))
			},
		},
	}
}
