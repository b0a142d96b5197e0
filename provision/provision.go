// Package provision creates the Attestation Key under a transient
// Endorsement Key and persists it at tpm.AKHandle.
//
// The procedure is equivalent to:
//
//	tpm2_createek -c ek.ctx -G rsa
//	tpm2_createak -C ek.ctx -c ak.ctx -G rsa -g sha256 -s rsassa
//	tpm2_evictcontrol -c ak.ctx 0x81010002
//
// and is idempotent: a matching AK already at the handle is left as is.
package provision

import (
	"errors"
	"fmt"
	"io"

	"github.com/google/go-tpm-tools/client"
	"github.com/google/go-tpm/legacy/tpm2"
	"github.com/psanford/akseed/tpm"
	log "github.com/sirupsen/logrus"
)

const emptyPassword = ""

// Result reports what Provision did.
type Result struct {
	// Created is false when a matching AK was already persisted.
	Created bool
}

// ProvisionDevice opens the TPM at path, provisions the AK and closes the
// device again.
func ProvisionDevice(path string) (Result, error) {
	rwc, err := tpm.Open(path)
	if err != nil {
		return Result{}, err
	}
	defer rwc.Close()

	return Provision(rwc)
}

// Provision makes sure an AK matching tpm.AKTemplateRSA is persisted at
// tpm.AKHandle. An object of any other shape at the handle is reported as
// tpm.ErrAKMismatch and not modified.
func Provision(rw io.ReadWriter) (Result, error) {
	pub, err := tpm.ReadAK(rw)
	if err == nil {
		if !pub.MatchesTemplate(tpm.AKTemplateRSA()) {
			return Result{}, fmt.Errorf("%w: handle %#x (type %v)", tpm.ErrAKMismatch, uint32(tpm.AKHandle), pub.Type)
		}
		log.Infof("AK already exists at handle %#x, nothing to do", uint32(tpm.AKHandle))
		return Result{}, nil
	}
	if !errors.Is(err, tpm.ErrAKNotProvisioned) {
		return Result{}, err
	}

	log.Infof("provisioning RSA AK at handle %#x", uint32(tpm.AKHandle))

	if err := flushStale(rw); err != nil {
		return Result{}, err
	}

	if err := createAndPersist(rw); err != nil {
		return Result{}, fmt.Errorf("TPM AK provisioning failed: %w", err)
	}

	log.Info("AK provisioning complete")
	return Result{Created: true}, nil
}

// flushStale releases transient objects and sessions a previous, aborted
// run may have left loaded. /dev/tpm0 has no resource manager to do it.
func flushStale(rw io.ReadWriter) error {
	handleTypes := []tpm2.HandleType{tpm2.HandleTypeLoadedSession, tpm2.HandleTypeSavedSession, tpm2.HandleTypeTransient}

	for _, handleType := range handleTypes {
		handles, err := client.Handles(rw, handleType)
		if err != nil {
			return fmt.Errorf("get handle err: %w", err)
		}
		for _, handle := range handles {
			log.Debugf("flushing stale handle %#x", uint32(handle))
			if err = tpm2.FlushContext(rw, handle); err != nil {
				return fmt.Errorf("flush handle %#x err: %w", uint32(handle), err)
			}
		}
	}
	return nil
}

// createAndPersist runs EK creation, AK creation, load and evict in order.
// Each step consumes the handle the previous one produced. Nothing is
// persisted until EvictControl, so an earlier failure leaves no object
// behind.
func createAndPersist(rw io.ReadWriter) (err error) {
	ek, _, err := tpm2.CreatePrimary(rw, tpm2.HandleEndorsement, tpm2.PCRSelection{}, emptyPassword, emptyPassword, tpm.EKTemplateRSA())
	if err != nil {
		return fmt.Errorf("CreatePrimary EK err: %w", err)
	}
	log.Info("created transient EK")
	defer func() {
		if ferr := tpm2.FlushContext(rw, ek); ferr != nil && err == nil {
			err = fmt.Errorf("flush EK err: %w", ferr)
		}
	}()

	privBlob, pubBlob, _, _, _, err := tpm2.CreateKey(rw, ek, tpm2.PCRSelection{}, emptyPassword, emptyPassword, tpm.AKTemplateRSA())
	if err != nil {
		return fmt.Errorf("CreateKey AK err: %w", err)
	}
	log.Info("created AK key pair")

	ak, _, err := tpm2.Load(rw, ek, emptyPassword, pubBlob, privBlob)
	if err != nil {
		return fmt.Errorf("Load AK err: %w", err)
	}
	log.Info("loaded AK")
	// EvictControl copies the object; the transient AK stays loaded.
	defer func() {
		if ferr := tpm2.FlushContext(rw, ak); ferr != nil && err == nil {
			err = fmt.Errorf("flush transient AK err: %w", ferr)
		}
	}()

	if err = tpm2.EvictControl(rw, emptyPassword, tpm2.HandleOwner, ak, tpm.AKHandle); err != nil {
		return fmt.Errorf("EvictControl AK err: %w", err)
	}
	log.Infof("persisted AK at handle %#x", uint32(tpm.AKHandle))

	return nil
}
