package main

import (
	"context"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"time"

	"github.com/google/go-tpm-tools/client"
	"github.com/google/go-tpm/legacy/tpm2"
	fifoclient "github.com/psanford/akseed/client"
	"github.com/psanford/akseed/initdata"
	"github.com/psanford/akseed/server"
	"github.com/psanford/akseed/tpm"
	"github.com/psanford/akseed/tpmseed"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

func debugCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "debug",
		Short: "Debug Commands",
	}

	cmd.AddCommand(akPublicCommand())
	cmd.AddCommand(initDataCommand())
	cmd.AddCommand(handlesCommand())
	cmd.AddCommand(readFIFOCommand())

	return cmd
}

func akPublicCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ak-public",
		Short: "print the AK public key as PEM",
		Run:   akPublicAction,
	}
}

func akPublicAction(cmd *cobra.Command, args []string) {
	rwc, err := tpm.Open(conf.TPMPath)
	if err != nil {
		log.Fatal(err)
	}
	defer rwc.Close()

	pub, err := tpm.ReadAK(rwc)
	if err != nil {
		log.Fatal(err)
	}
	der, err := tpmseed.PublicKeyDER(pub)
	if err != nil {
		log.Fatal(err)
	}

	pem.Encode(os.Stdout, &pem.Block{Type: "PUBLIC KEY", Bytes: der})
}

func initDataCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "init-data",
		Short: "print the domain separator and digest of init_data.toml",
		Run:   initDataAction,
	}
}

func initDataAction(cmd *cobra.Command, args []string) {
	id, err := initdata.Load(afero.NewOsFs(), conf.InitDataPath)
	if err != nil {
		log.Fatal(err)
	}

	fmt.Printf("path:             %s\n", conf.InitDataPath)
	fmt.Printf("domain_separator: %s\n", id.DomainSeparator)
	fmt.Printf("sha256:           %s\n", hex.EncodeToString(id.Digest[:]))
}

func handlesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "handles",
		Short: "list persistent TPM handles",
		Run:   handlesAction,
	}
}

func handlesAction(cmd *cobra.Command, args []string) {
	rwc, err := tpm.Open(conf.TPMPath)
	if err != nil {
		log.Fatal(err)
	}
	defer rwc.Close()

	handles, err := client.Handles(rwc, tpm2.HandleTypePersistent)
	if err != nil {
		log.Fatalf("get handle err: %s", err)
	}
	for _, h := range handles {
		if h == tpm.AKHandle {
			fmt.Printf("%#x (AK)\n", uint32(h))
			continue
		}
		fmt.Printf("%#x\n", uint32(h))
	}
}

var readFIFOTimeout time.Duration

func readFIFOCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "read-fifo",
		Short: "read one resource document from the FIFO and check it",
		Run:   readFIFOAction,
	}

	cmd.Flags().DurationVarP(&readFIFOTimeout, "timeout", "", 30*time.Second, "How long to wait for the server")

	return cmd
}

func readFIFOAction(cmd *cobra.Command, args []string) {
	c := fifoclient.NewClientWithTimeout(conf.FIFOPath, readFIFOTimeout)
	s, err := c.FetchSeed(context.Background())
	if err != nil {
		log.Fatal(err)
	}
	s.Wipe()

	fmt.Printf("ok! %s\n", server.ResourceKey)
}
