package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/psanford/akseed/config"
	"github.com/psanford/akseed/initdata"
	"github.com/psanford/akseed/provision"
	"github.com/psanford/akseed/seed"
	"github.com/psanford/akseed/seedprovider"
	"github.com/psanford/akseed/server"
	"github.com/psanford/akseed/tpm"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "akseed",
	Short: "TPM bound seed provisioning for confidential workloads",
	Long: `akseed provisions an Attestation Key in the TPM and derives a
deterministic seed from it, bound to the workload's init data. The seed is
served to the confidential data hub over a named pipe.

Run "akseed provision" once per boot before "akseed serve".`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		conf = config.Load(settings)
		if err := conf.SetupLogging(); err != nil {
			log.Fatal(err)
		}
	},
}

var (
	settings = config.New()
	conf     config.Config
)

func main() {
	flags := rootCmd.PersistentFlags()
	flags.String(config.KeyTPMPath, tpm.DevicePath, "TPM device path")
	flags.String(config.KeyFIFOPath, server.DefaultPath, "Path of the resource FIFO")
	flags.String(config.KeyInitData, initdata.DefaultPath, "Path of init_data.toml (env CC_INIT_DATA)")
	flags.String(config.KeyLogLevel, config.DefaultLogLevel, "Log level (debug, info, warn, error)")
	if err := config.BindFlags(settings, flags); err != nil {
		log.Fatal(err)
	}

	rootCmd.AddCommand(provisionCommand())
	rootCmd.AddCommand(serveCommand())
	rootCmd.AddCommand(debugCommand())
	rootCmd.AddCommand(completionCommand())

	err := rootCmd.Execute()
	if err != nil {
		log.Fatal(err)
	}
}

func provisionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "provision",
		Short: "create and persist the TPM attestation key",
		Run:   provisionAction,
	}
}

func provisionAction(cmd *cobra.Command, args []string) {
	res, err := provision.ProvisionDevice(conf.TPMPath)
	if err != nil {
		log.Fatalf("Provision error: %s", err)
	}
	if res.Created {
		fmt.Println("AK provisioned")
	} else {
		fmt.Println("AK already provisioned")
	}
}

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "derive the seed and serve it on the resource FIFO",
		Run:   serveAction,
	}
}

func serveAction(cmd *cobra.Command, args []string) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := serve(ctx, afero.NewOsFs(), conf, providerBackends(conf))
	if errors.Is(err, context.Canceled) {
		log.Info("shutting down")
		return
	}
	if err != nil {
		log.Fatalf("Serve error: %s", err)
	}
}

// serve derives the seed and offers it on the FIFO until ctx is done.
func serve(ctx context.Context, fs afero.Fs, conf config.Config, backends []seedprovider.Backend) error {
	s, err := deriveSeed(fs, conf, backends)
	if err != nil {
		return err
	}
	defer s.Wipe()

	srv := server.New(conf.FIFOPath, s)
	defer srv.Close()

	return srv.ListenAndServe(ctx)
}

// deriveSeed loads the init data before any provider is consulted so a
// missing domain separator never reaches the TPM.
func deriveSeed(fs afero.Fs, conf config.Config, backends []seedprovider.Backend) (*seed.Seed, error) {
	id, err := initdata.Load(fs, conf.InitDataPath)
	if err != nil {
		return nil, err
	}
	log.Infof("domain separator: %q", id.DomainSeparator)

	p, err := seedprovider.Detect(backends)
	if err != nil {
		return nil, err
	}
	log.Infof("seed provider: %s", p.Name())

	ikm, err := p.IKM()
	if err != nil {
		return nil, fmt.Errorf("%s provider err: %w", p.Name(), err)
	}
	defer ikm.Wipe()

	return seed.Derive(ikm, id.Digest, id.DomainSeparator), nil
}

func completionCommand() *cobra.Command {
	var cmd = &cobra.Command{
		Use:   "completion",
		Short: "Generates bash completion scripts",
		Long: `To load completion run

. <(akseed completion)

To configure your bash shell to load completions for each session add to your bashrc

# ~/.bashrc or ~/.profile
. <(akseed completion)
`,
		Run: func(cmd *cobra.Command, args []string) {
			rootCmd.GenBashCompletion(os.Stdout)
		},
	}

	return cmd
}
