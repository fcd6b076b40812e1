// Command storescu sends C-ECHO and C-STORE requests to a DICOM storage
// service.
//
//	storescu [flags] echo
//	storescu [flags] store <file or directory>...
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/otcheredev/dicom-ingestor/internal/config"
	"github.com/otcheredev/dicom-ingestor/pkg/dimse"
	"github.com/otcheredev/dicom-ingestor/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load configuration:", err)
		os.Exit(1)
	}

	flags := flag.NewFlagSet("storescu", flag.ExitOnError)
	host := flags.String("host", cfg.SCU.Host, "peer host")
	port := flags.Int("port", cfg.SCU.Port, "peer port")
	callingAET := flags.String("aet", cfg.SCU.CallingAET, "calling AE title")
	calledAET := flags.String("aec", cfg.SCU.CalledAET, "called AE title")
	timeout := flags.Duration("timeout", cfg.SCU.Timeout, "network timeout")
	workers := flags.Int("workers", cfg.SCU.PoolSize, "parallel associations for store")
	logLevel := flags.String("log-level", cfg.Log.Level, "log level")
	flags.Usage = func() {
		fmt.Fprintln(flags.Output(), "usage: storescu [flags] echo | store <file or directory>...")
		flags.PrintDefaults()
	}
	flags.Parse(os.Args[1:])

	logger.Init(*logLevel, "console")

	assocCfg := dimse.AssociationConfig{
		Host:       *host,
		Port:       *port,
		CallingAET: *callingAET,
		CalledAET:  *calledAET,
		Timeout:    *timeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch flags.Arg(0) {
	case "echo":
		err = echo(ctx, assocCfg)
	case "store":
		if flags.NArg() < 2 {
			flags.Usage()
			os.Exit(2)
		}
		err = store(ctx, assocCfg, max(*workers, 1), flags.Args()[1:])
	default:
		flags.Usage()
		os.Exit(2)
	}

	if err != nil {
		log.Error().Err(err).Msg("storescu failed")
		os.Exit(1)
	}
}

func echo(ctx context.Context, cfg dimse.AssociationConfig) error {
	start := time.Now()

	assoc := dimse.NewAssociation(cfg)
	if err := assoc.Connect(ctx); err != nil {
		return err
	}
	defer assoc.Close()

	if err := assoc.CEcho(ctx); err != nil {
		return err
	}

	log.Info().
		Str("peer", fmt.Sprintf("%s@%s:%d", cfg.CalledAET, cfg.Host, cfg.Port)).
		Dur("duration", time.Since(start)).
		Msg("C-ECHO succeeded")
	return nil
}
