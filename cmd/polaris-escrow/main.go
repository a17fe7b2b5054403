package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/csmith/polaris/escrow"
	"github.com/google/uuid"
	"github.com/urfave/cli/v2"
)

var serveFlags []cli.Flag = []cli.Flag{
	&cli.StringFlag{
		Name:  "listen-addr",
		Value: "127.0.0.1:8090",
		Usage: "address to listen on for API",
	},
	&cli.StringFlag{
		Name:  "storage",
		Value: "file:///var/lib/polaris-escrow",
		Usage: "where to keep uploaded bundles: file:///dir, vault://host:port/mount/path or s3://bucket/prefix",
	},
	&cli.StringFlag{
		Name:    "download-token",
		Usage:   "token frontends must present to download bundles",
		EnvVars: []string{"DOWNLOAD_TOKEN"},
	},
	&cli.DurationFlag{
		Name:  "token-lifetime",
		Value: 24 * time.Hour,
		Usage: "how long an upload token remains valid",
	},
	&cli.Int64Flag{
		Name:  "drain-seconds",
		Value: 45,
		Usage: "seconds to wait for in-flight requests when shutting down",
	},
}

var loggingFlags []cli.Flag = []cli.Flag{
	&cli.BoolFlag{
		Name:  "log-json",
		Value: false,
		Usage: "log in JSON format",
	},
	&cli.BoolFlag{
		Name:  "log-debug",
		Value: false,
		Usage: "log debug messages",
	},
	&cli.BoolFlag{
		Name:  "log-uid",
		Value: false,
		Usage: "generate a uuid and add to all log messages",
	},
}

var flagEscrowURL *cli.StringFlag = &cli.StringFlag{
	Name:  "escrow-url",
	Value: "http://127.0.0.1:8090",
	Usage: "escrow server to upload to",
}

var flagKey *cli.StringFlag = &cli.StringFlag{
	Name:     "key",
	Usage:    "escrow key to upload to, for example _reference for a site or master",
	Required: true,
}

var flagBundle *cli.StringFlag = &cli.StringFlag{
	Name:     "bundle",
	Usage:    "path to a PEM file holding the certificate, any intermediates and the private key",
	Required: true,
}

func main() {
	app := &cli.App{
		Name:           "polaris-escrow",
		Usage:          "Hold TLS identities uploaded for polaris sites",
		DefaultCommand: "serve",
		Flags:          loggingFlags,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the escrow server",
				Flags:  serveFlags,
				Action: serve,
			},
			{
				Name:   "upload",
				Usage:  "upload a bundle to an escrow server using a fresh upload token",
				Flags:  []cli.Flag{flagEscrowURL, flagKey, flagBundle},
				Action: upload,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func serve(cCtx *cli.Context) error {
	logger := setupLogger(cCtx)

	storage, err := escrow.StorageFor(cCtx.String("storage"), logger)
	if err != nil {
		logger.Error("Failed to open storage", "err", err)
		return err
	}

	server, err := escrow.NewServer(&escrow.ServerConfig{
		ListenAddr:               cCtx.String("listen-addr"),
		Log:                      logger,
		Storage:                  storage,
		DownloadToken:            cCtx.String("download-token"),
		TokenLifetime:            cCtx.Duration("token-lifetime"),
		GracefulShutdownDuration: time.Duration(cCtx.Int64("drain-seconds")) * time.Second,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             30 * time.Second,
	})
	if err != nil {
		logger.Error("Failed to create server", "err", err)
		return err
	}

	server.RunInBackground()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

	logger.Info("Server is running, press Ctrl+C to stop")
	<-exit
	logger.Info("Shutdown signal received")

	return server.Shutdown()
}

func upload(cCtx *cli.Context) error {
	logger := setupLogger(cCtx)

	bundle, err := os.ReadFile(cCtx.String(flagBundle.Name))
	if err != nil {
		return fmt.Errorf("failed to read bundle: %w", err)
	}

	client := escrow.NewClient(cCtx.String(flagEscrowURL.Name), "", nil)
	key := cCtx.String(flagKey.Name)

	ctx, cancel := context.WithTimeout(cCtx.Context, time.Minute)
	defer cancel()

	token, err := client.GenerateAuth(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to obtain upload token: %w", err)
	}

	if err := client.Upload(ctx, key, token, bundle); err != nil {
		return fmt.Errorf("failed to upload bundle: %w", err)
	}

	logger.Info("Uploaded bundle", "key", key, "size", len(bundle))
	return nil
}

func setupLogger(cCtx *cli.Context) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if cCtx.Bool("log-debug") {
		opts.Level = slog.LevelDebug
	}

	var handler slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if cCtx.Bool("log-json") {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	logger := slog.New(handler).With("service", "polaris-escrow")
	if cCtx.Bool("log-uid") {
		logger = logger.With("uid", uuid.Must(uuid.NewRandom()).String())
	}
	slog.SetDefault(logger)
	return logger
}
