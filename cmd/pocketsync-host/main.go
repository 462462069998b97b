// pocketsync-host is a development host responder: it serves the
// counterpart side of the handoff protocol and spools received
// recordings into a local directory.
package main

import (
	"log"
	"log/slog"
	"net/http"
	"os"

	"github.com/urfave/cli/v2"

	"pocketsync/internal/config"
	"pocketsync/internal/host"
)

func main() {
	app := &cli.App{
		Name:  "pocketsync-host",
		Usage: "development host responder for pocketsync",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "listen", Usage: "Listen address (overrides POCKETSYNC_HOST_LISTEN)"},
			&cli.StringFlag{Name: "spool", Usage: "Spool directory (overrides POCKETSYNC_SPOOL_DIR)"},
			&cli.BoolFlag{Name: "verbose", Usage: "enable debug logging"},
		},
		Action: serve,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func serve(c *cli.Context) error {
	level := slog.LevelInfo
	if c.Bool("verbose") {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	listen := cfg.Host.ListenAddr
	if v := c.String("listen"); v != "" {
		listen = v
	}
	spool := cfg.Host.SpoolDir
	if v := c.String("spool"); v != "" {
		spool = v
	}

	responder, err := host.New(spool, cfg.Host.SpoolBudget, logger)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/sync", responder)

	logger.Info("host responder listening", "addr", listen, "spool", spool)
	return http.ListenAndServe(listen, mux)
}
