package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/shaunagostinho/rigctl/internal/server"
	"github.com/shaunagostinho/rigctl/internal/session"
	"github.com/shaunagostinho/rigctl/web"
)

// newServeCmd creates the "rigctl serve" command.
func newServeCmd(flags *rootFlags) *cobra.Command {
	var (
		listenAddr string
		open       bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the operator page and HTTP API",
		Long: "Serve the embedded operator page, the JSON API and the live WebSocket\n" +
			"feed. With --open the configured port is opened at startup, retrying\n" +
			"with backoff until the device answers.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigCh)
			go func() {
				select {
				case sig := <-sigCh:
					log.Printf("[main] received %v, shutting down", sig)
					cancel()
				case <-ctx.Done():
				}
			}()

			r, err := loadRig(ctx, flags, "")
			if err != nil {
				return err
			}
			defer r.Close()
			defer r.ctl.Abort()

			if listenAddr != "" {
				r.cfg.Server.ListenAddr = listenAddr
			}
			if open {
				go openWithRetry(ctx, r, 10)
			}

			srv := server.New(r.cfg, r.ctl, r.registry, web.FS)
			if err := srv.Run(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&listenAddr, "listen", "", "override listen address (e.g. :8080)")
	cmd.Flags().BoolVar(&open, "open", false, "open the configured port at startup")

	return cmd
}

// openWithRetry opens the configured port with the profile's default
// parameters, backing off exponentially. Starts at 1s, doubles each attempt
// up to 60s, logs each of the first maxAttempts failures with a count and
// keeps going at the max interval. It gives up once the operator has taken
// the controller out of Closed.
func openWithRetry(ctx context.Context, r *rig, maxAttempts int) {
	delay := 1 * time.Second
	maxDelay := 60 * time.Second
	attempt := 0
	port := r.portName("")

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		set, err := r.ctl.Profile().Bind(nil)
		if err == nil {
			err = r.ctl.Open(ctx, port, set)
		}
		var stateErr *session.StateError
		switch {
		case err == nil:
			log.Printf("[device] %s open (attempt %d)", port, attempt+1)
			return
		case errors.As(err, &stateErr), errors.Is(err, session.ErrBusy):
			log.Printf("[device] not opening %s: %v", port, err)
			return
		}

		attempt++
		if attempt <= maxAttempts {
			log.Printf("[device] open attempt %d/%d failed: %v (retry in %v)",
				attempt, maxAttempts, err, delay)
		} else {
			log.Printf("[device] open attempt %d failed: %v (retry in %v)",
				attempt, err, delay)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}
