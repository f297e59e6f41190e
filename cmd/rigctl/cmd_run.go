package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/shaunagostinho/rigctl/internal/params"
	"github.com/shaunagostinho/rigctl/internal/session"
)

type runOptions struct {
	profile   string
	port      string
	path      string
	notes     string
	recipient string
	echo      string
}

// newRunCmd creates the "rigctl run" command.
func newRunCmd(flags *rootFlags) *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run [name=value ...]",
		Short: "Run one session on the device",
		Long: "Open the device, upload the profile's parameters (defaults overridden by\n" +
			"name=value arguments), start a session and wait for the device to end it.\n" +
			"Ctrl-C asks the device to stop; a second Ctrl-C aborts without saving.",
		RunE: func(cmd *cobra.Command, args []string) error {
			overrides, err := params.ParseAssignments(args)
			if err != nil {
				return err
			}
			return runSession(cmd.Context(), cmd.OutOrStdout(), flags, opts, overrides)
		},
	}

	cmd.Flags().StringVar(&opts.profile, "profile", "", "session profile (default from config)")
	cmd.Flags().StringVar(&opts.port, "port", "", "serial port (default from config)")
	cmd.Flags().StringVarP(&opts.path, "out", "o", "", "record file (default <data_dir>/data-<stamp>.db)")
	cmd.Flags().StringVar(&opts.notes, "notes", "", "free-text notes stored with the record")
	cmd.Flags().StringVar(&opts.recipient, "notify", "", "recipient for the end-of-session message")
	cmd.Flags().StringVar(&opts.echo, "echo", "", "echo device output: auto, on or off (default from config)")

	return cmd
}

func runSession(ctx context.Context, out io.Writer, flags *rootFlags, opts runOptions, overrides map[string]int) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	r, err := loadRig(ctx, flags, opts.profile)
	if err != nil {
		return err
	}
	defer r.Close()

	p := r.ctl.Profile()
	set, err := p.Bind(overrides)
	if err != nil {
		return err
	}

	echo := opts.echo
	if echo == "" {
		echo = r.cfg.Logging.Echo
	}
	if shouldEcho(echo, out) {
		r.log.SetEcho(out, p.IsQuiet)
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	done := make(chan struct{})
	defer close(done)
	go func() {
		stops := 0
		for {
			select {
			case <-done:
				return
			case sig := <-sigCh:
				stops++
				if r.ctl.State() == session.Running && stops == 1 {
					log.Printf("[main] received %v, asking the device to stop (again to abort)", sig)
					if err := r.ctl.Stop(); err != nil {
						log.Printf("[main] stop: %v", err)
					}
					continue
				}
				log.Printf("[main] received %v, aborting", sig)
				cancel()
				r.ctl.Abort()
			}
		}
	}()

	port := r.portName(opts.port)
	log.Printf("[main] opening %s with profile %s (%s)", port, p.Name, set.Encode())
	if err := r.ctl.Open(ctx, port, set); err != nil {
		return fmt.Errorf("open %s: %w", port, err)
	}

	recipient := opts.recipient
	if recipient == "" {
		recipient = r.cfg.SessionDefaults().Recipient
	}
	err = r.ctl.Start(session.StartOptions{Path: opts.path, Notes: opts.notes, Recipient: recipient})
	if err != nil {
		r.ctl.Close()
		return err
	}

	res, err := r.ctl.Wait(context.Background())
	if r.ctl.State() == session.Stopping {
		r.ctl.Reset()
	}
	printResult(out, res)
	if err != nil {
		return err
	}
	if res.RecorderErr != nil {
		log.Printf("[main] recorder: %v", res.RecorderErr)
	}
	return nil
}

// shouldEcho resolves an echo mode. "auto" echoes only to a terminal.
func shouldEcho(mode string, out io.Writer) bool {
	switch strings.ToLower(mode) {
	case "on", "true", "yes":
		return true
	case "off", "false", "no":
		return false
	}
	f, ok := out.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func printResult(w io.Writer, res session.Result) {
	if res.ID == "" {
		return
	}
	fmt.Fprintf(w, "session  %s (%s)\n", res.ID, res.Profile)
	fmt.Fprintf(w, "duration %s\n", res.EndTime.Sub(res.StartTime).Round(time.Millisecond))
	fmt.Fprintf(w, "trials   %d\n", res.Trials)
	if res.EndReason != "" {
		fmt.Fprintf(w, "end      %s at %d ms\n", res.EndReason, res.DeviceEnd)
	}
	names := make([]string, 0, len(res.Counters))
	for n := range res.Counters {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		fmt.Fprintf(w, "  %-16s %d\n", n, res.Counters[n])
	}
	if res.Stats.Dropped > 0 || res.Stats.Ignored > 0 {
		fmt.Fprintf(w, "dropped  %d, ignored %d\n", res.Stats.Dropped, res.Stats.Ignored)
	}
	if res.Saved {
		fmt.Fprintf(w, "saved    %s\n", res.Path)
	} else if res.Error != "" {
		fmt.Fprintf(w, "not saved: %s\n", res.Error)
	}
}
