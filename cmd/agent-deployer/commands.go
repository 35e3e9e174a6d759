package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"

	"github.com/osiriscare/agent-deployer/internal/api"
	"github.com/osiriscare/agent-deployer/internal/config"
	"github.com/osiriscare/agent-deployer/internal/credentials"
	"github.com/osiriscare/agent-deployer/internal/deploy"
	"github.com/osiriscare/agent-deployer/internal/deployerr"
	"github.com/osiriscare/agent-deployer/internal/sdnotify"
)

func newFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet("agent-deployer "+name, pflag.ContinueOnError)
	fs.SortFlags = false
	return fs
}

func runDeploy(ctx context.Context, e *env, args []string) error {
	fs := newFlagSet("deploy")
	cfgPath := fs.StringP("config", "c", "", "deployment settings file (YAML or JSON)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(e.home, *cfgPath)
	if err != nil {
		return err
	}
	if cfg.Admin.Password == "" {
		pw, err := e.secrets.Lookup(cfg.Organization, cfg.Admin.Username)
		switch {
		case err == nil:
			cfg.Admin.Password = pw
		case errors.Is(err, credentials.ErrNotFound):
			return fmt.Errorf("no admin password: set admin.password, DEPLOYER_ADMIN_PASSWORD, or store one in the keyring")
		default:
			return fmt.Errorf("read admin password: %w", err)
		}
	}

	o := e.orchestrator(cfg.Label)
	stop := printProgress(o)
	err = o.Deploy(ctx, cfg)
	stop()
	if err != nil {
		return explain(err)
	}

	if err := e.secrets.Save(cfg.Organization, cfg.Admin.Username, cfg.Admin.Password); err != nil {
		log.Printf("[deploy] Could not store admin credential (ignored): %v", err)
	}
	fmt.Printf("Agent deployed. Management UI: https://%s/\n", cfg.Management)
	return nil
}

func runEmergency(ctx context.Context, e *env, args []string) error {
	fs := newFlagSet("emergency")
	if err := fs.Parse(args); err != nil {
		return err
	}

	o := e.orchestrator(config.DefaultLabel)
	stop := printProgress(o)
	cfg, err := o.EmergencyDeploy(ctx)
	stop()
	if cfg != nil {
		fmt.Printf("Emergency credentials: username=%s password=%s\n", cfg.Admin.Username, cfg.Admin.Password)
		fmt.Printf("Datastore: %s\n", cfg.Paths.Datastore)
	}
	if err != nil {
		return explain(err)
	}
	fmt.Printf("Agent deployed. Management UI: https://%s/\n", cfg.Management)
	return nil
}

func runStop(ctx context.Context, e *env, args []string) error {
	fs := newFlagSet("stop")
	label := fs.String("label", config.DefaultLabel, "service label")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := e.orchestrator(*label).StopService(ctx); err != nil {
		return explain(err)
	}
	fmt.Println("Service stopped.")
	return nil
}

func runRestart(ctx context.Context, e *env, args []string) error {
	fs := newFlagSet("restart")
	label := fs.String("label", config.DefaultLabel, "service label")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := e.orchestrator(*label).RestartService(ctx); err != nil {
		return explain(err)
	}
	fmt.Println("Service restarted.")
	return nil
}

func runStatus(ctx context.Context, e *env, args []string) error {
	fs := newFlagSet("status")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if e.history == nil {
		return errors.New("run history is unavailable")
	}
	runs, err := e.history.List(1)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No deployments recorded.")
		return nil
	}

	r := runs[0]
	fmt.Printf("Run %s: %s (%.0f%%), started %s\n", r.ID, r.Status, r.Progress*100, humanize.Time(r.StartedAt))
	fmt.Printf("  %s\n", r.Message)
	for _, st := range r.Steps {
		line := fmt.Sprintf("  %-26s %s", st.Step, st.State)
		if st.Error != "" {
			line += "  " + st.Error
		}
		fmt.Println(line)
	}
	return nil
}

func runHistory(ctx context.Context, e *env, args []string) error {
	fs := newFlagSet("history")
	limit := fs.IntP("limit", "n", 10, "number of runs to show")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if e.history == nil {
		return errors.New("run history is unavailable")
	}
	runs, err := e.history.List(*limit)
	if err != nil {
		return err
	}
	for _, r := range runs {
		took := "-"
		if !r.FinishedAt.IsZero() {
			took = r.FinishedAt.Sub(r.StartedAt).Round(time.Second).String()
		}
		fmt.Printf("%s  %-10s %-8s %-14s %s\n", r.ID, r.Status, took, humanize.Time(r.StartedAt), r.ErrorKind)
	}
	return nil
}

func runServe(ctx context.Context, e *env, args []string) error {
	fs := newFlagSet("serve")
	addr := fs.String("addr", api.DefaultAddr, "listen address (loopback only)")
	label := fs.String("label", config.DefaultLabel, "service label for stop/restart")
	if err := fs.Parse(args); err != nil {
		return err
	}

	host, _, err := net.SplitHostPort(*addr)
	if err != nil {
		return fmt.Errorf("invalid --addr: %w", err)
	}
	if ip := net.ParseIP(host); host != "localhost" && (ip == nil || !ip.IsLoopback()) {
		return fmt.Errorf("refusing to listen on non-loopback address %s", *addr)
	}

	o := e.orchestrator(*label)
	srv := api.New(ctx, o, e.home)
	srv.Secrets = e.secrets
	if e.history != nil {
		srv.Runs = e.history
	}

	ln, err := net.Listen("tcp", *addr)
	if err != nil {
		return err
	}

	go notifyProgress(ctx, o)
	if err := sdnotify.Ready(); err != nil {
		log.Printf("[api] sd_notify failed: %v", err)
	}
	if err := srv.Serve(ctx, ln); err != nil {
		return err
	}
	sdnotify.Stopping()
	return nil
}

// notifyProgress mirrors run state into systemd and pets the watchdog.
func notifyProgress(ctx context.Context, o *deploy.Orchestrator) {
	ch, cancel := o.Subscribe()
	defer cancel()

	var tick <-chan time.Time
	if d := sdnotify.WatchdogInterval(); d > 0 {
		t := time.NewTicker(d)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case st := <-ch:
			sdnotify.Progress(st.Message, st.Progress)
		case <-tick:
			sdnotify.Watchdog()
		}
	}
}

// printProgress prints each step transition until the returned func is called.
func printProgress(o *deploy.Orchestrator) func() {
	ch, cancel := o.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		last := ""
		for st := range ch {
			line := fmt.Sprintf("[%3.0f%%] %s", st.Progress*100, st.Message)
			if line != last && st.RunID != "" {
				fmt.Fprintln(os.Stdout, line)
				last = line
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// explain adds the user-facing message and suggestion to deployment errors.
func explain(err error) error {
	var de *deployerr.Error
	if !errors.As(err, &de) {
		return err
	}
	msg := de.Message()
	if s := de.Suggestion(); s != "" {
		msg += "\n" + s
	}
	log.Printf("[deploy] %v", de)
	return errors.New(msg)
}
