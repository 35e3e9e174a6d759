// agent-deployer installs the Velociraptor forensics agent as a per-user
// background service and reports progress while doing so.
//
// Usage:
//
//	agent-deployer deploy --config ~/deploy.yaml
//	agent-deployer emergency
//	agent-deployer stop | restart
//	agent-deployer status | history [--limit N]
//	agent-deployer serve [--addr 127.0.0.1:7717]
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/osiriscare/agent-deployer/internal/config"
	"github.com/osiriscare/agent-deployer/internal/credentials"
	"github.com/osiriscare/agent-deployer/internal/deploy"
	"github.com/osiriscare/agent-deployer/internal/history"
)

// Version is set at build time.
var Version = "dev"

type command struct {
	name    string
	summary string
	run     func(ctx context.Context, env *env, args []string) error
}

var commands = []command{
	{"deploy", "deploy the agent from a settings file", runDeploy},
	{"emergency", "deploy a standalone agent with generated credentials", runEmergency},
	{"stop", "stop the agent service and disable it at login", runStop},
	{"restart", "restart the agent service", runRestart},
	{"status", "show the most recent deployment", runStatus},
	{"history", "list recent deployments", runHistory},
	{"serve", "run the local control API", runServe},
}

func main() {
	configureLogging(os.Getenv("DEPLOYER_LOG_LEVEL"))

	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		printUsage(os.Stdout)
		return nil
	}
	if args[0] == "--version" || args[0] == "version" {
		fmt.Printf("agent-deployer %s\n", Version)
		return nil
	}

	for _, c := range commands {
		if c.name != args[0] {
			continue
		}
		ctx, cancel := signalContext()
		defer cancel()

		e, err := newEnv()
		if err != nil {
			return err
		}
		defer e.Close()
		return c.run(ctx, e, args[1:])
	}
	printUsage(os.Stderr)
	return fmt.Errorf("unknown command %q", args[0])
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: agent-deployer <command> [flags]")
	fmt.Fprintln(w)
	for _, c := range commands {
		fmt.Fprintf(w, "  %-10s %s\n", c.name, c.summary)
	}
}

// configureLogging follows DEPLOYER_LOG_LEVEL: "debug" adds timestamps with
// microseconds, "quiet" discards log output.
func configureLogging(level string) {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	switch strings.ToLower(level) {
	case "debug":
		log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	case "quiet", "silent", "off":
		log.SetOutput(io.Discard)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigChan:
			log.Printf("Shutdown signal: %v", sig)
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()
	return ctx, cancel
}

// env is the state shared by every command.
type env struct {
	home     string
	stateDir string
	history  *history.Store
	secrets  *credentials.Store
}

func newEnv() (*env, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}
	e := &env{
		home:     home,
		stateDir: stateDir(home),
		secrets:  credentials.New(),
	}

	if err := os.MkdirAll(e.stateDir, 0o700); err != nil {
		log.Printf("[history] Cannot create %s, history disabled: %v", e.stateDir, err)
		return e, nil
	}
	store, err := history.Open(e.stateDir)
	if err != nil {
		log.Printf("[history] Disabled: %v", err)
		return e, nil
	}
	e.history = store
	return e, nil
}

func (e *env) Close() {
	if e.history != nil {
		e.history.Close()
	}
}

// orchestrator wires the real steps, controlling the service named label.
func (e *env) orchestrator(label string) *deploy.Orchestrator {
	o := deploy.New(e.home, label)
	o.Secrets = e.secrets
	if e.history != nil {
		o.History = e.history
	}
	return o
}

func stateDir(home string) string {
	if v := os.Getenv("XDG_STATE_HOME"); v != "" {
		return filepath.Join(v, "agent-deployer")
	}
	return filepath.Join(home, ".local", "state", "agent-deployer")
}

// defaultConfigPath is used when --config is not given.
func defaultConfigPath(home string) string {
	return filepath.Join(home, ".config", "agent-deployer", "deploy.yaml")
}

// loadConfig reads settings from path, or uses the defaults when path is
// empty and the default file does not exist.
func loadConfig(home, path string) (*config.Config, error) {
	explicit := path != ""
	if !explicit {
		path = defaultConfigPath(home)
	}
	if _, err := os.Stat(path); err != nil && !explicit && errors.Is(err, os.ErrNotExist) {
		return config.Parse(nil, home)
	}
	return config.LoadConfig(path, home)
}
