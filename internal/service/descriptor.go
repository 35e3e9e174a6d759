// Package service registers the agent with the per-user platform
// supervisor (launchd on macOS, systemd --user elsewhere) and controls it.
//
// Registration flow:
//  1. Build a Descriptor from the config and the installed binary.
//  2. Encode it in the supervisor's native format.
//  3. If a descriptor already exists, unload it (errors ignored) and remove it.
//  4. Write the new descriptor.
//
// Start loads the descriptor, Stop unloads it with auto-start disabled, and
// Restart does both with a short pause in between.
package service

import (
	"path/filepath"

	"github.com/osiriscare/agent-deployer/internal/config"
)

// AgentCommand is the agent subcommand that runs it in the foreground.
const AgentCommand = "frontend"

// SystemPath is the only PATH the agent inherits.
const SystemPath = "/usr/bin:/bin:/usr/sbin:/sbin"

// Descriptor describes how the supervisor runs the agent.
type Descriptor struct {
	Label     string
	Program   string
	Arguments []string

	RunAtLogin bool
	// RestartOnFailure restarts after a non-zero exit but not a clean one.
	RestartOnFailure bool

	StdoutPath       string
	StderrPath       string
	WorkingDirectory string
	Environment      map[string]string
}

// NewDescriptor derives the descriptor for cfg with the agent at binaryPath
// reading configPath.
func NewDescriptor(cfg *config.Config, binaryPath, configPath string) Descriptor {
	return Descriptor{
		Label:            cfg.Label,
		Program:          binaryPath,
		Arguments:        []string{"--config", configPath, AgentCommand, "-v"},
		RunAtLogin:       cfg.RunAtLogin,
		RestartOnFailure: true,
		StdoutPath:       filepath.Join(cfg.Paths.Logs, cfg.BinaryName+".out.log"),
		StderrPath:       filepath.Join(cfg.Paths.Logs, cfg.BinaryName+".err.log"),
		WorkingDirectory: cfg.Paths.Datastore,
		Environment:      map[string]string{"PATH": SystemPath},
	}
}

// CommandLine returns the program followed by its arguments.
func (d Descriptor) CommandLine() []string {
	return append([]string{d.Program}, d.Arguments...)
}
