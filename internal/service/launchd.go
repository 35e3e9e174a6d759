package service

import (
	"context"
	"fmt"
	"path/filepath"

	"howett.net/plist"
)

type launchdJob struct {
	Label                string            `plist:"Label"`
	ProgramArguments     []string          `plist:"ProgramArguments"`
	RunAtLoad            bool              `plist:"RunAtLoad"`
	KeepAlive            *launchdKeepAlive `plist:"KeepAlive,omitempty"`
	StandardOutPath      string            `plist:"StandardOutPath"`
	StandardErrorPath    string            `plist:"StandardErrorPath"`
	WorkingDirectory     string            `plist:"WorkingDirectory"`
	EnvironmentVariables map[string]string `plist:"EnvironmentVariables,omitempty"`
}

type launchdKeepAlive struct {
	SuccessfulExit bool `plist:"SuccessfulExit"`
}

// EncodeLaunchd renders d as a launchd property list.
func EncodeLaunchd(d Descriptor) ([]byte, error) {
	job := launchdJob{
		Label:                d.Label,
		ProgramArguments:     d.CommandLine(),
		RunAtLoad:            d.RunAtLogin,
		StandardOutPath:      d.StdoutPath,
		StandardErrorPath:    d.StderrPath,
		WorkingDirectory:     d.WorkingDirectory,
		EnvironmentVariables: d.Environment,
	}
	if d.RestartOnFailure {
		job.KeepAlive = &launchdKeepAlive{SuccessfulExit: false}
	}
	data, err := plist.MarshalIndent(job, plist.XMLFormat, "\t")
	if err != nil {
		return nil, fmt.Errorf("encode plist: %w", err)
	}
	return data, nil
}

// Launchd manages per-user launch agents with launchctl.
type Launchd struct {
	Home   string
	Runner Runner
}

// NewLaunchd returns a launchd supervisor for the user whose home is home.
func NewLaunchd(home string, r Runner) *Launchd {
	return &Launchd{Home: home, Runner: r}
}

func (l *Launchd) Name() string { return "launchd" }

func (l *Launchd) DescriptorPath(label string) string {
	return filepath.Join(l.Home, "Library", "LaunchAgents", label+".plist")
}

func (l *Launchd) Encode(d Descriptor) ([]byte, error) { return EncodeLaunchd(d) }

func (l *Launchd) Load(ctx context.Context, path string, d Descriptor) error {
	return run(ctx, l.Runner, "launchctl", "load", path)
}

func (l *Launchd) Unload(ctx context.Context, path string, d Descriptor, disable bool) error {
	if disable {
		return run(ctx, l.Runner, "launchctl", "unload", "-w", path)
	}
	return run(ctx, l.Runner, "launchctl", "unload", path)
}
