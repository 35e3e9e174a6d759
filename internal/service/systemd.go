package service

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"

	"github.com/coreos/go-systemd/v22/unit"
)

// EncodeSystemdUnit renders d as a systemd user unit.
func EncodeSystemdUnit(d Descriptor) ([]byte, error) {
	opts := []*unit.UnitOption{
		unit.NewUnitOption("Unit", "Description", d.Label),
		unit.NewUnitOption("Unit", "After", "network-online.target"),
		unit.NewUnitOption("Service", "Type", "simple"),
		unit.NewUnitOption("Service", "ExecStart", execLine(d.CommandLine())),
		unit.NewUnitOption("Service", "WorkingDirectory", d.WorkingDirectory),
	}

	keys := make([]string, 0, len(d.Environment))
	for k := range d.Environment {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		opts = append(opts, unit.NewUnitOption("Service", "Environment", quoteArg(k+"="+d.Environment[k])))
	}

	if d.StdoutPath != "" {
		opts = append(opts, unit.NewUnitOption("Service", "StandardOutput", "append:"+d.StdoutPath))
	}
	if d.StderrPath != "" {
		opts = append(opts, unit.NewUnitOption("Service", "StandardError", "append:"+d.StderrPath))
	}
	if d.RestartOnFailure {
		opts = append(opts,
			unit.NewUnitOption("Service", "Restart", "on-failure"),
			unit.NewUnitOption("Service", "RestartSec", "5"),
		)
	} else {
		opts = append(opts, unit.NewUnitOption("Service", "Restart", "no"))
	}
	opts = append(opts, unit.NewUnitOption("Install", "WantedBy", "default.target"))

	data, err := io.ReadAll(unit.Serialize(opts))
	if err != nil {
		return nil, fmt.Errorf("encode unit: %w", err)
	}
	return data, nil
}

func execLine(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = quoteArg(a)
	}
	return strings.Join(quoted, " ")
}

func quoteArg(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\"'\\") {
		return s
	}
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}

// Systemd manages user units with systemctl --user.
type Systemd struct {
	Home   string
	Runner Runner
}

// NewSystemd returns a systemd user supervisor for the user whose home is home.
func NewSystemd(home string, r Runner) *Systemd {
	return &Systemd{Home: home, Runner: r}
}

func (s *Systemd) Name() string { return "systemd" }

func (s *Systemd) DescriptorPath(label string) string {
	return filepath.Join(s.Home, ".config", "systemd", "user", label+".service")
}

func (s *Systemd) Encode(d Descriptor) ([]byte, error) { return EncodeSystemdUnit(d) }

// Load reloads unit files, enables the unit when it should run at login,
// and starts it.
func (s *Systemd) Load(ctx context.Context, path string, d Descriptor) error {
	name := filepath.Base(path)
	if err := run(ctx, s.Runner, "systemctl", "--user", "daemon-reload"); err != nil {
		return err
	}
	if d.RunAtLogin {
		if err := run(ctx, s.Runner, "systemctl", "--user", "enable", name); err != nil {
			return err
		}
	}
	return run(ctx, s.Runner, "systemctl", "--user", "start", name)
}

func (s *Systemd) Unload(ctx context.Context, path string, d Descriptor, disable bool) error {
	name := filepath.Base(path)
	if disable {
		return run(ctx, s.Runner, "systemctl", "--user", "disable", "--now", name)
	}
	return run(ctx, s.Runner, "systemctl", "--user", "stop", name)
}
