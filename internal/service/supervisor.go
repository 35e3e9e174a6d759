package service

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Supervisor is a per-user platform service manager.
type Supervisor interface {
	Name() string
	// DescriptorPath is where the descriptor for label lives.
	DescriptorPath(label string) string
	Encode(d Descriptor) ([]byte, error)
	// Load registers and starts the descriptor at path.
	Load(ctx context.Context, path string, d Descriptor) error
	// Unload stops the service. With disable it also stays stopped at
	// next login.
	Unload(ctx context.Context, path string, d Descriptor, disable bool) error
}

// Runner executes supervisor commands.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands as subprocesses.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.Bytes(), err
}

// DefaultSupervisor returns the supervisor for this platform.
func DefaultSupervisor(home string) Supervisor {
	return platformSupervisor(home, ExecRunner{})
}

func run(ctx context.Context, r Runner, name string, args ...string) error {
	out, err := r.Run(ctx, name, args...)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msg := strings.TrimSpace(string(out))
		if msg == "" {
			return fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
		}
		return fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, msg)
	}
	return nil
}
