// Package verify confirms a deployed agent is alive.
package verify

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/osiriscare/agent-deployer/internal/config"
	"github.com/osiriscare/agent-deployer/internal/deployerr"
)

// ProbeTimeout bounds the management endpoint probe.
const ProbeTimeout = 10 * time.Second

// Verifier checks process liveness, then probes the management listener.
// Only the liveness check can fail verification.
type Verifier struct {
	// FindProcess reports whether a process with the given name is running.
	FindProcess func(ctx context.Context, name string) (bool, error)
	HTTPClient  *http.Client
}

// New returns a Verifier that inspects the process table and accepts
// self-signed certificates on the probe.
func New() *Verifier {
	return &Verifier{
		FindProcess: processRunning,
		HTTPClient: &http.Client{
			Timeout: ProbeTimeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, // agent certs are often self-signed
			},
		},
	}
}

// Verify returns VerificationFailed if the agent process is not running.
func (v *Verifier) Verify(ctx context.Context, cfg *config.Config) error {
	name := filepath.Base(cfg.BinaryName)
	running, err := v.FindProcess(ctx, name)
	if err != nil {
		return deployerr.Wrap(deployerr.VerificationFailed, err, "list processes")
	}
	if !running {
		return deployerr.New(deployerr.VerificationFailed, "process %s is not running", name)
	}
	log.Printf("[verify] Process %s is running", name)

	// Startup is asynchronous so the probe only logs.
	url := ProbeURL(cfg.Management)
	if status, err := v.probe(ctx, url); err != nil {
		log.Printf("[verify] WARNING: management endpoint %s not reachable yet: %v", url, err)
	} else {
		log.Printf("[verify] Management endpoint %s answered %d", url, status)
	}
	return nil
}

// ProbeURL is the management endpoint URL, with wildcard binds mapped to
// loopback.
func ProbeURL(b config.Binding) string {
	host := b.Address
	switch host {
	case "", "0.0.0.0", "::", "[::]":
		host = "127.0.0.1"
	}
	return fmt.Sprintf("https://%s/", net.JoinHostPort(host, strconv.Itoa(b.Port)))
}

func (v *Verifier) probe(ctx context.Context, url string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := v.HTTPClient.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}

func processRunning(ctx context.Context, name string) (bool, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return false, err
	}
	for _, p := range procs {
		// Processes can exit between listing and inspection.
		n, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		if n == name {
			return true, nil
		}
	}
	return false, nil
}
