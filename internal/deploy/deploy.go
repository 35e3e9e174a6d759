// Package deploy sequences a full agent deployment and publishes its
// progress.
//
// A run executes these steps in order, stopping at the first failure:
//  1. Preparation: disk space, and network reachability for downloads
//  2. Acquisition: download or copy the agent binary
//  3. DirectoryProvisioning: datastore, logs, cache, and config dirs
//  4. ConfigurationGeneration: render the agent's server config
//  5. ServiceRegistration: write the supervisor descriptor
//  6. ServiceStart: load the service and wait for it to come up
//  7. Verification: confirm the process is alive
//
// Completed steps are not rolled back and failed steps are not retried.
package deploy

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/osiriscare/agent-deployer/internal/acquire"
	"github.com/osiriscare/agent-deployer/internal/agentconfig"
	"github.com/osiriscare/agent-deployer/internal/config"
	"github.com/osiriscare/agent-deployer/internal/deployerr"
	"github.com/osiriscare/agent-deployer/internal/history"
	"github.com/osiriscare/agent-deployer/internal/preflight"
	"github.com/osiriscare/agent-deployer/internal/provision"
	"github.com/osiriscare/agent-deployer/internal/service"
	"github.com/osiriscare/agent-deployer/internal/verify"
)

type Preflight interface {
	Check(ctx context.Context, cfg *config.Config) error
}

type Acquirer interface {
	Acquire(ctx context.Context, destDir string, cfg *config.Config) (string, error)
}

type Provisioner interface {
	Provision(cfg *config.Config) error
}

type Materializer interface {
	Materialize(cfg *config.Config, binaryPath string) (string, error)
}

type Registrar interface {
	Register(ctx context.Context, binaryPath, configPath string, cfg *config.Config) error
}

type Controller interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Restart(ctx context.Context) error
}

type Verifier interface {
	Verify(ctx context.Context, cfg *config.Config) error
}

// Recorder persists run outcomes.
type Recorder interface {
	Save(r history.Run) error
}

// SecretStore keeps generated admin passwords.
type SecretStore interface {
	Save(org, username, password string) error
}

// subscriberBuffer is how many snapshots a slow subscriber may lag.
const subscriberBuffer = 16

// Orchestrator runs deployments one at a time.
type Orchestrator struct {
	Preflight    Preflight
	Acquirer     Acquirer
	Provisioner  Provisioner
	Materializer Materializer
	Registrar    Registrar
	Controller   Controller
	Verifier     Verifier

	// History and Secrets are optional.
	History Recorder
	Secrets SecretStore

	// Home roots the emergency deployment.
	Home string
	Now  func() time.Time

	mu      sync.Mutex
	running bool

	stateMu sync.Mutex
	state   atomic.Pointer[RunState]

	subMu   sync.Mutex
	subs    map[int]chan RunState
	nextSub int
}

// New returns an Orchestrator wired to the real step implementations for
// the user whose home directory is home. Stop and restart act on the
// service named label until a deployment registers another.
func New(home, label string) *Orchestrator {
	svc := service.New(home, label)
	return NewWith(home, preflight.New(), acquire.New(), provision.New(),
		agentconfig.New(), svc, svc, verify.New())
}

// NewWith returns an Orchestrator using the given steps.
func NewWith(home string, pf Preflight, acq Acquirer, prov Provisioner, mat Materializer,
	reg Registrar, ctl Controller, ver Verifier) *Orchestrator {
	o := &Orchestrator{
		Preflight:    pf,
		Acquirer:     acq,
		Provisioner:  prov,
		Materializer: mat,
		Registrar:    reg,
		Controller:   ctl,
		Verifier:     ver,
		Home:         home,
		Now:          time.Now,
		subs:         make(map[int]chan RunState),
	}
	idle := idleState()
	o.state.Store(&idle)
	return o
}

// Snapshot returns the current run state.
func (o *Orchestrator) Snapshot() RunState {
	return *o.state.Load()
}

// Subscribe returns a channel that receives every published snapshot,
// starting with the current one, and a func to unsubscribe. A subscriber
// that falls behind loses its oldest snapshots, never the newest.
func (o *Orchestrator) Subscribe() (<-chan RunState, func()) {
	ch := make(chan RunState, subscriberBuffer)

	o.subMu.Lock()
	ch <- o.Snapshot()
	id := o.nextSub
	o.nextSub++
	o.subs[id] = ch
	o.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			o.subMu.Lock()
			delete(o.subs, id)
			o.subMu.Unlock()
			close(ch)
		})
	}
}

// Running reports whether a deployment is in flight.
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// Deploy runs a full deployment of cfg. It returns Busy without touching
// the run state if another deployment is in flight.
func (o *Orchestrator) Deploy(ctx context.Context, cfg *config.Config) error {
	if err := validate(cfg); err != nil {
		return err
	}
	if !o.tryAcquire() {
		return deployerr.New(deployerr.Busy, "a deployment is already running")
	}
	defer o.release()
	return o.run(ctx, cfg)
}

// DeployAsync claims the run slot and deploys in the background. The
// returned channel yields the run's result once.
func (o *Orchestrator) DeployAsync(ctx context.Context, cfg *config.Config) (<-chan error, error) {
	if err := validate(cfg); err != nil {
		return nil, err
	}
	if !o.tryAcquire() {
		return nil, deployerr.New(deployerr.Busy, "a deployment is already running")
	}

	done := make(chan error, 1)
	go func() {
		defer close(done)
		defer o.release()
		done <- o.run(ctx, cfg)
	}()
	return done, nil
}

// EmergencyDeploy deploys a fixed standalone configuration with a fresh
// admin password. The synthesized config is returned even when the
// deployment fails so the caller can show the credential.
func (o *Orchestrator) EmergencyDeploy(ctx context.Context) (*config.Config, error) {
	cfg, err := o.emergencyConfig()
	if err != nil {
		return nil, err
	}
	err = o.Deploy(ctx, cfg)
	if !errors.Is(err, deployerr.Busy) {
		o.saveSecret(cfg)
	}
	return cfg, err
}

// EmergencyDeployAsync is EmergencyDeploy in the background.
func (o *Orchestrator) EmergencyDeployAsync(ctx context.Context) (*config.Config, <-chan error, error) {
	cfg, err := o.emergencyConfig()
	if err != nil {
		return nil, nil, err
	}
	done, err := o.DeployAsync(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	o.saveSecret(cfg)
	return cfg, done, nil
}

// StopService stops the agent and disables it at login.
func (o *Orchestrator) StopService(ctx context.Context) error {
	if err := o.Controller.Stop(ctx); err != nil {
		return deployerr.From(deployerr.ServiceInstallFailed, err)
	}
	return nil
}

// RestartService stops the agent, pauses, and starts it again.
func (o *Orchestrator) RestartService(ctx context.Context) error {
	if err := o.Controller.Restart(ctx); err != nil {
		return deployerr.From(deployerr.StartupFailed, err)
	}
	return nil
}

func (o *Orchestrator) emergencyConfig() (*config.Config, error) {
	cfg, err := config.Emergency(o.Home)
	if err != nil {
		return nil, deployerr.Wrap(deployerr.ConfigGenerationFailed, err, "synthesize emergency config")
	}
	log.Printf("[deploy] Emergency deployment: %s", cfg.Summary())
	return cfg, nil
}

func (o *Orchestrator) saveSecret(cfg *config.Config) {
	if o.Secrets == nil {
		return
	}
	if err := o.Secrets.Save(cfg.Organization, cfg.Admin.Username, cfg.Admin.Password); err != nil {
		log.Printf("[deploy] Could not store admin credential (ignored): %v", err)
	}
}

func validate(cfg *config.Config) error {
	if cfg == nil {
		return deployerr.New(deployerr.InvalidConfig, "no config")
	}
	if err := cfg.Validate(); err != nil {
		return deployerr.Wrap(deployerr.InvalidConfig, err, "%v", err)
	}
	// Config files may omit the password and rely on the keyring, so
	// Validate allows it; by the time a run starts it must be resolved.
	if cfg.Admin.Password == "" {
		return deployerr.New(deployerr.InvalidConfig, "admin password is required")
	}
	return nil
}

func (o *Orchestrator) tryAcquire() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return false
	}
	o.running = true
	return true
}

func (o *Orchestrator) release() {
	o.mu.Lock()
	o.running = false
	o.mu.Unlock()
}

type stage struct {
	step       Step
	checkpoint float64
	kind       deployerr.Kind // default kind for untyped errors
	run        func() error
}

func (o *Orchestrator) run(ctx context.Context, cfg *config.Config) error {
	runID := uuid.NewString()
	start := o.Now()

	fresh := idleState()
	fresh.RunID = runID
	fresh.Running = true
	fresh.Message = "Starting deployment"
	fresh.StartedAt = start
	o.publish(fresh)
	o.record(fresh, cfg)

	log.Printf("[deploy] Run %s starting: %s", runID, cfg.Summary())

	var binaryPath, configPath string
	stages := []stage{
		{Preparation, 0.1, deployerr.NetworkUnavailable, func() error {
			return o.Preflight.Check(ctx, cfg)
		}},
		{Acquisition, 0.4, deployerr.DownloadFailed, func() error {
			p, err := o.Acquirer.Acquire(ctx, cfg.BinDir(), cfg)
			binaryPath = p
			return err
		}},
		{DirectoryProvisioning, 0.5, deployerr.PermissionDenied, func() error {
			return o.Provisioner.Provision(cfg)
		}},
		{ConfigurationGeneration, 0.6, deployerr.ConfigGenerationFailed, func() error {
			p, err := o.Materializer.Materialize(cfg, binaryPath)
			configPath = p
			return err
		}},
		{ServiceRegistration, 0.8, deployerr.ServiceInstallFailed, func() error {
			return o.Registrar.Register(ctx, binaryPath, configPath, cfg)
		}},
		{ServiceStart, 0.9, deployerr.StartupFailed, func() error {
			return o.Controller.Start(ctx)
		}},
		{Verification, 1.0, deployerr.VerificationFailed, func() error {
			return o.Verifier.Verify(ctx, cfg)
		}},
	}

	for _, sg := range stages {
		o.update(func(st *RunState) {
			st.Steps[sg.step] = StepStatus{State: InProgress}
			st.Message = sg.step.Message()
		})
		log.Printf("[deploy] Step %s started", sg.step)

		err := ctx.Err()
		if err == nil {
			err = sg.run()
		}
		if err != nil {
			stepErr := *deployerr.From(sg.kind, err)
			stepErr.Step = sg.step.String()
			de := &stepErr
			final := o.update(func(st *RunState) {
				st.Steps[sg.step] = StepStatus{State: Failed, Err: de}
				st.Message = de.Message()
				st.LastError = de
				st.Running = false
				st.FinishedAt = o.Now()
			})
			o.record(final, cfg)
			log.Printf("[deploy] Run %s failed at %s: %v", runID, sg.step, de)
			return de
		}

		o.update(func(st *RunState) {
			st.Steps[sg.step] = StepStatus{State: Completed}
			if sg.checkpoint > st.Progress {
				st.Progress = sg.checkpoint
			}
		})
		log.Printf("[deploy] Step %s completed", sg.step)
	}

	final := o.update(func(st *RunState) {
		st.Message = "Deployment complete"
		st.Running = false
		st.FinishedAt = o.Now()
	})
	o.record(final, cfg)
	log.Printf("[deploy] Run %s completed in %s", runID, final.FinishedAt.Sub(start).Round(time.Millisecond))
	return nil
}

// update applies fn to a copy of the current state and publishes it.
func (o *Orchestrator) update(fn func(st *RunState)) RunState {
	o.stateMu.Lock()
	next := o.state.Load().clone()
	fn(&next)
	o.state.Store(&next)
	o.stateMu.Unlock()

	o.broadcast(next)
	return next
}

func (o *Orchestrator) publish(st RunState) {
	o.stateMu.Lock()
	o.state.Store(&st)
	o.stateMu.Unlock()
	o.broadcast(st)
}

func (o *Orchestrator) broadcast(st RunState) {
	o.subMu.Lock()
	defer o.subMu.Unlock()
	for _, ch := range o.subs {
		select {
		case ch <- st:
			continue
		default:
		}
		// Full: drop the oldest and retry once.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- st:
		default:
		}
	}
}

func (o *Orchestrator) record(st RunState, cfg *config.Config) {
	if o.History == nil {
		return
	}
	if err := o.History.Save(toHistory(st, cfg)); err != nil {
		log.Printf("[history] Failed to record run %s (ignored): %v", st.RunID, err)
	}
}

func toHistory(st RunState, cfg *config.Config) history.Run {
	r := history.Run{
		ID:         st.RunID,
		Summary:    cfg.Summary(),
		Progress:   st.Progress,
		Message:    st.Message,
		StartedAt:  st.StartedAt,
		FinishedAt: st.FinishedAt,
	}
	switch {
	case st.Running:
		r.Status = "running"
	case st.LastError != nil:
		r.Status = "failed"
		r.ErrorKind = string(st.LastError.Kind)
		r.ErrorText = st.LastError.Error()
	default:
		r.Status = "succeeded"
	}
	for _, s := range Steps() {
		ss := st.Steps[s]
		rec := history.StepRecord{Step: s.String(), State: ss.State.String()}
		if ss.Err != nil {
			rec.Error = ss.Err.Error()
		}
		r.Steps = append(r.Steps, rec)
	}
	return r
}
