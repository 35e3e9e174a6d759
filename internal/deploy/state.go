package deploy

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/osiriscare/agent-deployer/internal/deployerr"
)

// Step is one stage of a deployment. Steps run in declaration order.
type Step int

const (
	Preparation Step = iota
	Acquisition
	DirectoryProvisioning
	ConfigurationGeneration
	ServiceRegistration
	ServiceStart
	Verification
)

var stepNames = [...]string{
	Preparation:             "preparation",
	Acquisition:             "acquisition",
	DirectoryProvisioning:   "directory_provisioning",
	ConfigurationGeneration: "configuration_generation",
	ServiceRegistration:     "service_registration",
	ServiceStart:            "service_start",
	Verification:            "verification",
}

var stepMessages = [...]string{
	Preparation:             "Checking system requirements",
	Acquisition:             "Obtaining the agent binary",
	DirectoryProvisioning:   "Creating directories",
	ConfigurationGeneration: "Generating configuration",
	ServiceRegistration:     "Registering background service",
	ServiceStart:            "Starting service",
	Verification:            "Verifying the agent is running",
}

// Steps returns every step in execution order.
func Steps() []Step {
	return []Step{
		Preparation,
		Acquisition,
		DirectoryProvisioning,
		ConfigurationGeneration,
		ServiceRegistration,
		ServiceStart,
		Verification,
	}
}

func (s Step) String() string {
	if s < 0 || int(s) >= len(stepNames) {
		return fmt.Sprintf("step(%d)", int(s))
	}
	return stepNames[s]
}

// Message is the status line shown while the step runs.
func (s Step) Message() string {
	if s < 0 || int(s) >= len(stepMessages) {
		return s.String()
	}
	return stepMessages[s]
}

func (s Step) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Step) UnmarshalText(b []byte) error {
	for i, n := range stepNames {
		if n == string(b) {
			*s = Step(i)
			return nil
		}
	}
	return fmt.Errorf("unknown step %q", b)
}

// State is where a step is in its lifecycle.
type State int

const (
	Pending State = iota
	InProgress
	Completed
	Failed
	Skipped
)

var stateNames = [...]string{
	Pending:    "pending",
	InProgress: "in_progress",
	Completed:  "completed",
	Failed:     "failed",
	Skipped:    "skipped",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// StepStatus is a step's state. Err is set only when State is Failed.
type StepStatus struct {
	State State
	Err   *deployerr.Error
}

func (s StepStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		State State            `json:"state"`
		Err   *deployerr.Error `json:"error,omitempty"`
	}{s.State, s.Err})
}

// RunState is a point-in-time view of a deployment run. Values handed out
// by the Orchestrator are never mutated afterwards.
type RunState struct {
	RunID      string              `json:"run_id,omitempty"`
	Progress   float64             `json:"progress"`
	Message    string              `json:"message"`
	Steps      map[Step]StepStatus `json:"steps"`
	Running    bool                `json:"running"`
	LastError  *deployerr.Error    `json:"last_error,omitempty"`
	StartedAt  time.Time           `json:"started_at,omitzero"`
	FinishedAt time.Time           `json:"finished_at,omitzero"`
}

// idleState is the state before any run.
func idleState() RunState {
	st := RunState{Message: "Ready", Steps: make(map[Step]StepStatus, len(stepNames))}
	for _, s := range Steps() {
		st.Steps[s] = StepStatus{State: Pending}
	}
	return st
}

// Status returns the status of step s.
func (r RunState) Status(s Step) StepStatus {
	return r.Steps[s]
}

// FailedStep returns the step that failed, if any.
func (r RunState) FailedStep() (Step, bool) {
	for _, s := range Steps() {
		if r.Steps[s].State == Failed {
			return s, true
		}
	}
	return 0, false
}

func (r RunState) clone() RunState {
	c := r
	c.Steps = make(map[Step]StepStatus, len(r.Steps))
	for k, v := range r.Steps {
		c.Steps[k] = v
	}
	return c
}
