// Package models defines the workflow file format: triggers, concurrency,
// jobs, matrix strategies and steps.
package models

import "fmt"

type Variable map[string]string

// Workflow is a single workflow file. Jobs run when an Event matches one of
// the declared triggers.
type Workflow struct {
	Name        string      `yaml:"name" validate:"required"`
	On          Triggers    `yaml:"on" validate:"required"`
	Concurrency Concurrency `yaml:"concurrency"`
	Jobs        []Job       `yaml:"jobs" validate:"required,dive"`
}

// Triggers holds the event filters a workflow reacts to. A nil filter means
// the event kind does not trigger the workflow at all.
type Triggers struct {
	Push        *BranchFilter `yaml:"push"`
	PullRequest *BranchFilter `yaml:"pull_request"`
}

type BranchFilter struct {
	Branches []string `yaml:"branches"`
}

// Concurrency serializes runs that share a group key. With CancelInProgress
// set, dispatching a new run preempts the in-flight run for the same key.
type Concurrency struct {
	Group            string `yaml:"group"`
	CancelInProgress bool   `yaml:"cancel-in-progress"`
}

type Job struct {
	Name     string    `yaml:"name" validate:"required"`
	RunsOn   string    `yaml:"runs-on" validate:"required"`
	Strategy *Strategy `yaml:"strategy"`
	Env      Variable  `yaml:"env"`
	Steps    []Step    `yaml:"steps" validate:"required,dive"`
}

// Strategy controls matrix fan-out. FailFast defaults to false: one entry
// failing never cancels its siblings.
type Strategy struct {
	FailFast bool   `yaml:"fail-fast"`
	Matrix   Matrix `yaml:"matrix"`
}

type Matrix struct {
	Include []MatrixEntry `yaml:"include" validate:"dive"`
}

// MatrixEntry is one concrete parameter combination, executed as an
// independent job instance.
type MatrixEntry struct {
	OS       string  `yaml:"os" validate:"required"`
	Python   string  `yaml:"python"`
	RunMode  RunMode `yaml:"run_mode" validate:"omitempty,oneof=slow fast"`
	PipFlags string  `yaml:"pip-flags"`
}

// RunMode selects whether the long-running tests are included. Slow tests
// are opt-in, the zero value means fast.
type RunMode string

const (
	RunModeSlow RunMode = "slow"
	RunModeFast RunMode = "fast"
)

// Context returns the entry's fields as an expression lookup context.
func (m MatrixEntry) Context() map[string]string {
	mode := m.RunMode
	if mode == "" {
		mode = RunModeFast
	}
	return map[string]string{
		"os":        m.OS,
		"python":    m.Python,
		"run_mode":  string(mode),
		"pip-flags": m.PipFlags,
	}
}

// Step is either an action reference (Uses) or an inline command block
// (Run). Exactly one of the two must be set.
type Step struct {
	Name string   `yaml:"name"`
	Uses string   `yaml:"uses"`
	Run  string   `yaml:"run"`
	With Variable `yaml:"with"`
	Env  Variable `yaml:"env"`
}

func (s Step) Validate() error {
	if (s.Uses == "") == (s.Run == "") {
		return fmt.Errorf("step %q must set exactly one of uses or run", s.Name)
	}
	return nil
}

// Expand returns the matrix entries a job fans out to. A job without a
// matrix yields a single synthetic entry derived from runs-on so downstream
// rendering still has an os to work with.
func (j Job) Expand() []MatrixEntry {
	if j.Strategy == nil || len(j.Strategy.Matrix.Include) == 0 {
		return []MatrixEntry{{OS: j.RunsOn}}
	}
	entries := make([]MatrixEntry, len(j.Strategy.Matrix.Include))
	copy(entries, j.Strategy.Matrix.Include)
	return entries
}
