// Package plan compiles one matrix entry of a workflow job into an
// executable plan: a container image, an ordered shell script, and the
// cache, artifact and coverage-upload side channels.
package plan

import (
	"fmt"
	"sort"
	"strings"

	"github.com/eroell/pertci/pkg/expr"
	"github.com/eroell/pertci/pkg/models"
)

// JobPlan is everything the runner needs to execute one job instance.
type JobPlan struct {
	Workflow string
	Job      string
	Ref      string
	Entry    models.MatrixEntry
	RunnerOS string
	Image    string
	// Src is the host directory mounted as the working dir, empty when the
	// job has no checkout step.
	Src       string
	Env       models.Variable
	Steps     []Step
	Cache     *CacheSpec
	Upload    *UploadSpec
	Artifacts []string
}

// Step is a named group of shell commands with optional step-scoped env.
type Step struct {
	Name     string
	Env      models.Variable
	Commands []string
}

// CacheSpec describes the dependency cache: Path is the container directory
// to snapshot, Key the exact cache key and RestoreKeys the fallback
// prefixes tried on a miss.
type CacheSpec struct {
	Path        string
	Key         string
	RestoreKeys []string
}

// UploadSpec describes the coverage upload. The token lives here and only
// here, it is never placed in the container environment. With FailOnError
// an upload failure fails the job even when every test passed.
type UploadSpec struct {
	Token       string
	File        string
	FailOnError bool
}

// Compile renders job for one matrix entry under the given event and
// secrets. dir is the project root used to resolve hashFiles.
func Compile(wf models.Workflow, job models.Job, entry models.MatrixEntry, ev models.Event, secrets map[string]string, dir string) (*JobPlan, error) {
	ctx := expr.Context{
		Dir:     dir,
		Matrix:  entry.Context(),
		Secrets: secrets,
		Github: map[string]string{
			"workflow":   wf.Name,
			"ref":        ev.Ref(),
			"event_name": string(ev.Kind),
		},
		Runner: map[string]string{"os": RunnerOS(entry.OS)},
	}

	env, err := renderVariables(job.Env, ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to render env for job %s: %v", job.Name, err)
	}
	ctx.Env = env

	p := &JobPlan{
		Workflow: wf.Name,
		Job:      job.Name,
		Ref:      ev.Ref(),
		Entry:    entry,
		RunnerOS: ctx.Runner["os"],
		Image:    defaultImage(entry.OS),
		Env:      env,
	}

	for _, step := range job.Steps {
		if err := step.Validate(); err != nil {
			return nil, fmt.Errorf("invalid step in job %s: %v", job.Name, err)
		}
		if step.Uses != "" {
			if err := p.applyAction(step, ctx); err != nil {
				return nil, fmt.Errorf("unable to compile step %q in job %s: %v", step.Name, job.Name, err)
			}
			continue
		}

		run, err := expr.Render(step.Run, ctx)
		if err != nil {
			return nil, fmt.Errorf("unable to render step %q in job %s: %v", step.Name, job.Name, err)
		}
		stepEnv, err := renderVariables(step.Env, ctx)
		if err != nil {
			return nil, fmt.Errorf("unable to render env for step %q in job %s: %v", step.Name, job.Name, err)
		}
		p.Steps = append(p.Steps, Step{
			Name:     step.Name,
			Env:      stepEnv,
			Commands: commandLines(run),
		})
	}

	return p, nil
}

// applyAction translates a `uses` reference into its effect on the plan.
// Only the actions the shipped workflows reference are known.
func (p *JobPlan) applyAction(step models.Step, ctx expr.Context) error {
	with, err := renderVariables(step.With, ctx)
	if err != nil {
		return err
	}

	action, _, _ := strings.Cut(step.Uses, "@")
	switch action {
	case "actions/checkout":
		p.Src = "."
	case "actions/setup-python":
		version := with["python-version"]
		if version == "" {
			version = "3"
		}
		p.Image = "docker.io/library/python:" + version
	case "r-lib/actions/setup-r":
		p.Steps = append(p.Steps, Step{
			Name: step.Name,
			Commands: []string{
				"apt-get update -qq",
				"apt-get install -y --no-install-recommends r-base",
			},
		})
	case "actions/cache":
		if with["path"] == "" || with["key"] == "" {
			return fmt.Errorf("cache action needs path and key")
		}
		p.Cache = &CacheSpec{
			Path:        with["path"],
			Key:         with["key"],
			RestoreKeys: commandLines(with["restore-keys"]),
		}
	case "codecov/codecov-action":
		file := with["files"]
		if file == "" {
			file = "coverage.xml"
			p.Steps = append(p.Steps, Step{
				Name:     "Convert coverage",
				Commands: []string{"coverage xml"},
			})
		}
		p.Upload = &UploadSpec{
			Token:       with["token"],
			File:        file,
			FailOnError: with["fail_ci_if_error"] == "true",
		}
	case "actions/upload-artifact":
		if with["path"] == "" {
			return fmt.Errorf("upload-artifact action needs a path")
		}
		p.Artifacts = append(p.Artifacts, commandLines(with["path"])...)
	default:
		return fmt.Errorf("unknown action %q", step.Uses)
	}
	return nil
}

// Script joins the plan's steps into a single shell script. The leading
// set -e gives the fail-on-error contract: a failing step aborts every step
// after it. Step env is scoped with a subshell so it never leaks forward.
func (p *JobPlan) Script() string {
	lines := []string{"set -e"}
	for _, step := range p.Steps {
		if len(step.Env) > 0 {
			lines = append(lines, "(")
			for _, k := range sortedKeys(step.Env) {
				lines = append(lines, fmt.Sprintf("export %s=%s", k, shellQuote(step.Env[k])))
			}
			lines = append(lines, step.Commands...)
			lines = append(lines, ")")
			continue
		}
		lines = append(lines, step.Commands...)
	}
	return strings.Join(lines, "\n")
}

// InstanceName names one job instance uniquely within its workflow run,
// folding in the matrix parameters that distinguish sibling entries.
func (p *JobPlan) InstanceName() string {
	if p.Entry.Python == "" {
		return p.Job
	}
	name := fmt.Sprintf("%s-%s-py%s-%s", p.Job, p.Entry.OS, p.Entry.Python, p.Entry.Context()["run_mode"])
	if p.Entry.PipFlags != "" {
		name += "-" + strings.TrimLeft(p.Entry.PipFlags, "-")
	}
	return name
}

// ConcurrencyKey renders the workflow's concurrency group for an event.
// Workflows without an explicit group still serialize per workflow and ref.
func ConcurrencyKey(wf models.Workflow, ev models.Event) (string, error) {
	if wf.Concurrency.Group == "" {
		return wf.Name + "-" + ev.Ref(), nil
	}
	return expr.Render(wf.Concurrency.Group, expr.Context{
		Github: map[string]string{
			"workflow":   wf.Name,
			"ref":        ev.Ref(),
			"event_name": string(ev.Kind),
		},
	})
}

// RunnerOS maps a runs-on selector to the runner OS discriminator used in
// cache keys.
func RunnerOS(runsOn string) string {
	switch {
	case strings.HasPrefix(runsOn, "macos"):
		return "macOS"
	case strings.HasPrefix(runsOn, "windows"):
		return "Windows"
	default:
		return "Linux"
	}
}

// defaultImage picks the container image for jobs without a setup-python
// step. Every job runs in a Linux container regardless of the selector.
func defaultImage(runsOn string) string {
	if strings.HasPrefix(runsOn, "ubuntu-") && runsOn != "ubuntu-latest" {
		return "docker.io/library/ubuntu:" + strings.TrimPrefix(runsOn, "ubuntu-")
	}
	return "docker.io/library/ubuntu:24.04"
}

func renderVariables(v models.Variable, ctx expr.Context) (models.Variable, error) {
	if len(v) == 0 {
		return nil, nil
	}
	out := make(models.Variable, len(v))
	for k, raw := range v {
		rendered, err := expr.Render(raw, ctx)
		if err != nil {
			return nil, err
		}
		out[k] = rendered
	}
	return out, nil
}

func commandLines(block string) []string {
	lines := make([]string, 0)
	for _, line := range strings.Split(block, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

func sortedKeys(v models.Variable) []string {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
