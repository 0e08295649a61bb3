package runner

import (
	"context"
	"io"

	"github.com/eroell/pertci/pkg/artifacts"
	"github.com/eroell/pertci/pkg/cache"
	"github.com/eroell/pertci/pkg/models"
	"github.com/eroell/pertci/pkg/plan"
)

// DockerExecutor runs job plans through DockerRunner, one fresh runner per
// job instance. It is the production implementation of the scheduler's
// JobRunner interface.
type DockerExecutor struct {
	Artifacts         artifacts.ArtifactManager
	Cache             *cache.DiskCache
	Uploader          CoverageUploader
	Env               models.Variable
	ShowImagePull     bool
	MountDockerSocket bool
}

func (e *DockerExecutor) Run(ctx context.Context, p *plan.JobPlan, stdout, stderr io.Writer) error {
	return NewDockerRunner(p.InstanceName(), e.Artifacts, DockerRunnerOptions{
		ShowImagePull:     e.ShowImagePull,
		Stdout:            stdout,
		Stderr:            stderr,
		MountDockerSocket: e.MountDockerSocket,
	}).
		WithPlan(p).
		WithEnv(e.Env).
		WithCache(e.Cache).
		WithUploader(e.Uploader).
		Run(ctx)
}
