// Package runner executes compiled job plans inside Docker containers.
package runner

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/eroell/pertci/pkg/artifacts"
	"github.com/eroell/pertci/pkg/cache"
	"github.com/eroell/pertci/pkg/codecov"
	"github.com/eroell/pertci/pkg/models"
	"github.com/eroell/pertci/pkg/plan"
	"github.com/eroell/pertci/pkg/utils"
	"github.com/google/uuid"
	"github.com/gosimple/slug"
)

const (
	BUILD_DIR   = ".pertci"
	WORKING_DIR = "/app"
	// Cache paths of the form ~/... resolve against the container root
	// user's home, every job image runs as root.
	CONTAINER_HOME = "/root"
)

// CoverageUploader pushes a coverage report to the external service.
type CoverageUploader interface {
	Upload(ctx context.Context, r codecov.Report) error
}

type DockerRunnerOptions struct {
	ShowImagePull     bool
	Stdout            io.Writer
	Stderr            io.Writer
	MountDockerSocket bool
}

type DockerRunner struct {
	name             string
	plan             *plan.JobPlan
	env              []string
	workingDirectory string
	artifactManager  artifacts.ArtifactManager
	cache            *cache.DiskCache
	uploader         CoverageUploader
	containerID      string
	options          DockerRunnerOptions
}

func NewDockerRunner(name string, artifactManager artifacts.ArtifactManager, options DockerRunnerOptions) *DockerRunner {
	wd, err := os.Getwd()
	if err != nil {
		log.Fatal(err)
	}

	if options.Stdout == nil {
		options.Stdout = os.Stdout
	}
	if options.Stderr == nil {
		options.Stderr = os.Stderr
	}

	return &DockerRunner{
		name:             slug.Make(name + uuid.NewString()),
		workingDirectory: wd,
		artifactManager:  artifactManager,
		options:          options,
	}
}

func (d *DockerRunner) WithPlan(p *plan.JobPlan) *DockerRunner {
	d.plan = p
	d.env = flattenEnv(p.Env)
	return d
}

// WithEnv appends extra environment variables on top of the plan's job env.
func (d *DockerRunner) WithEnv(env models.Variable) *DockerRunner {
	d.env = append(d.env, flattenEnv(env)...)
	return d
}

func (d *DockerRunner) WithCache(c *cache.DiskCache) *DockerRunner {
	d.cache = c
	return d
}

func (d *DockerRunner) WithUploader(u CoverageUploader) *DockerRunner {
	d.uploader = u
	return d
}

// Run executes the plan: restore cache, mount source, run the step script,
// then save the cache, publish artifacts and upload coverage. Cancelling the
// context preempts the container immediately.
func (d *DockerRunner) Run(ctx context.Context) error {
	if d.plan == nil {
		return fmt.Errorf("runner %s has no plan", d.name)
	}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return fmt.Errorf("unable to create docker client to create container %s: %v", d.name, err)
	}
	defer cli.Close()

	reader, err := cli.ImagePull(ctx, d.plan.Image, types.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("unable to pull image to create container %s: %v", d.name, err)
	}
	defer reader.Close()
	pullOut := io.Discard
	if d.options.ShowImagePull {
		pullOut = d.options.Stdout
	}
	if _, err := io.Copy(pullOut, reader); err != nil {
		return fmt.Errorf("unable to read image pull logs for %s: %v", d.name, err)
	}

	mounts, restoredKey, err := d.prepareMounts()
	if err != nil {
		return err
	}

	resp, err := cli.ContainerCreate(ctx, &container.Config{
		Image:      d.plan.Image,
		Env:        d.env,
		Cmd:        []string{"/bin/sh", "-c", d.plan.Script()},
		WorkingDir: WORKING_DIR,
	}, &container.HostConfig{
		Mounts: mounts,
	}, nil, nil, d.name)
	if err != nil {
		return fmt.Errorf("unable to create container %s: %v", d.name, err)
	}
	d.containerID = resp.ID
	defer cli.ContainerRemove(context.Background(), resp.ID, types.ContainerRemoveOptions{Force: true})

	if err := d.artifactManager.RetrieveArtifact(d.containerID, nil); err != nil {
		return fmt.Errorf("unable to retrieve artifacts for %s: %v", d.name, err)
	}

	if err := cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		return fmt.Errorf("unable to start container %s: %v", d.name, err)
	}

	logs, err := cli.ContainerLogs(ctx, resp.ID, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return fmt.Errorf("unable to attach logs for %s: %v", d.name, err)
	}
	defer logs.Close()

	if _, err := io.Copy(d.options.Stdout, logs); err != nil && ctx.Err() == nil {
		return fmt.Errorf("unable to read container logs from %s: %v", d.name, err)
	}

	statusCh, errCh := cli.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return fmt.Errorf("error waiting for container %s to stop: %v", d.name, err)
	case status := <-statusCh:
		if status.StatusCode != 0 {
			return fmt.Errorf("job %s failed with exit code %d", d.plan.Job, status.StatusCode)
		}
	case <-ctx.Done():
		return fmt.Errorf("run cancelled, stopping container %s: %w", d.name, ctx.Err())
	}

	if err := d.saveCache(restoredKey); err != nil {
		return err
	}
	if err := d.publishArtifacts(); err != nil {
		return fmt.Errorf("unable to publish artifacts for %s: %v", d.name, err)
	}
	return d.uploadCoverage(ctx, cli)
}

// prepareMounts copies the source tree into a scratch dir, restores the
// dependency cache and returns the bind mounts plus the cache key that hit.
func (d *DockerRunner) prepareMounts() ([]mount.Mount, string, error) {
	mounts := make([]mount.Mount, 0, 3)

	if d.plan.Src != "" {
		srcDir := filepath.Join(d.workingDirectory, BUILD_DIR, fmt.Sprintf("src-%s", d.name))
		if err := utils.TarCopy(d.plan.Src, srcDir, ""); err != nil {
			return nil, "", fmt.Errorf("unable to create source directories for %s: %v", d.name, err)
		}
		mounts = append(mounts, mount.Mount{
			Type:   mount.TypeBind,
			Source: srcDir,
			Target: WORKING_DIR,
		})
	}

	var restoredKey string
	if d.cache != nil && d.plan.Cache != nil {
		cacheDir := filepath.Join(d.workingDirectory, BUILD_DIR, fmt.Sprintf("cache-%s", d.name))
		if err := os.MkdirAll(cacheDir, 0755); err != nil {
			return nil, "", fmt.Errorf("unable to create cache directory for %s: %v", d.name, err)
		}

		key, err := d.cache.Restore(d.plan.Cache.Key, d.plan.Cache.RestoreKeys, cacheDir)
		if err != nil && err != cache.ErrMiss {
			return nil, "", fmt.Errorf("unable to restore cache for %s: %v", d.name, err)
		}
		restoredKey = key

		mounts = append(mounts, mount.Mount{
			Type:   mount.TypeBind,
			Source: cacheDir,
			Target: containerPath(d.plan.Cache.Path),
		})
	}

	if d.options.MountDockerSocket {
		mounts = append(mounts, mount.Mount{
			Type:   mount.TypeBind,
			Source: "/var/run/docker.sock",
			Target: "/var/run/docker.sock",
		})
	}
	return mounts, restoredKey, nil
}

// saveCache snapshots the bind-mounted cache dir after a successful job.
// An exact-key hit skips the save, the entry would be identical.
func (d *DockerRunner) saveCache(restoredKey string) error {
	if d.cache == nil || d.plan.Cache == nil || restoredKey == d.plan.Cache.Key {
		return nil
	}
	cacheDir := filepath.Join(d.workingDirectory, BUILD_DIR, fmt.Sprintf("cache-%s", d.name))
	if err := d.cache.Save(d.plan.Cache.Key, cacheDir); err != nil {
		return fmt.Errorf("unable to save cache for %s: %v", d.name, err)
	}
	return nil
}

func (d *DockerRunner) publishArtifacts() error {
	for _, v := range d.plan.Artifacts {
		if _, err := d.artifactManager.PublishArtifact(d.containerID, filepath.Join(WORKING_DIR, v)); err != nil {
			return err
		}
	}
	return nil
}

// uploadCoverage pulls the coverage file out of the finished container and
// pushes it to the coverage service. The upload failing fails the job even
// though every test passed, unless the plan opted out of that.
func (d *DockerRunner) uploadCoverage(ctx context.Context, cli *client.Client) error {
	if d.plan.Upload == nil {
		return nil
	}
	if d.uploader == nil {
		return fmt.Errorf("job %s declares a coverage upload but no uploader is configured", d.plan.Job)
	}

	err := func() error {
		r, _, err := cli.CopyFromContainer(ctx, d.containerID, filepath.Join(WORKING_DIR, d.plan.Upload.File))
		if err != nil {
			return fmt.Errorf("unable to copy coverage file %s from container %s: %v", d.plan.Upload.File, d.name, err)
		}
		defer r.Close()

		body, err := fileFromTar(r, filepath.Base(d.plan.Upload.File))
		if err != nil {
			return fmt.Errorf("unable to extract coverage file for %s: %v", d.name, err)
		}

		return d.uploader.Upload(ctx, codecov.Report{
			Token:    d.plan.Upload.Token,
			Workflow: d.plan.Workflow,
			Job:      d.plan.InstanceName(),
			Ref:      d.plan.Ref,
			Body:     body,
		})
	}()
	return d.finishUpload(err)
}

// finishUpload applies the fail_ci_if_error contract to an upload result: a
// failed upload fails the job, regardless of the test outcome, unless the
// workflow opted out.
func (d *DockerRunner) finishUpload(err error) error {
	if err != nil && !d.plan.Upload.FailOnError {
		fmt.Fprintf(d.options.Stderr, "coverage upload failed for %s, continuing: %v\n", d.plan.Job, err)
		return nil
	}
	return err
}

// fileFromTar returns a reader over the named file inside a tar stream, as
// produced by CopyFromContainer.
func fileFromTar(r io.Reader, name string) (io.Reader, error) {
	tr := tar.NewReader(r)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil, fmt.Errorf("%s not found in tar stream", name)
		} else if err != nil {
			return nil, err
		}
		if header.Typeflag == tar.TypeReg && filepath.Base(header.Name) == name {
			return tr, nil
		}
	}
}

func containerPath(p string) string {
	if strings.HasPrefix(p, "~/") {
		return filepath.Join(CONTAINER_HOME, strings.TrimPrefix(p, "~/"))
	}
	return p
}

func flattenEnv(env models.Variable) []string {
	variables := make([]string, 0, len(env))
	for k, v := range env {
		variables = append(variables, fmt.Sprintf("%s=%s", k, v))
	}
	return variables
}
