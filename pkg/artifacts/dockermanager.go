// Package artifacts moves build outputs (wheels, sdists, coverage files)
// between job containers and a run-local artifacts directory.
package artifacts

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"
	"github.com/eroell/pertci/pkg/store"
)

type ArtifactManager interface {
	// PublishArtifact takes a container ID and a path inside the container,
	// copies the artifact into the artifacts directory and returns a key
	// that references it.
	PublishArtifact(containerID, path string) (key string, err error)

	// RetrieveArtifact copies artifacts back into a container at the paths
	// they were published from. A nil keys slice retrieves every published
	// artifact, so later jobs in a run see the outputs of earlier ones.
	RetrieveArtifact(containerID string, keys []string) error
}

type DockerArtifactsManager struct {
	cli           *client.Client
	artifactStore store.Store
	artifactsDir  string
}

// NewDockerArtifactsManager clears any artifacts from a previous run and
// prepares a fresh directory. Artifact origins are indexed in st.
func NewDockerArtifactsManager(artifactsDir string, st store.Store) (ArtifactManager, error) {
	if _, err := os.Stat(artifactsDir); err == nil {
		if err := os.RemoveAll(artifactsDir); err != nil {
			return nil, fmt.Errorf("could not remove %s directory: %v", artifactsDir, err)
		}
	}

	if err := os.MkdirAll(artifactsDir, 0755); err != nil {
		return nil, fmt.Errorf("could not create %s directory: %v", artifactsDir, err)
	}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("could not create docker client for artifacts: %v", err)
	}

	return &DockerArtifactsManager{
		cli:           cli,
		artifactStore: st,
		artifactsDir:  artifactsDir,
	}, nil
}

func (d *DockerArtifactsManager) PublishArtifact(containerID, path string) (string, error) {
	ctx := context.Background()
	r, _, err := d.cli.CopyFromContainer(ctx, containerID, path)
	if err != nil {
		return "", fmt.Errorf("could not copy artifact %s from container %s: %v", path, containerID, err)
	}
	defer r.Close()

	f, err := os.CreateTemp(d.artifactsDir, "artifacts-*.tar")
	if err != nil {
		return "", fmt.Errorf("could not create artifacts tar file: %v", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, r); err != nil {
		return "", fmt.Errorf("could not copy file contents from container %s to artifact tar: %v", containerID, err)
	}

	_, fname := filepath.Split(f.Name())
	return fname, d.artifactStore.Set(strings.TrimSpace(fname), filepath.Dir(path))
}

func (d *DockerArtifactsManager) RetrieveArtifact(containerID string, keys []string) error {
	ctx := context.Background()

	for _, v := range keys {
		if err := d.copyIntoContainer(ctx, containerID, filepath.Join(d.artifactsDir, filepath.Base(v))); err != nil {
			return err
		}
	}
	if keys != nil {
		return nil
	}

	return filepath.Walk(d.artifactsDir, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !strings.HasSuffix(path, ".tar") {
			return nil
		}
		return d.copyIntoContainer(ctx, containerID, path)
	})
}

func (d *DockerArtifactsManager) copyIntoContainer(ctx context.Context, containerID, path string) error {
	_, fname := filepath.Split(path)
	originalPath, err := d.artifactStore.Get(strings.TrimSpace(fname))
	if err != nil {
		return fmt.Errorf("could not find original path for artifact %s: %v", fname, err)
	}

	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("could not open artifact %s: %v", path, err)
	}
	defer f.Close()

	if err := d.cli.CopyToContainer(ctx, containerID, originalPath.(string), f, types.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("could not copy artifact %s to container %s: %v", path, containerID, err)
	}
	return nil
}
