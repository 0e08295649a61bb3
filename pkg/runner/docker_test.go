package runner

// The tests in this file need a reachable docker daemon.

import (
	"bytes"
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/eroell/pertci/pkg/artifacts"
	"github.com/eroell/pertci/pkg/cache"
	"github.com/eroell/pertci/pkg/models"
	"github.com/eroell/pertci/pkg/plan"
	"github.com/eroell/pertci/pkg/store"
)

type Test struct {
	Name        string
	Manager     artifacts.ArtifactManager
	Plan        *plan.JobPlan
	Cache       *cache.DiskCache
	Output      io.Writer
	Ctx         context.Context
	Expectation func(*testing.T, *bytes.Buffer) bool
}

func teardown(tb testing.TB) {
	wd, err := os.Getwd()
	if err != nil {
		log.Println(err)
		return
	}
	os.RemoveAll(filepath.Join(wd, ".pertci"))
	os.RemoveAll(filepath.Join(wd, ".artifacts"))
}

func alpinePlan(job string, env models.Variable, commands ...string) *plan.JobPlan {
	return &plan.JobPlan{
		Workflow: "Integration",
		Job:      job,
		Image:    "docker.io/alpine",
		Env:      env,
		Steps:    []plan.Step{{Name: job, Commands: commands}},
	}
}

func TestRun(t *testing.T) {
	var b bytes.Buffer
	st := store.NewMemStore()
	manager, err := artifacts.NewDockerArtifactsManager(".artifacts", st)
	if err != nil {
		t.Fatal(err)
	}
	diskCache, err := cache.NewDiskCache(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	artifactPlan := alpinePlan("create-artifact", nil, "echo TESTING >> log.txt")
	artifactPlan.Artifacts = []string{"log.txt"}

	cacheWrite := alpinePlan("cache-write", nil, "echo CACHED > /cache/marker")
	cacheWrite.Cache = &plan.CacheSpec{Path: "/cache", Key: "Linux-integration-cache-1"}
	cacheRead := alpinePlan("cache-read", nil, "cat /cache/marker")
	cacheRead.Cache = &plan.CacheSpec{Path: "/cache", Key: "Linux-integration-cache-1"}

	tests := []Test{
		{
			Name:        "Test Image",
			Manager:     manager,
			Plan:        alpinePlan("image", nil, "cat /etc/os-release"),
			Output:      &b,
			Expectation: testImageOutput,
			Ctx:         ctx,
		},
		{
			Name:        "Test Variables",
			Manager:     manager,
			Plan:        alpinePlan("variables", models.Variable{"TESTING_VARIABLE": "TESTING"}, "echo $TESTING_VARIABLE"),
			Output:      &b,
			Expectation: testVariableOutput,
			Ctx:         ctx,
		},
		{
			Name:        "Test Create Artifact",
			Manager:     manager,
			Plan:        artifactPlan,
			Output:      &b,
			Expectation: testArtifactCreation,
			Ctx:         ctx,
		},
		{
			Name:        "Test Cache Write",
			Manager:     manager,
			Plan:        cacheWrite,
			Cache:       diskCache,
			Output:      &b,
			Expectation: func(t *testing.T, b *bytes.Buffer) bool { return true },
			Ctx:         ctx,
		},
		{
			Name:        "Test Cache Read",
			Manager:     manager,
			Plan:        cacheRead,
			Cache:       diskCache,
			Output:      &b,
			Expectation: testCacheOutput,
			Ctx:         ctx,
		},
	}

	for _, test := range tests {
		b.Truncate(0)
		err := NewDockerRunner(test.Name, test.Manager, DockerRunnerOptions{ShowImagePull: false, Stdout: test.Output, Stderr: os.Stderr}).
			WithPlan(test.Plan).
			WithCache(test.Cache).
			Run(test.Ctx)
		if err != nil {
			t.Errorf("Test - %s: %v", test.Name, err)
		}

		if !test.Expectation(t, &b) {
			t.Errorf("Test - %s: failed", test.Name)
		}
	}

	teardown(t)
}

func testImageOutput(t *testing.T, b *bytes.Buffer) bool {
	str := b.String()
	lines := strings.Split(str, "\n")

	if len(lines) < 1 {
		t.Error("output lines less than expected")
		return false
	}
	name := strings.Split(lines[0], "=")
	if len(name) != 2 {
		t.Error("name field not found")
		return false
	}

	return strings.Compare(strings.Trim(name[1], "\""), "Alpine Linux") == 0
}

func testVariableOutput(t *testing.T, b *bytes.Buffer) bool {
	str := b.String()
	str = regexp.MustCompile(`[^a-zA-Z0-9 ]+`).ReplaceAllString(str, "")
	return strings.Compare(strings.TrimSpace(str), "TESTING") == 0
}

func testCacheOutput(t *testing.T, b *bytes.Buffer) bool {
	str := regexp.MustCompile(`[^a-zA-Z0-9 ]+`).ReplaceAllString(b.String(), "")
	return strings.Compare(strings.TrimSpace(str), "CACHED") == 0
}

func testArtifactCreation(t *testing.T, b *bytes.Buffer) bool {
	wd, err := os.Getwd()
	if err != nil {
		t.Error(err)
		return false
	}

	files, err := os.ReadDir(filepath.Join(wd, ".artifacts"))
	if err != nil {
		t.Error(err)
		return false
	}
	return len(files) > 0
}
