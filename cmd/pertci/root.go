package pertci

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/eroell/pertci/pkg/artifacts"
	"github.com/eroell/pertci/pkg/cache"
	"github.com/eroell/pertci/pkg/codecov"
	"github.com/eroell/pertci/pkg/models"
	"github.com/eroell/pertci/pkg/runner"
	"github.com/eroell/pertci/pkg/scheduler"
	"github.com/eroell/pertci/pkg/store"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	workflowsDir         string
	eventName            string
	branch               string
	cacheDir             string
	codecovURL           string
	envVars              []string
	secretVars           []string
	mountDockerSocket    bool
	showImagePull        bool
	environmentVariables models.Variable     = make(models.Variable)
	secrets              map[string]string   = make(map[string]string)
	validate             *validator.Validate = validator.New(validator.WithRequiredStructEnabled())
)

var rootCmd = &cobra.Command{
	Use:   "pertci",
	Short: "Pertci is a minimal CI for the pertpy workflows",
	Long: `Pertci runs the workflows defined in a directory ( default workflows/ )
inside docker containers. A trigger event is simulated with --event and --branch;
every workflow whose filters match the event is dispatched. Matrix entries run
concurrently and a failing entry never cancels its siblings.`,

	Run: func(cmd *cobra.Command, args []string) {
		for _, v := range envVars {
			k, val, ok := strings.Cut(v, "=")
			if !ok {
				log.Fatalf("variables should be defined as KEY=VALUE: %s", v)
			}
			environmentVariables[k] = val
		}
		for _, v := range secretVars {
			k, val, ok := strings.Cut(v, "=")
			if !ok {
				log.Fatalf("secrets should be defined as KEY=VALUE: %s", v)
			}
			secrets[k] = val
		}

		run()
	},
}

func init() {
	rootCmd.Flags().StringVarP(&workflowsDir, "workflows", "w", "workflows", "Directory containing the workflow files.")
	rootCmd.Flags().StringVar(&eventName, "event", "push", "Trigger event kind. push or pull_request")
	rootCmd.Flags().StringVarP(&branch, "branch", "b", "main", "Branch the event targets.")
	rootCmd.Flags().StringVar(&cacheDir, "cache-dir", ".cache", "Directory holding dependency cache entries.")
	rootCmd.Flags().StringVar(&codecovURL, "codecov-url", "", "Override the coverage upload endpoint.")
	rootCmd.Flags().BoolVarP(&mountDockerSocket, "mount-docker-socket", "m", false, "Mount the docker socket into job containers.")
	rootCmd.Flags().BoolVar(&showImagePull, "show-image-pull", false, "Stream image pull progress into the job log.")

	rootCmd.Flags().StringArrayVarP(&envVars, "environment-variable", "e", make([]string, 0), "Extra environment variables for every job. KEY=VALUE")
	rootCmd.Flags().StringArrayVarP(&secretVars, "secret", "s", make([]string, 0), "Secrets available to workflow expressions. KEY=VALUE")

	rootCmd.AddCommand(versionCmd)
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func run() {
	ev := models.Event{Kind: models.EventKind(eventName), Branch: branch}
	if err := ev.Validate(); err != nil {
		log.Fatal(err)
	}

	workflows := loadWorkflows(workflowsDir)
	if len(workflows) == 0 {
		log.Fatalf("no workflow files found in %s", workflowsDir)
	}

	st := store.NewMemStore()
	artifactManager, err := artifacts.NewDockerArtifactsManager(".artifacts", st)
	if err != nil {
		log.Fatal(err)
	}
	diskCache, err := cache.NewDiskCache(cacheDir)
	if err != nil {
		log.Fatal(err)
	}

	sched := scheduler.New(scheduler.Options{
		Runner: &runner.DockerExecutor{
			Artifacts:         artifactManager,
			Cache:             diskCache,
			Uploader:          codecov.NewClient(codecovURL, nil),
			Env:               environmentVariables,
			ShowImagePull:     showImagePull,
			MountDockerSocket: mountDockerSocket,
		},
		Store: st,
		Dir:   ".",
	})

	ctx := context.Background()
	runs := make([]*scheduler.Run, 0, len(workflows))
	for _, wf := range workflows {
		if !wf.On.Matches(ev) {
			log.Printf("skipping workflow %s: not triggered by %s on %s", wf.Name, ev.Kind, ev.Branch)
			continue
		}
		r, err := sched.Dispatch(ctx, wf, ev, secrets)
		if err != nil {
			log.Fatal(err)
		}
		runs = append(runs, r)
	}

	failed := false
	for _, r := range runs {
		if err := r.Wait(); err != nil {
			log.Printf("workflow %s: %v", r.Workflow, err)
			failed = true
		}
		log.Printf("workflow %s: %s", r.Workflow, r.Status())
	}
	if failed {
		os.Exit(1)
	}
}

func loadWorkflows(dir string) []models.Workflow {
	entries, err := os.ReadDir(dir)
	if err != nil {
		log.Fatal(err)
	}

	workflows := make([]models.Workflow, 0, len(entries))
	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if e.IsDir() || (ext != ".yml" && ext != ".yaml") {
			continue
		}

		contents, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			log.Fatal(err)
		}

		var wf models.Workflow
		if err := yaml.Unmarshal(contents, &wf); err != nil {
			log.Fatalf("unable to parse workflow %s: %v", e.Name(), err)
		}
		if err := validate.Struct(wf); err != nil {
			log.Fatalf("invalid workflow %s:\n%+v", e.Name(), err)
		}
		workflows = append(workflows, wf)
	}
	return workflows
}
