package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/kingrea/simqueue/internal/config"
	"github.com/kingrea/simqueue/internal/deploy"
	"github.com/kingrea/simqueue/internal/execute"
	"github.com/kingrea/simqueue/internal/logbook"
	"github.com/kingrea/simqueue/internal/queue"
	"github.com/kingrea/simqueue/internal/render"
	"github.com/kingrea/simqueue/internal/store"
	"github.com/kingrea/simqueue/internal/tui"
	"github.com/kingrea/simqueue/internal/worker"
)

// env is what every command needs once flags are parsed.
type env struct {
	cfg *config.Config
	log *logbook.Logbook
}

func newFlagSet(name string) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet("simqueue "+name, flag.ExitOnError)
	project := fs.String("C", "", "project directory (defaults to cwd)")
	return fs, project
}

func open(project string, mirror io.Writer) env {
	dir := project
	if dir == "" {
		var err error
		dir, err = os.Getwd()
		if err != nil {
			die("determine working directory: %v", err)
		}
	}
	cfg, err := config.Load(dir)
	if err != nil {
		die("load config: %v", err)
	}
	opts := []logbook.Option{}
	if mirror != nil {
		opts = append(opts, logbook.WithMirror(mirror))
	}
	lb, err := logbook.New(cfg.LogPath(), opts...)
	if err != nil {
		die("open journal: %v", err)
	}
	return env{cfg: cfg, log: lb}
}

// fail reports err and picks the exit code. Environment problems point the
// operator at redeploying.
func fail(e env, err error) int {
	e.log.Error("%v", err)
	if errors.Is(err, queue.ErrEnvironment) || errors.Is(err, store.ErrMissingDir) || errors.Is(err, execute.ErrBinaryMissing) {
		fmt.Fprintln(os.Stderr, "the project environment is broken; run `simqueue deploy --reset` (or `simqueue init`) and retry")
	}
	return 1
}

func runInit(_ context.Context, args []string) int {
	fs, project := newFlagSet("init")
	_ = fs.Parse(args)
	dir := *project
	if dir == "" {
		dir = "."
	}
	cfg, err := config.InitProject(dir)
	if err != nil {
		die("init: %v", err)
	}
	fmt.Printf("Initialized queue project in %s\n", cfg.ProjectDir)
	return 0
}

func runWorker(ctx context.Context, args []string) int {
	fs, project := newFlagSet("worker")
	workers := fs.Int("workers", 1, "number of workers to run in this process")
	verbose := fs.Bool("v", false, "run the simulation binary in verbose mode")
	renderImages := fs.Bool("render", false, "render surface images after each job")
	_ = fs.Parse(args)

	e := open(*project, os.Stdout)
	verboseSet, renderSet := flagWasSet(fs, "v"), flagWasSet(fs, "render")
	spawn := func(i int) *worker.Worker {
		lb := e.log
		if i > 0 {
			var err error
			lb, err = logbook.New(e.cfg.LogPath(), logbook.WithMirror(os.Stdout))
			if err != nil {
				die("open journal: %v", err)
			}
		}
		opts := []worker.Option{
			worker.WithLogbook(lb),
			worker.WithExecutor(execute.New(e.cfg, execute.WithLogbook(lb), execute.WithOutput(os.Stdout, os.Stderr))),
			worker.WithRenderer(render.New(e.cfg, render.WithLogbook(lb), render.WithLock(lockFor(e.cfg, lb)))),
		}
		if verboseSet {
			opts = append(opts, worker.WithVerbose(*verbose))
		}
		if renderSet {
			opts = append(opts, worker.WithRender(*renderImages))
		}
		return worker.New(e.cfg, opts...)
	}

	summaries, err := worker.RunPool(ctx, *workers, spawn)
	jobs, failed := 0, 0
	for _, s := range summaries {
		jobs += len(s.Jobs)
		failed += s.Failed()
	}
	e.log.Info("worker pool done: %d job(s), %d left in processing", jobs, failed)
	if err != nil {
		return fail(e, err)
	}
	return 0
}

func runSingle(ctx context.Context, args []string) int {
	fs, project := newFlagSet("run")
	verbose := fs.Bool("v", false, "run the simulation binary in verbose mode")
	renderImages := fs.Bool("render", false, "render surface images after the run")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		die("usage: simqueue run [-C dir] [-v] [--render] <descriptor>")
	}

	e := open(*project, os.Stdout)
	w := worker.New(e.cfg,
		worker.WithLogbook(e.log),
		worker.WithVerbose(*verbose || e.cfg.Project.Worker.Verbose),
		worker.WithRender(*renderImages || e.cfg.Project.Worker.RenderImages),
		worker.WithExecutor(execute.New(e.cfg, execute.WithLogbook(e.log), execute.WithOutput(os.Stdout, os.Stderr))),
		worker.WithRenderer(render.New(e.cfg, render.WithLogbook(e.log), render.WithLock(lockFor(e.cfg, e.log)))),
	)
	result, err := w.Execute(ctx, fs.Arg(0))
	if err != nil {
		return fail(e, err)
	}
	if result.FinalizeErr != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", result.FinalizeErr)
	}
	return result.ExitCode
}

func runHouseclean(_ context.Context, args []string) int {
	fs, project := newFlagSet("houseclean")
	_ = fs.Parse(args)
	e := open(*project, os.Stdout)
	q := queue.New(store.New(e.cfg), queue.WithLogbook(e.log))
	report, err := q.Houseclean(e.cfg.LockPath())
	if err != nil {
		return fail(e, err)
	}
	fmt.Printf("Requeued %d job(s), discarded %d processing entr(ies)\n", len(report.Requeued), len(report.Discarded))
	return 0
}

func runStatus(_ context.Context, args []string) int {
	fs, project := newFlagSet("status")
	width := fs.Int("width", 80, "board width")
	_ = fs.Parse(args)
	e := open(*project, nil)
	board, err := tui.LoadBoard(store.New(e.cfg), e.log)
	if err != nil {
		return fail(e, err)
	}
	fmt.Println(tui.RenderStatus(board, *width))
	return 0
}

func runWatch(_ context.Context, args []string) int {
	fs, project := newFlagSet("watch")
	_ = fs.Parse(args)
	e := open(*project, nil)
	if err := tui.RunWatch(store.New(e.cfg), e.log); err != nil {
		die("watch: %v", err)
	}
	return 0
}

func runNew(_ context.Context, args []string) int {
	fs, project := newFlagSet("new")
	template := fs.String("template", "", "reference descriptor listing every valid key (default <static>/template.simfile)")
	valuesFile := fs.String("values", "", "YAML file of key: value assignments")
	force := fs.Bool("force", false, "replace a pending descriptor of the same name")
	sets := keyValueFlag{}
	fs.Var(&sets, "set", "assignment (key=value, repeatable)")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		die("usage: simqueue new [-C dir] [--template file] [--values file.yaml] [--set key=value ...] <name>")
	}
	name := strings.TrimSuffix(fs.Arg(0), config.DescriptorExt)

	e := open(*project, os.Stdout)
	tmpl := *template
	if tmpl == "" {
		tmpl = filepath.Join(e.cfg.StaticDir(), "template"+config.DescriptorExt)
	}
	desc, err := buildDescriptor(tmpl, *valuesFile, sets)
	if err != nil {
		die("new: %v", err)
	}
	st := store.New(e.cfg)
	state, err := st.Locate(name)
	if err != nil {
		die("new: %v", err)
	}
	if state != store.StateAbsent && !(state == store.StatePending && *force) {
		die("new: %s already exists (%s)", name, state)
	}
	path := st.DescriptorPath(store.StatePending, name)
	if err := desc.WriteFile(path); err != nil {
		die("new: %v", err)
	}
	e.log.Info("queued %s", path)
	return 0
}

func runImage(ctx context.Context, args []string) int {
	fs, project := newFlagSet("image")
	overwrite := fs.Bool("overwrite", false, "re-render images that already exist")
	_ = fs.Parse(args)
	e := open(*project, os.Stdout)
	r := render.New(e.cfg, render.WithLogbook(e.log), render.WithLock(lockFor(e.cfg, e.log)))

	var (
		images []string
		err    error
	)
	if fs.NArg() > 0 {
		images, err = r.Batch(ctx, fs.Arg(0), *overwrite)
	} else {
		images, err = r.Finished(ctx, *overwrite)
	}
	fmt.Printf("Rendered %d image(s)\n", len(images))
	if err != nil {
		return fail(e, err)
	}
	return 0
}

func runView(ctx context.Context, args []string) int {
	fs, project := newFlagSet("view")
	_ = fs.Parse(args)
	if fs.NArg() != 2 {
		die("usage: simqueue view [-C dir] <job> <iteration>")
	}
	e := open(*project, os.Stdout)
	r := render.New(e.cfg, render.WithLogbook(e.log), render.WithLock(lockFor(e.cfg, e.log)))
	surf, err := r.Surface(filepath.Join(e.cfg.FinishedDir(), fs.Arg(0)), fs.Arg(1))
	if err != nil {
		return fail(e, err)
	}
	if err := r.View(ctx, surf); err != nil {
		return fail(e, err)
	}
	return 0
}

func runDeploy(_ context.Context, args []string) int {
	fs, project := newFlagSet("deploy")
	reset := fs.Bool("reset", false, "discard the local toolchain before copying")
	_ = fs.Parse(args)
	e := open(*project, os.Stdout)
	fmt.Print("Downloading a fresh version of the program . . ")
	run := deploy.Fresh
	if *reset {
		run = deploy.Reset
	}
	report, err := run(e.cfg)
	if err != nil {
		fmt.Println()
		return fail(e, err)
	}
	fmt.Println("done")
	e.log.Info("deployed %d binary file(s) and %d imager file(s) from %s", len(report.Bin), len(report.Imager), e.cfg.Repository())
	return 0
}

func flagWasSet(fs *flag.FlagSet, name string) bool {
	set := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}
