package orchestrator

import (
	"context"
	"log/slog"
	"sync"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/alienpimp/apexd/internal/engine"
	"github.com/alienpimp/apexd/internal/paths"
	"github.com/alienpimp/apexd/internal/store"
	"github.com/alienpimp/apexd/internal/template"
)

// Engines allowed per template kind, most specific first. The first entry
// is the default when a submission names no engine.
var kindEngines = map[store.Kind][]string{
	store.KindSetupScript:       {"native"},
	store.KindPackageRecipe:     {"native", "deb"},
	store.KindContainerRecipe:   {"container"},
	store.KindEnvironmentConfig: {"pyenv"},
}

// Tuning knobs for the orchestrator. Zero fields fall back to defaults.
type Options struct {
	Workers    int
	QueueSize  int
	Workspaces string                // Directory for per-build staged sources.
	Artifacts  string                // Directory for per-build artifacts.
	Metrics    prometheus.Registerer // Defaults to the global registerer.
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 2
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 32
	}
	if o.Workspaces == "" {
		o.Workspaces = paths.Workspaces()
	}
	if o.Artifacts == "" {
		o.Artifacts = paths.Artifacts()
	}
	if o.Metrics == nil {
		o.Metrics = prometheus.DefaultRegisterer
	}
	return o
}

// Drives builds from submission to a terminal status.
//
// Submissions are validated, persisted as pending builds, and pushed onto a
// bounded queue. A fixed pool of workers drains the queue: each worker
// claims a build with a pending-to-running compare-and-swap, stages the
// source, renders the template, and hands the script to the build's engine.
// Cancellation and worker pickup race through the store's status
// transitions, so exactly one side wins.
type Orchestrator struct {
	store   *store.Store
	engines *engine.Registry
	opts    Options
	metrics *metrics

	queue  chan string
	wg     sync.WaitGroup
	cancel context.CancelFunc

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// Creates an orchestrator. Start must be called before submissions are
// processed.
func New(st *store.Store, engines *engine.Registry, opts Options) *Orchestrator {
	opts = opts.withDefaults()
	return &Orchestrator{
		store:   st,
		engines: engines,
		opts:    opts,
		metrics: newMetrics(opts.Metrics),
		queue:   make(chan string, opts.QueueSize),
		running: make(map[string]context.CancelFunc),
	}
}

// Starts the worker pool and recovers state left over from a previous run.
//
// Builds found running are marked failed: they can only be leftovers from a
// daemon that died mid-build. Builds found pending are put back on the
// queue, oldest first.
func (o *Orchestrator) Start(ctx context.Context) error {
	ctx, o.cancel = context.WithCancel(ctx)

	interrupted, err := o.store.FailRunningBuilds(ctx, "interrupted by daemon restart")
	if err != nil {
		return errors.Wrap(err, "recovering interrupted builds")
	}
	for _, id := range interrupted {
		slog.Warn("marked interrupted build as failed", "build", id)
	}

	for i := 0; i < o.opts.Workers; i++ {
		o.wg.Add(1)
		go o.worker(ctx, i)
	}
	slog.Info("orchestrator started", "workers", o.opts.Workers, "queue_size", o.opts.QueueSize)

	return o.requeuePending(ctx)
}

// Puts pending builds from a previous run back on the queue, oldest first.
func (o *Orchestrator) requeuePending(ctx context.Context) error {
	pending, err := o.store.ListBuilds(ctx, store.BuildFilter{Status: store.StatusPending})
	if err != nil {
		return errors.Wrap(err, "listing pending builds")
	}

	for i := len(pending) - 1; i >= 0; i-- {
		b := pending[i]
		select {
		case o.queue <- b.ID:
			o.metrics.queueDepth.Inc()
			slog.Info("requeued pending build", "build", b.ID)
		default:
			// More pending rows than queue slots. The overflow stays
			// pending and unreachable; fail it rather than strand it.
			err := o.store.TransitionBuild(ctx, b.ID, store.StatusPending,
				store.StatusCanceled, "not requeued after restart: queue full")
			if err != nil {
				return err
			}
			slog.Warn("canceled pending build, queue full on restart", "build", b.ID)
		}
	}
	return nil
}

// Stops accepting queued work and waits for in-flight builds to finish
// recording their terminal status.
func (o *Orchestrator) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()
	slog.Info("orchestrator stopped")
}

// A build submission.
type SubmitRequest struct {
	PackageName     string            `json:"package_name"`
	PackageVersion  string            `json:"package_version"`
	TemplateName    string            `json:"template_name"`
	TemplateVersion int               `json:"template_version,omitempty"` // 0 means latest.
	Engine          string            `json:"engine,omitempty"`           // Empty picks the kind's default.
	Params          map[string]string `json:"params,omitempty"`
}

// Validates a submission and enqueues a pending build.
//
// The referenced package and template must exist, the engine must be
// registered and allowed for the template's kind, and the parameters must
// satisfy the template's schema. Validation renders the template once with
// throwaway directories so schema and syntax problems surface at submission
// time instead of inside a worker.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (store.Build, error) {
	pkg, err := o.store.GetPackage(ctx, req.PackageName, req.PackageVersion)
	if err != nil {
		return store.Build{}, err
	}
	tpl, err := o.store.GetTemplate(ctx, req.TemplateName, req.TemplateVersion)
	if err != nil {
		return store.Build{}, err
	}

	engineName, err := resolveEngine(tpl.Kind, req.Engine)
	if err != nil {
		return store.Build{}, err
	}
	if _, err := o.engines.Get(engineName); err != nil {
		return store.Build{}, err
	}

	if _, err := template.Render(tpl, pkg, req.Params, template.Dirs{}); err != nil {
		return store.Build{}, err
	}

	b, err := o.store.CreateBuild(ctx, store.Build{
		PackageName:     pkg.Name,
		PackageVersion:  pkg.Version,
		TemplateName:    tpl.Name,
		TemplateVersion: tpl.Version,
		Params:          req.Params,
		Engine:          engineName,
	})
	if err != nil {
		return store.Build{}, err
	}

	select {
	case o.queue <- b.ID:
		o.metrics.submitted.Inc()
		o.metrics.queueDepth.Inc()
	default:
		reason := "build queue full"
		if err := o.store.TransitionBuild(ctx, b.ID, store.StatusPending, store.StatusCanceled, reason); err != nil {
			return store.Build{}, err
		}
		return store.Build{}, errors.Wrapf(ErrQueueFull, "build %s canceled", b.ID)
	}

	slog.Info("build submitted",
		"build", b.ID,
		"package", pkg.Name+"-"+pkg.Version,
		"template", tpl.Name,
		"engine", engineName,
	)
	return b, nil
}

// Cancels a build.
//
// A pending build is moved straight to canceled and skipped when a worker
// later pops it. A running build has its context canceled; the worker
// records the terminal status. Returns [store.ErrInvalidTransition] when
// the build is already terminal.
func (o *Orchestrator) Cancel(ctx context.Context, id string) error {
	b, err := o.store.GetBuild(ctx, id)
	if err != nil {
		return err
	}

	switch b.Status {
	case store.StatusPending:
		err := o.store.TransitionBuild(ctx, id, store.StatusPending, store.StatusCanceled, "canceled by request")
		if err == nil {
			slog.Info("pending build canceled", "build", id)
			return nil
		}
		if !errors.Is(err, store.ErrInvalidTransition) {
			return err
		}
		// A worker claimed it between the read and the swap; fall
		// through to the running path.
		fallthrough

	case store.StatusRunning:
		o.mu.Lock()
		cancel, ok := o.running[id]
		o.mu.Unlock()
		if ok {
			cancel()
			slog.Info("running build canceled", "build", id)
			return nil
		}
		// Running in the store but not on any of our workers: a race
		// with worker teardown. Re-read and report the real status.
		b, err := o.store.GetBuild(ctx, id)
		if err != nil {
			return err
		}
		if b.Status == store.StatusRunning {
			return o.store.TransitionBuild(ctx, id, store.StatusRunning, store.StatusCanceled, "canceled by request")
		}
		return errors.Wrapf(store.ErrInvalidTransition, "build %s is %s", id, b.Status)

	default:
		return errors.Wrapf(store.ErrInvalidTransition, "build %s is %s", id, b.Status)
	}
}

// Picks the engine for a submission and checks it against the template
// kind's allow list.
func resolveEngine(kind store.Kind, requested string) (string, error) {
	allowed, ok := kindEngines[kind]
	if !ok {
		return "", errors.Wrapf(store.ErrUnknownKind, "%q", kind)
	}
	if requested == "" {
		return allowed[0], nil
	}
	for _, name := range allowed {
		if name == requested {
			return requested, nil
		}
	}
	return "", errors.Wrapf(ErrEngineMismatch, "engine %q cannot run %s templates", requested, kind)
}
