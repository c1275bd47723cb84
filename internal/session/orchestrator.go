package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/tetratelabs/wazero"

	"github.com/szaher/zigsandbox/internal/events"
	"github.com/szaher/zigsandbox/internal/linebuf"
	"github.com/szaher/zigsandbox/internal/sandbox"
	"github.com/szaher/zigsandbox/internal/telemetry"
	"github.com/szaher/zigsandbox/internal/toolchain"
)

// Progress lines emitted before instantiation and before the run.
const (
	ProgressInstantiating = "Creating WebAssembly instance..."
	ProgressCompiling     = "Compiling..."
)

// Resolver yields the toolchain a session compiles with.
type Resolver interface {
	Resolve(ctx context.Context) (*toolchain.Toolchain, error)
}

// Instantiator creates sandboxed instances of a compiled module.
type Instantiator interface {
	Instantiate(ctx context.Context, module wazero.CompiledModule, cfg sandbox.Config) (sandbox.Instance, error)
}

// Recorder receives session metrics. *telemetry.Metrics implements it.
type Recorder interface {
	RecordBuild(outcome string, duration time.Duration)
	RecordDropped()
	RecordLine()
	SetActive(active bool)
}

type noopRecorder struct{}

func (noopRecorder) RecordBuild(string, time.Duration) {}
func (noopRecorder) RecordDropped()                    {}
func (noopRecorder) RecordLine()                       {}
func (noopRecorder) SetActive(bool)                    {}

// Orchestrator runs at most one build session at a time.
type Orchestrator struct {
	resolver     Resolver
	instantiator Instantiator
	state        State
	logger       *slog.Logger
	metrics      Recorder
	tracer       *telemetry.Tracer
	timeout      time.Duration
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m Recorder) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithTracer sets the tracer for per-stage spans.
func WithTracer(t *telemetry.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// WithTimeout bounds each session. Zero means no limit.
func WithTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.timeout = d }
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(resolver Resolver, instantiator Instantiator, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		resolver:     resolver,
		instantiator: instantiator,
		logger:       slog.Default(),
		metrics:      noopRecorder{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Busy reports whether a session is running.
func (o *Orchestrator) Busy() bool { return o.state.Active() }

// Submit compiles source and reports progress, compiler output and the
// result to emit, synchronously and in order. If a session is already
// running the request is dropped: Submit emits nothing and returns false.
func (o *Orchestrator) Submit(ctx context.Context, source string, emit events.Emitter) bool {
	run, ok := o.Reserve()
	if !ok {
		return false
	}
	run(ctx, source, emit)
	return true
}

// Reserve takes the run lock for one session without starting it. Callers
// that run sessions on other goroutines reserve in request order, so the
// earliest request wins the lock. When a session is active the request is
// dropped and ok is false. The returned run must be called exactly once; it
// releases the lock when the session ends.
func (o *Orchestrator) Reserve() (run func(ctx context.Context, source string, emit events.Emitter), ok bool) {
	release, ok := o.state.TryAcquire()
	if !ok {
		o.logger.Debug("session active, dropping run request")
		o.metrics.RecordDropped()
		return nil, false
	}
	return func(ctx context.Context, source string, emit events.Emitter) {
		defer release()
		o.execute(ctx, source, emit)
	}, true
}

func (o *Orchestrator) execute(ctx context.Context, source string, emit events.Emitter) {
	if emit == nil {
		emit = events.NoopEmitter{}
	}
	o.metrics.SetActive(true)
	defer o.metrics.SetActive(false)

	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	sess := newSession(source)
	logger := telemetry.SessionLogger(o.logger, ctx, sess.ID)
	ctx, span := o.tracer.StartSpan(ctx, "build", telemetry.SessionTags(sess.ID, len(source)))

	outcome := o.run(ctx, sess, emit, logger)

	elapsed := time.Since(sess.StartedAt)
	o.metrics.RecordBuild(outcome, elapsed)
	o.tracer.EndSpan(span, outcome)
	logger.Info("build finished", "outcome", outcome, "duration_ms", elapsed.Milliseconds())
}

func (o *Orchestrator) run(ctx context.Context, sess *Session, emit events.Emitter, logger *slog.Logger) string {
	say := func(line string) {
		o.metrics.RecordLine()
		emit.Emit(events.Line(sess.ID, linebuf.TrimTerminator(line)))
	}
	fail := func(stage string, err error) string {
		logger.Error(stage+" failed", "error", err)
		sess.Outcome = Outcome{Kind: Failed, Detail: err.Error()}
		emit.Emit(events.Error(sess.ID, err.Error()))
		return telemetry.OutcomeError
	}

	stageCtx, span := o.tracer.StartSpan(ctx, "resolve", telemetry.StageTags(sess.ID, "resolve"))
	tc, err := o.resolver.Resolve(stageCtx)
	if err != nil {
		o.tracer.EndSpan(span, "error")
		return fail("toolchain resolution", err)
	}
	o.tracer.EndSpan(span, "")

	sess.Layout = NewLayout(tc, sess.Source)

	say(ProgressInstantiating)
	stageCtx, span = o.tracer.StartSpan(ctx, "instantiate", telemetry.StageTags(sess.ID, "instantiate"))
	inst, err := o.instantiator.Instantiate(stageCtx, tc.Module, sandbox.Config{
		Args:   Args(),
		Env:    Env(),
		Stdin:  &sandbox.StdinGuard{Name: CompilerFile, Logger: logger},
		Stdout: linebuf.New(say),
		Stderr: linebuf.New(say),
		Mounts: sess.Layout.Mounts(),
	})
	if err != nil {
		o.tracer.EndSpan(span, "error")
		return fail("instantiation", err)
	}
	o.tracer.EndSpan(span, "")
	defer func() {
		if err := inst.Close(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("closing instance", "error", err)
		}
	}()

	say(ProgressCompiling)
	stageCtx, span = o.tracer.StartSpan(ctx, "run", telemetry.StageTags(sess.ID, "run"))
	term := inst.Run(stageCtx)
	for k, v := range telemetry.TerminationTags(term.Kind().String(), term.ExitCode) {
		span.Tags[k] = v
	}
	o.tracer.EndSpan(span, term.Kind().String())

	outcome := telemetry.OutcomeFailed
	sess.Outcome = Outcome{Kind: Failed, Detail: term.Detail}
	switch term.Kind() {
	case sandbox.NormalExitZero:
		if artifact, ok := sess.Layout.Artifact(); ok {
			sess.Outcome = Outcome{Kind: Succeeded, Artifact: artifact, Detail: term.Detail}
			emit.Emit(events.Result(sess.ID, artifact))
			outcome = telemetry.OutcomeSucceeded
		} else {
			logger.Warn("compiler exited cleanly without writing an artifact", "artifact", ArtifactFile)
		}
	case sandbox.AbnormalTermination:
		outcome = telemetry.OutcomeAborted
	}
	// The detail line follows the result on every path, success included.
	say(term.Detail)
	return outcome
}
