// Package suite implements Suite from spec.md §4.7: the parallel
// dispatcher that turns a set of parsed features into a SuiteResult,
// owning the suite-wide callSingle cache, scenario lock manager, and
// listener fan-out every feature.Runtime it builds shares.
//
// Grounded on the teacher's worker-pool dispatch shape, rebuilt on
// golang.org/x/sync/errgroup per SPEC_FULL.md §5's ADD: SetLimit(N) gives
// the fixed worker count, and WithContext gives abortSuiteOnFailure's
// context-cancellation propagation for free.
package suite

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	pkgerrors "github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/relaytest/karate-go/internal/callcache"
	"github.com/relaytest/karate-go/internal/engine"
	"github.com/relaytest/karate-go/internal/feature"
	"github.com/relaytest/karate-go/internal/gherkin"
	"github.com/relaytest/karate-go/internal/listener"
	"github.com/relaytest/karate-go/internal/perf"
	"github.com/relaytest/karate-go/internal/result"
	"github.com/relaytest/karate-go/internal/runtimeconfig"
	"github.com/relaytest/karate-go/internal/scenariolock"
	"github.com/relaytest/karate-go/pkg/logger"
)

// Options configures one Suite run.
type Options struct {
	Features    []*gherkin.Feature
	TagSelector string
	Workers     int

	AbortSuiteOnFailure bool

	EngineFactory engine.Factory
	BaseConfig    *runtimeconfig.RuntimeConfig
	Env           string
	Properties    map[string]string

	PerfHook   perf.Hook
	Listeners  *listener.Bus
	SuiteCache *callcache.Single
	Loader     feature.Loader

	// StatusAddr, when non-empty, starts the live-status HTTP server
	// (SPEC_FULL.md §4.7.1) on this address for the run's duration.
	StatusAddr string

	Logger *slog.Logger
}

// Suite dispatches every Options.Features entry to a worker pool, one
// feature.Runtime per feature, and aggregates the results.
type Suite struct {
	opts    Options
	lockMgr *scenariolock.Manager
	logger  *slog.Logger
}

// New builds a Suite. A fresh ScenarioLockManager is created internally
// so @lock coordination is shared suite-wide, matching spec.md §4.2.
func New(opts Options) *Suite {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.Listeners == nil {
		opts.Listeners = listener.New()
	}
	if opts.Loader == nil {
		opts.Loader = feature.DiskLoader{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Suite{opts: opts, lockMgr: scenariolock.New(), logger: logger}
}

// errAbort is the sentinel a feature's errgroup.Go func returns to
// cancel the group's context when AbortSuiteOnFailure is set and that
// feature failed; it never surfaces to a caller, since suite-level
// failure is reported through SuiteResult, not a Go error.
var errAbort = fmt.Errorf("suite: aborted after a failing feature")

// Run dispatches every feature, waits for completion (or cancellation,
// if AbortSuiteOnFailure triggers it), and returns the aggregated
// SuiteResult. The returned error is non-nil only for setup failures
// (e.g. the status server failing to bind); scenario/feature failures
// are reflected in the SuiteResult, not this error.
func (s *Suite) Run(ctx context.Context) (*result.SuiteResult, error) {
	sr := result.NewSuiteResult(uuid.NewString(), time.Now())
	s.opts.Listeners.NotifySuiteStart(sr)

	stopStatus, err := s.startStatusServer(sr)
	if err != nil {
		return sr, fmt.Errorf("suite: starting status server: %w", err)
	}
	defer stopStatus()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Workers)

	for _, feat := range s.opts.Features {
		feat := feat
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			fr := s.runFeature(gctx, feat)
			sr.AddFeature(fr)
			s.opts.Listeners.NotifyFeatureEnd(fr)
			if !fr.Passed() && s.opts.AbortSuiteOnFailure {
				return errAbort
			}
			return nil
		})
	}

	_ = g.Wait() // errAbort is only a cancellation signal, not a Run() failure

	sr.End(time.Now())
	s.opts.Listeners.NotifySuiteEnd(sr)
	s.opts.Listeners.Join()

	return sr, nil
}

// runFeature builds a feature.Runtime for feat and runs it to
// completion, recovering a panic into a synthetic failed FeatureResult
// (SPEC_FULL.md §7 ADD: Fatal wraps the recovered value with
// pkg/errors.Wrap so the stack trace survives into the result) rather
// than letting one feature's panic take down the whole suite.
func (s *Suite) runFeature(ctx context.Context, feat *gherkin.Feature) (fr *result.FeatureResult) {
	defer func() {
		if rec := recover(); rec != nil {
			err := pkgerrors.Wrap(fmt.Errorf("%v", rec), "panic in feature runner")
			s.logger.Error("feature runner panicked", "feature", feat.Resource, "error", err)
			fr = result.NewFeatureResult(feat.Resource, feat.Name)
			sres := result.NewScenarioResult(feat.Name, feat.Resource, "(panic)", 0, -1, "")
			sres.AddStep(result.NewStepResult(
				result.StepText{Keyword: "*", Text: "feature runner"},
				result.FAILED, time.Now(), 0, err,
			))
			sres.End()
			fr.AddScenario(sres)
		}
	}()

	rt, err := feature.New(feature.Options{
		Feature:       feat,
		TagSelector:   s.opts.TagSelector,
		EngineFactory: s.opts.EngineFactory,
		BaseConfig:    s.opts.BaseConfig,
		Env:           s.opts.Env,
		Properties:    s.opts.Properties,
		LockManager:   s.lockMgr,
		Listeners:     s.opts.Listeners,
		PerfHook:      s.opts.PerfHook,
		SuiteCache:    s.opts.SuiteCache,
		Loader:        s.opts.Loader,
		ThreadName:    feat.Resource,
	})
	if err != nil {
		s.logger.Error("building feature runtime", "feature", feat.Resource, "error", err)
		empty := result.NewFeatureResult(feat.Resource, feat.Name)
		return empty
	}

	fr, runErr := rt.RunAll(ctx)
	if runErr != nil {
		s.logger.Error("running feature", "feature", feat.Resource, "error", runErr)
	}
	return fr
}

// startStatusServer starts the optional live-status HTTP server
// (SPEC_FULL.md §4.7.1) when StatusAddr is non-empty: /healthz (200 once
// the suite has started), /metrics (promhttp), /status (current
// SuiteResult counters as JSON). Returns a no-op stop func when disabled.
func (s *Suite) startStatusServer(sr *result.SuiteResult) (stop func(), err error) {
	if s.opts.StatusAddr == "" {
		return func() {}, nil
	}

	r := mux.NewRouter()
	r.Use(logger.LoggingMiddleware(s.logger))
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/status", func(w http.ResponseWriter, req *http.Request) {
		passed, failed, total := sr.Counts()
		logger.FromContext(req.Context(), s.logger).Debug("status polled", "passed", passed, "failed", failed, "total", total)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"passed":%d,"failed":%d,"total":%d}`, passed, failed, total)
	})

	srv := &http.Server{Addr: s.opts.StatusAddr, Handler: r}
	ln, err := listen(s.opts.StatusAddr)
	if err != nil {
		return nil, err
	}

	go func() {
		if serveErr := srv.Serve(ln); serveErr != nil && serveErr != http.ErrServerClosed {
			s.logger.Error("status server", "error", serveErr)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
