// Package scenario implements ScenarioRuntime from spec.md §4.5: the full
// per-scenario lifecycle — engine creation, config/variable inheritance,
// background+step execution via internal/stepexec, the signal/listen
// rendezvous, and the finally block that flushes the held perf event,
// releases an owned driver, and applies @fail inversion.
//
// Grounded on the teacher's request-handling lifecycle shape (acquire
// resource -> do work inside a deferred cleanup -> record result) found
// throughout go-app's handler layer, generalized here to one scenario's
// enter/execute/exit sequence.
package scenario

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/relaytest/karate-go/internal/bridge"
	"github.com/relaytest/karate-go/internal/callcache"
	"github.com/relaytest/karate-go/internal/driver"
	"github.com/relaytest/karate-go/internal/engine"
	"github.com/relaytest/karate-go/internal/gherkin"
	"github.com/relaytest/karate-go/internal/httpclient"
	"github.com/relaytest/karate-go/internal/listener"
	"github.com/relaytest/karate-go/internal/perf"
	"github.com/relaytest/karate-go/internal/result"
	"github.com/relaytest/karate-go/internal/runtimeconfig"
	"github.com/relaytest/karate-go/internal/scenariolock"
	"github.com/relaytest/karate-go/internal/stepexec"
	"github.com/relaytest/karate-go/internal/value"
)

// FeatureCaller resolves a karate.call/callonce/callSingle target (a
// feature-file path, optionally suffixed with "@tag" to select scenarios;
// JS-file targets are not resolved)
// into a result map. internal/feature implements this so
// internal/scenario never imports it back (the same ScenarioContext-style
// dependency inversion internal/bridge already uses).
type FeatureCaller interface {
	CallFeature(ctx context.Context, path string, arg map[string]interface{}) (map[string]interface{}, error)
}

// SetupRunner resolves a karate.setup/setupOnce target (a named @setup
// scenario within the calling feature) into a result map.
type SetupRunner interface {
	RunSetup(ctx context.Context, name string) (map[string]interface{}, error)
}

// FileReader backs karate.read(path); the default osFileReader covers the
// common classpath-relative-file case without a full classpath resolver.
type FileReader interface {
	Read(path string) (value.Value, error)
}

// Options configures one ScenarioRuntime. Fields left nil fall back to
// harmless defaults (NoopDriver, osFileReader, a caller/runner that always
// errors) so tests can construct a minimal Runtime.
type Options struct {
	FeatureName string
	Resource    string

	EngineFactory engine.Factory
	BaseConfig    *runtimeconfig.RuntimeConfig

	Env        string
	Properties map[string]string

	FeatureResult *result.FeatureResult
	LockManager   *scenariolock.Manager
	Listeners     *listener.Bus
	PerfHook      perf.Hook
	SuiteCache    *callcache.Single

	FeatureCaller FeatureCaller
	SetupRunner   SetupRunner
	FileReader    FileReader

	InheritedVars map[string]value.Value
	InheritedDriver *driver.Handle
}

// Runtime is one scenario's execution state: a private script engine, its
// own RuntimeConfig/HTTP client, and the result tree it is writing into.
// Never shared across goroutines (spec.md §5: "per-scenario state never
// shared").
type Runtime struct {
	opts Options

	eng    engine.Engine
	cfg    *runtimeconfig.RuntimeConfig
	client *httpclient.Client

	vars map[string]value.Value

	pendingReq *bridge.HTTPRequest
	prevReq    *bridge.HTTPRequest

	driverHandle *driver.Handle

	heldPerfEvent *perf.Event

	aborted bool
	failMsg string

	signalCh chan value.Value

	tags      []string
	tagValues map[string]string

	ctx context.Context
	sr  *result.ScenarioResult
}

// New builds a Runtime ready for Run. A fresh script engine and HTTP
// client are constructed immediately so karate.* bindings are available
// to any config-bootstrap JS the caller evaluates before Run.
func New(opts Options) (*Runtime, error) {
	if opts.EngineFactory == nil {
		opts.EngineFactory = engine.NewGoja
	}
	if opts.BaseConfig == nil {
		opts.BaseConfig = runtimeconfig.New()
	}
	if opts.FileReader == nil {
		opts.FileReader = osFileReader{}
	}

	rt := &Runtime{
		opts:      opts,
		eng:       opts.EngineFactory(),
		cfg:       opts.BaseConfig.Copy(),
		vars:      map[string]value.Value{},
		signalCh:  make(chan value.Value, 1),
		tagValues: map[string]string{},
	}

	client, err := httpclient.Build(rt.cfg)
	if err != nil {
		return nil, fmt.Errorf("scenario: building http client: %w", err)
	}
	rt.client = client

	if opts.InheritedDriver != nil {
		rt.driverHandle = opts.InheritedDriver
	} else {
		rt.driverHandle = driver.Scenario(driver.New())
	}

	for k, v := range opts.InheritedVars {
		rt.vars[k] = value.DeepCopy(v)
	}

	rt.eng.PutRootBinding("karate", bridge.New(rt).Bindings())
	for k, v := range rt.vars {
		rt.eng.Put(k, v)
	}

	return rt, nil
}

// Engine exposes the private script engine, satisfying stepexec.Runtime.
func (r *Runtime) Engine() engine.Engine { return r.eng }

// Run executes background followed by section's steps (with exampleData
// substituted into placeholder-style "<name>" tokens for outlines),
// honoring effectiveTags for scenario locking and @fail inversion, and
// returns the completed ScenarioResult.
func (r *Runtime) Run(ctx context.Context, background []gherkin.Step, section *gherkin.Section, exampleIndex int, exampleData map[string]string, threadName string) *result.ScenarioResult {
	r.ctx = ctx
	r.tags = effectiveTagStrings(section.Tags)

	r.sr = result.NewScenarioResult(r.opts.FeatureName, r.opts.Resource, section.Name, section.Line, exampleIndex, threadName)

	// Bindings() captures Tags()/Info() eagerly, so re-bind karate now
	// that r.tags/r.sr reflect this scenario rather than the New()-time
	// snapshot (which predates Run and always saw an empty scenario).
	r.eng.PutRootBinding("karate", bridge.New(r).Bindings())

	lock := r.lockManager().Acquire(r.tags)
	defer lock.Release()

	r.notifyScenario("enter")
	defer func() {
		r.flushPerfEvent()
		_ = r.driverHandle.Release()
		if hasTag(section.Tags, "fail") {
			r.sr.ApplyFailTag()
		}
		r.sr.End()
		r.notifyScenario("exit")
	}()

	for k, v := range exampleData {
		r.SetVar(k, value.Str(v))
	}

	failed := false

	runOne := func(step gherkin.Step) {
		if failed && !r.cfg.ContinueOnStepFailure {
			r.sr.AddStep(result.NewStepResult(
				result.StepText{Keyword: string(step.Keyword), Text: step.Text, Line: step.Line},
				result.SKIPPED, time.Now(), 0, nil,
			))
			return
		}
		if r.aborted {
			r.sr.AddStep(result.NewStepResult(
				result.StepText{Keyword: string(step.Keyword), Text: step.Text, Line: step.Line},
				result.SKIPPED, time.Now(), 0, nil,
			))
			return
		}
		step.Text = substitutePlaceholders(step.Text, exampleData)
		sres := stepexec.Execute(r, step)
		if r.failMsg != "" {
			sres = result.NewStepResult(sres.Step, result.FAILED,
				time.UnixMilli(sres.StartMillis), time.Duration(sres.DurationNanos),
				fmt.Errorf("%s", r.failMsg))
			r.failMsg = ""
		}
		r.sr.AddStep(sres)
		if sres.Status == result.FAILED {
			failed = true
		}
	}

	for _, step := range background {
		runOne(step)
	}
	for _, step := range section.Steps {
		runOne(step)
	}

	return r.sr
}

func substitutePlaceholders(text string, data map[string]string) string {
	if len(data) == 0 {
		return text
	}
	for k, v := range data {
		text = strings.ReplaceAll(text, "<"+k+">", v)
	}
	return text
}

func effectiveTagStrings(tags []gherkin.Tag) []string {
	out := make([]string, len(tags))
	for i, t := range tags {
		out[i] = t.String()
	}
	return out
}

func hasTag(tags []gherkin.Tag, name string) bool {
	for _, t := range tags {
		if t.Name == name {
			return true
		}
	}
	return false
}

func (r *Runtime) lockManager() *scenariolock.Manager {
	if r.opts.LockManager != nil {
		return r.opts.LockManager
	}
	return scenariolock.New()
}

func (r *Runtime) notifyScenario(phase string) {
	if r.opts.Listeners == nil {
		return
	}
	r.opts.Listeners.NotifyScenario(listener.ScenarioEvent{Phase: phase, Scenario: r.sr})
}

// ---- stepexec.Runtime ----

func (r *Runtime) PendingRequest() *bridge.HTTPRequest       { return r.pendingReq }
func (r *Runtime) SetPendingRequest(req *bridge.HTTPRequest) { r.pendingReq = req }

func (r *Runtime) Configure(key string, val interface{}) (bool, error) {
	return r.cfg.Configure(key, val)
}

func (r *Runtime) RebuildTransport() error {
	client, err := httpclient.Build(r.cfg)
	if err != nil {
		return err
	}
	r.client = client
	return nil
}

// SendHTTP issues req, flushing any previously held perf event first (per
// spec.md §4.6: "stop and report the held perf event before issuing the
// next request"), then holding the new event until the next flush point.
func (r *Runtime) SendHTTP(req *bridge.HTTPRequest) (*bridge.HTTPResponse, error) {
	r.flushPerfEvent()

	httpReq, err := r.buildHTTPRequest(req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := r.client.Do(r.ctxOrBackground(), httpReq)
	duration := time.Since(start)

	r.prevReq = req

	event := &perf.Event{
		Method:      req.Method,
		URL:         req.URL,
		StartMillis: start.UnixMilli(),
	}
	if r.opts.PerfHook != nil {
		event.Name = r.opts.PerfHook.EventName(req.Method, req.URL)
	} else {
		event.Name = req.Method + " " + req.URL
	}
	event.DurationNanos = duration.Nanoseconds()

	if err != nil {
		event.FailureMessage = err.Error()
		r.heldPerfEvent = event
		return nil, err
	}
	defer resp.Body.Close()

	event.StatusCode = resp.StatusCode
	if resp.StatusCode >= 400 {
		event.FailureMessage = fmt.Sprintf("http status %d", resp.StatusCode)
	}
	r.heldPerfEvent = event

	bodyBytes, _ := io.ReadAll(resp.Body)
	out := &bridge.HTTPResponse{
		Status:  resp.StatusCode,
		Headers: map[string][]string(resp.Header),
		Cookies: map[string]string{},
	}
	for _, c := range resp.Cookies() {
		out.Cookies[c.Name] = c.Value
	}
	out.Body = decodeBody(resp.Header.Get("Content-Type"), bodyBytes)
	return out, nil
}

func (r *Runtime) ctxOrBackground() context.Context {
	if r.ctx != nil {
		return r.ctx
	}
	return context.Background()
}

func (r *Runtime) buildHTTPRequest(req *bridge.HTTPRequest) (*http.Request, error) {
	full := req.URL
	if full == "" {
		full = r.client.BaseURL
	} else if r.client.BaseURL != "" && !strings.HasPrefix(full, "http://") && !strings.HasPrefix(full, "https://") {
		full = strings.TrimRight(r.client.BaseURL, "/") + "/" + strings.TrimLeft(full, "/")
	}
	for _, seg := range req.Path {
		full = strings.TrimRight(full, "/") + "/" + strings.TrimLeft(seg, "/")
	}

	u, err := url.Parse(full)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", full, err)
	}
	if len(req.Params) > 0 {
		q := u.Query()
		for k, vs := range req.Params {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}

	var body io.Reader
	if req.Body != nil {
		body = strings.NewReader(encodeBody(req.Body))
	}

	httpReq, err := http.NewRequest(req.Method, u.String(), body)
	if err != nil {
		return nil, err
	}
	for k, vs := range req.Headers {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	return httpReq, nil
}

func encodeBody(body interface{}) string {
	if s, ok := body.(string); ok {
		return s
	}
	buf, err := jsonMarshal(body)
	if err != nil {
		return fmt.Sprint(body)
	}
	return string(buf)
}

func decodeBody(contentType string, raw []byte) interface{} {
	if strings.Contains(contentType, "json") {
		if v, err := jsonUnmarshal(raw); err == nil {
			return v
		}
	}
	return string(raw)
}

// flushPerfEvent reports and clears the held perf event, per spec.md §4.6
// (before the next request) and the finally block (at scenario end).
func (r *Runtime) flushPerfEvent() {
	if r.heldPerfEvent == nil || r.opts.PerfHook == nil {
		r.heldPerfEvent = nil
		return
	}
	r.opts.PerfHook.Report(*r.heldPerfEvent)
	r.heldPerfEvent = nil
}

// ---- bridge.ScenarioContext / stepexec.Runtime shared accessors ----

func (r *Runtime) GetVar(name string) (value.Value, bool) {
	v, ok := r.vars[name]
	return v, ok
}

func (r *Runtime) SetVar(name string, v value.Value) {
	r.vars[name] = v
	r.eng.Put(name, v)
}

// Vars returns a shallow copy of the current variable set, for a caller
// (FeatureRuntime chaining scenarios, or a karate.call result) that needs
// a snapshot without holding a live reference into this Runtime.
func (r *Runtime) Vars() map[string]value.Value {
	out := make(map[string]value.Value, len(r.vars))
	for k, v := range r.vars {
		out[k] = v
	}
	return out
}

func (r *Runtime) Env() string                          { return r.opts.Env }
func (r *Runtime) Properties() map[string]string        { return r.opts.Properties }
func (r *Runtime) Tags() []string                       { return r.tags }
func (r *Runtime) TagValues() map[string]string         { return r.tagValues }
func (r *Runtime) Info() map[string]interface{} {
	info := map[string]interface{}{"featureName": r.opts.FeatureName}
	if r.sr != nil {
		info["scenarioName"] = r.sr.ScenarioName
	}
	return info
}
func (r *Runtime) ConfigSnapshot() map[string]interface{} {
	native := map[string]interface{}{}
	buf, err := jsonMarshal(r.cfg)
	if err != nil {
		return native
	}
	_ = jsonUnmarshalInto(buf, &native)
	return native
}

func (r *Runtime) Call(path string, arg value.Value) (value.Value, error) {
	return r.callFeature(path, arg)
}

func (r *Runtime) CallOnce(path string, arg value.Value) (value.Value, error) {
	if r.opts.FeatureResult == nil {
		return r.callFeature(path, arg)
	}
	native := value.ToNative(arg)
	argMap, _ := native.(map[string]interface{})
	res, err := r.opts.FeatureResult.CallOnce(path, func() (map[string]interface{}, error) {
		return r.opts.FeatureCaller.CallFeature(r.ctxOrBackground(), path, argMap)
	})
	if err != nil {
		return value.Null, err
	}
	return value.FromNative(res), nil
}

func (r *Runtime) CallSingle(path string, arg value.Value) (value.Value, error) {
	if r.opts.SuiteCache == nil {
		return r.callFeature(path, arg)
	}
	native := value.ToNative(arg)
	argMap, _ := native.(map[string]interface{})
	res, err := r.opts.SuiteCache.Do(r.ctxOrBackground(), path, func() (map[string]interface{}, error) {
		return r.opts.FeatureCaller.CallFeature(r.ctxOrBackground(), path, argMap)
	})
	if err != nil {
		return value.Null, err
	}
	return value.FromNative(res), nil
}

func (r *Runtime) callFeature(path string, arg value.Value) (value.Value, error) {
	if r.opts.FeatureCaller == nil {
		return value.Null, fmt.Errorf("call: no feature caller configured")
	}
	native := value.ToNative(arg)
	argMap, _ := native.(map[string]interface{})
	res, err := r.opts.FeatureCaller.CallFeature(r.ctxOrBackground(), path, argMap)
	if err != nil {
		return value.Null, err
	}
	return value.FromNative(res), nil
}

func (r *Runtime) Setup(name string) (value.Value, error) {
	if r.opts.SetupRunner == nil {
		return value.Null, fmt.Errorf("setup: no setup runner configured")
	}
	res, err := r.opts.SetupRunner.RunSetup(r.ctxOrBackground(), name)
	if err != nil {
		return value.Null, err
	}
	return value.FromNative(res), nil
}

func (r *Runtime) SetupOnce(name string) (value.Value, error) {
	if r.opts.SetupRunner == nil {
		return value.Null, fmt.Errorf("setupOnce: no setup runner configured")
	}
	if r.opts.FeatureResult == nil {
		return r.Setup(name)
	}
	res, err := r.opts.FeatureResult.SetupOnce(name, func() (map[string]interface{}, error) {
		return r.opts.SetupRunner.RunSetup(r.ctxOrBackground(), name)
	})
	if err != nil {
		return value.Null, err
	}
	return value.FromNative(res), nil
}

func (r *Runtime) PrevRequest() *bridge.HTTPRequest { return r.prevReq }

// Signal/Listen implement the rendezvous primitive from spec.md §6: one
// goroutine calls Signal(v), another blocks in Listen until it arrives or
// timeoutMS elapses.
func (r *Runtime) Signal(v value.Value) {
	select {
	case r.signalCh <- v:
	default:
		// a value is already pending; replace it (last signal wins).
		select {
		case <-r.signalCh:
		default:
		}
		r.signalCh <- v
	}
}

func (r *Runtime) Listen(timeoutMS int64) (value.Value, error) {
	select {
	case v := <-r.signalCh:
		return v, nil
	case <-time.After(time.Duration(timeoutMS) * time.Millisecond):
		return value.Null, fmt.Errorf("listen: timed out after %dms", timeoutMS)
	}
}

func (r *Runtime) Abort() { r.aborted = true }
func (r *Runtime) Fail(msg string) {
	r.failMsg = msg
	r.aborted = true
}

func (r *Runtime) Read(path string) (value.Value, error) {
	return r.opts.FileReader.Read(path)
}

// osFileReader is the default FileReader: reads from the local
// filesystem relative to the working directory, JSON-decoding .json
// payloads and returning everything else as a string, matching the
// teacher's "parse by extension, fall back to raw text" convention used
// for config/template loading elsewhere in this tree.
type osFileReader struct{}

func (osFileReader) Read(path string) (value.Value, error) {
	data, err := readFile(path)
	if err != nil {
		return value.Null, err
	}
	if strings.HasSuffix(path, ".json") {
		if v, err := jsonUnmarshal(data); err == nil {
			return v, nil
		}
	}
	return value.Str(string(data)), nil
}
