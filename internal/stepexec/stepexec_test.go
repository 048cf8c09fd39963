package stepexec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaytest/karate-go/internal/bridge"
	"github.com/relaytest/karate-go/internal/engine"
	"github.com/relaytest/karate-go/internal/gherkin"
	"github.com/relaytest/karate-go/internal/result"
	"github.com/relaytest/karate-go/internal/value"
)

// fakeScenarioContext is the minimal bridge.ScenarioContext double needed
// to build a karate binding for match steps.
type fakeScenarioContext struct{}

func (fakeScenarioContext) GetVar(string) (value.Value, bool)             { return value.Null, false }
func (fakeScenarioContext) SetVar(string, value.Value)                   {}
func (fakeScenarioContext) Env() string                                  { return "test" }
func (fakeScenarioContext) Properties() map[string]string                { return map[string]string{} }
func (fakeScenarioContext) Tags() []string                               { return nil }
func (fakeScenarioContext) TagValues() map[string]string                 { return map[string]string{} }
func (fakeScenarioContext) Info() map[string]interface{}                 { return map[string]interface{}{} }
func (fakeScenarioContext) ConfigSnapshot() map[string]interface{}       { return map[string]interface{}{} }
func (fakeScenarioContext) Call(string, value.Value) (value.Value, error) {
	return value.Null, nil
}
func (fakeScenarioContext) CallOnce(string, value.Value) (value.Value, error) {
	return value.Null, nil
}
func (fakeScenarioContext) CallSingle(string, value.Value) (value.Value, error) {
	return value.Null, nil
}
func (fakeScenarioContext) Setup(string) (value.Value, error)     { return value.Null, nil }
func (fakeScenarioContext) SetupOnce(string) (value.Value, error) { return value.Null, nil }
func (fakeScenarioContext) SendHTTP(*bridge.HTTPRequest) (*bridge.HTTPResponse, error) {
	return &bridge.HTTPResponse{Status: 200}, nil
}
func (fakeScenarioContext) PrevRequest() *bridge.HTTPRequest { return nil }
func (fakeScenarioContext) Signal(value.Value)               {}
func (fakeScenarioContext) Listen(int64) (value.Value, error) { return value.Null, nil }
func (fakeScenarioContext) Abort()                            {}
func (fakeScenarioContext) Fail(string)                       {}
func (fakeScenarioContext) Read(string) (value.Value, error)  { return value.Null, nil }

// fakeRuntime implements Runtime over a live goja engine plus an in-memory
// variable map and a fake HTTP transport, enough to exercise every step verb.
type fakeRuntime struct {
	eng      engine.Engine
	vars     map[string]value.Value
	pending  *bridge.HTTPRequest
	lastSent *bridge.HTTPRequest
	response *bridge.HTTPResponse
	cfg      map[string]interface{}
	rebuilt  int
}

func newFakeRuntime() *fakeRuntime {
	rt := &fakeRuntime{
		eng:      engine.NewGoja(),
		vars:     map[string]value.Value{},
		response: &bridge.HTTPResponse{Status: 200, Headers: map[string][]string{"X-Test": {"1"}}, Body: map[string]interface{}{"ok": true}},
		cfg:      map[string]interface{}{},
	}
	rt.eng.PutRootBinding("karate", bridge.New(fakeScenarioContext{}).Bindings())
	return rt
}

func (r *fakeRuntime) Engine() engine.Engine { return r.eng }

func (r *fakeRuntime) GetVar(name string) (value.Value, bool) {
	v, ok := r.vars[name]
	return v, ok
}

func (r *fakeRuntime) SetVar(name string, v value.Value) {
	r.vars[name] = v
	r.eng.Put(name, v)
}

func (r *fakeRuntime) PendingRequest() *bridge.HTTPRequest       { return r.pending }
func (r *fakeRuntime) SetPendingRequest(req *bridge.HTTPRequest) { r.pending = req }

func (r *fakeRuntime) SendHTTP(req *bridge.HTTPRequest) (*bridge.HTTPResponse, error) {
	r.lastSent = req
	return r.response, nil
}

func (r *fakeRuntime) Configure(key string, val interface{}) (bool, error) {
	r.cfg[key] = val
	return key == "ssl" || key == "readTimeout", nil
}

func (r *fakeRuntime) RebuildTransport() error {
	r.rebuilt++
	return nil
}

func runStep(t *testing.T, rt *fakeRuntime, keyword gherkin.StepKeyword, text string) *result.StepResult {
	t.Helper()
	return Execute(rt, gherkin.Step{Keyword: keyword, Text: text, Line: 1})
}

func TestDefSetsVariable(t *testing.T) {
	rt := newFakeRuntime()
	sr := runStep(t, rt, gherkin.KeywordGiven, "def x = 1 + 1")
	require.Equal(t, result.PASSED, sr.Status)
	v, ok := rt.GetVar("x")
	require.True(t, ok)
	assert.Equal(t, float64(2), v.Num)
}

func TestDefMissingEqualsFails(t *testing.T) {
	rt := newFakeRuntime()
	sr := runStep(t, rt, gherkin.KeywordGiven, "def nonsense")
	assert.Equal(t, result.FAILED, sr.Status)
	assert.Error(t, sr.Err)
}

func TestMatchPassingComparison(t *testing.T) {
	rt := newFakeRuntime()
	rt.SetVar("x", value.Num(5))
	sr := runStep(t, rt, gherkin.KeywordThen, "match x == 5")
	assert.Equal(t, result.PASSED, sr.Status)
}

func TestMatchFailingComparisonReportsMessage(t *testing.T) {
	rt := newFakeRuntime()
	rt.SetVar("x", value.Num(5))
	sr := runStep(t, rt, gherkin.KeywordThen, "match x == 6")
	assert.Equal(t, result.FAILED, sr.Status)
	assert.Error(t, sr.Err)
}

func TestConfigureTriggersRebuildOnlyForRebuildKeys(t *testing.T) {
	rt := newFakeRuntime()
	sr := runStep(t, rt, gherkin.KeywordGiven, "configure ssl = true")
	require.Equal(t, result.PASSED, sr.Status)
	assert.Equal(t, 1, rt.rebuilt)

	sr2 := runStep(t, rt, gherkin.KeywordGiven, "configure headers = {}")
	require.Equal(t, result.PASSED, sr2.Status)
	assert.Equal(t, 1, rt.rebuilt)
}

func TestURLPathMethodDrivesHTTPRequestAndCapturesResponse(t *testing.T) {
	rt := newFakeRuntime()
	runStep(t, rt, gherkin.KeywordGiven, "url 'http://example.com'")
	runStep(t, rt, gherkin.KeywordGiven, "path 'widgets', 1")
	runStep(t, rt, gherkin.KeywordWhen, "method get")

	require.NotNil(t, rt.lastSent)
	assert.Equal(t, "GET", rt.lastSent.Method)
	assert.Equal(t, "http://example.com", rt.lastSent.URL)
	assert.Equal(t, []string{"widgets", "1"}, rt.lastSent.Path)

	status, ok := rt.GetVar("responseStatus")
	require.True(t, ok)
	assert.Equal(t, float64(200), status.Num)
	assert.Nil(t, rt.PendingRequest())
}

func TestStatusStepPassesOnMatchingCode(t *testing.T) {
	rt := newFakeRuntime()
	runStep(t, rt, gherkin.KeywordGiven, "url 'http://example.com'")
	runStep(t, rt, gherkin.KeywordWhen, "method get")
	sr := runStep(t, rt, gherkin.KeywordThen, "status 200")
	assert.Equal(t, result.PASSED, sr.Status)
}

func TestStatusStepFailsOnMismatchedCode(t *testing.T) {
	rt := newFakeRuntime()
	runStep(t, rt, gherkin.KeywordGiven, "url 'http://example.com'")
	runStep(t, rt, gherkin.KeywordWhen, "method get")
	sr := runStep(t, rt, gherkin.KeywordThen, "status 404")
	assert.Equal(t, result.FAILED, sr.Status)
}

func TestParamAndHeaderStepsAttachToPendingRequest(t *testing.T) {
	rt := newFakeRuntime()
	runStep(t, rt, gherkin.KeywordGiven, "url 'http://example.com'")
	runStep(t, rt, gherkin.KeywordGiven, "param page = 2")
	runStep(t, rt, gherkin.KeywordGiven, "header X-Trace = 'abc'")
	runStep(t, rt, gherkin.KeywordWhen, "method get")

	assert.Equal(t, []string{"2"}, rt.lastSent.Params["page"])
	assert.Equal(t, []string{"abc"}, rt.lastSent.Headers["X-Trace"])
}

func TestRequestStepUsesDocstringWhenTextEmpty(t *testing.T) {
	rt := newFakeRuntime()
	runStep(t, rt, gherkin.KeywordGiven, "url 'http://example.com'")
	sr := Execute(rt, gherkin.Step{
		Keyword:   gherkin.KeywordGiven,
		Text:      "request",
		Docstring: `({"a": 1})`,
		Line:      2,
	})
	require.Equal(t, result.PASSED, sr.Status)
	runStep(t, rt, gherkin.KeywordWhen, "method post")
	assert.Equal(t, map[string]interface{}{"a": float64(1)}, rt.lastSent.Body)
}

func TestEachStepProducesExactlyOneStepResult(t *testing.T) {
	rt := newFakeRuntime()
	steps := []string{"def a = 1", "def b = 2", "match a == 1"}
	results := make([]*result.StepResult, 0, len(steps))
	for _, s := range steps {
		results = append(results, runStep(t, rt, gherkin.KeywordGiven, s))
	}
	require.Len(t, results, len(steps))
	for _, r := range results {
		assert.Equal(t, result.PASSED, r.Status)
	}
}
