package scenario

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaytest/karate-go/internal/gherkin"
	"github.com/relaytest/karate-go/internal/perf"
	"github.com/relaytest/karate-go/internal/result"
	"github.com/relaytest/karate-go/internal/value"
)

func step(kw gherkin.StepKeyword, text string) gherkin.Step {
	return gherkin.Step{Keyword: kw, Text: text, Line: 1}
}

func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	rt, err := New(Options{FeatureName: "f", Resource: "f.feature", Env: "test"})
	require.NoError(t, err)
	return rt
}

func TestRunExecutesStepsInOrderAndPassesOnSuccess(t *testing.T) {
	rt := newTestRuntime(t)
	section := &gherkin.Section{
		Name: "basic",
		Line: 3,
		Steps: []gherkin.Step{
			step(gherkin.KeywordGiven, "def a = 1"),
			step(gherkin.KeywordWhen, "def b = 2"),
			step(gherkin.KeywordThen, "match a == 1"),
		},
	}
	sr := rt.Run(context.Background(), nil, section, -1, nil, "w0")
	assert.True(t, sr.Passed())
	assert.Len(t, sr.Steps(), 3)
}

func TestContinueOnStepFailureGateSkipsRemainingStepsByDefault(t *testing.T) {
	rt := newTestRuntime(t)
	section := &gherkin.Section{
		Name: "gate",
		Steps: []gherkin.Step{
			step(gherkin.KeywordGiven, "match 1 == 2"),
			step(gherkin.KeywordThen, "def x = 1"),
		},
	}
	sr := rt.Run(context.Background(), nil, section, -1, nil, "w0")
	steps := sr.Steps()
	require.Len(t, steps, 2)
	assert.Equal(t, result.FAILED, steps[0].Status)
	assert.Equal(t, result.SKIPPED, steps[1].Status)
}

func TestContinueOnStepFailureTrueRunsAllSteps(t *testing.T) {
	rt, err := New(Options{FeatureName: "f", Resource: "f.feature"})
	require.NoError(t, err)
	rt.cfg.ContinueOnStepFailure = true

	section := &gherkin.Section{
		Name: "gate",
		Steps: []gherkin.Step{
			step(gherkin.KeywordGiven, "match 1 == 2"),
			step(gherkin.KeywordThen, "def x = 1"),
		},
	}
	sr := rt.Run(context.Background(), nil, section, -1, nil, "w0")
	steps := sr.Steps()
	require.Len(t, steps, 2)
	assert.Equal(t, result.FAILED, steps[0].Status)
	assert.Equal(t, result.PASSED, steps[1].Status)
}

func TestFailTagInvertsFinalStatus(t *testing.T) {
	rt := newTestRuntime(t)
	section := &gherkin.Section{
		Name: "inverted",
		Tags: []gherkin.Tag{{Name: "fail"}},
		Steps: []gherkin.Step{
			step(gherkin.KeywordGiven, "match 1 == 2"),
		},
	}
	sr := rt.Run(context.Background(), nil, section, -1, nil, "w0")
	assert.True(t, sr.Passed())
}

func TestBackgroundStepsRunBeforeSectionSteps(t *testing.T) {
	rt := newTestRuntime(t)
	background := []gherkin.Step{step(gherkin.KeywordGiven, "def a = 10")}
	section := &gherkin.Section{
		Name:  "uses-background",
		Steps: []gherkin.Step{step(gherkin.KeywordThen, "match a == 10")},
	}
	sr := rt.Run(context.Background(), background, section, -1, nil, "w0")
	assert.True(t, sr.Passed())
	assert.Len(t, sr.Steps(), 2)
}

func TestOutlinePlaceholderSubstitution(t *testing.T) {
	rt := newTestRuntime(t)
	section := &gherkin.Section{
		Name:  "outline row",
		Steps: []gherkin.Step{step(gherkin.KeywordThen, "match '<name>' == 'alice'")},
	}
	sr := rt.Run(context.Background(), nil, section, 0, map[string]string{"name": "alice"}, "w0")
	assert.True(t, sr.Passed())
}

type fakeHook struct {
	mu     sync.Mutex
	events []perf.Event
}

func (f *fakeHook) EventName(method, url string) string { return method + " " + url }
func (f *fakeHook) Report(e perf.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
}

func TestSendHTTPHoldsEventUntilNextRequestOrScenarioEnd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	hook := &fakeHook{}
	rt, err := New(Options{FeatureName: "f", Resource: "f.feature", PerfHook: hook})
	require.NoError(t, err)

	section := &gherkin.Section{
		Name: "two requests",
		Steps: []gherkin.Step{
			step(gherkin.KeywordGiven, "url '"+srv.URL+"'"),
			step(gherkin.KeywordWhen, "method get"),
			step(gherkin.KeywordGiven, "url '"+srv.URL+"'"),
			step(gherkin.KeywordWhen, "method get"),
		},
	}
	sr := rt.Run(context.Background(), nil, section, -1, nil, "w0")
	require.True(t, sr.Passed())

	hook.mu.Lock()
	defer hook.mu.Unlock()
	assert.Len(t, hook.events, 2)
}

type fakeFeatureCaller struct {
	calledWith string
}

func (f *fakeFeatureCaller) CallFeature(ctx context.Context, path string, arg map[string]interface{}) (map[string]interface{}, error) {
	f.calledWith = path
	return map[string]interface{}{"called": path}, nil
}

func TestCallDelegatesToFeatureCaller(t *testing.T) {
	caller := &fakeFeatureCaller{}
	rt, err := New(Options{FeatureName: "f", Resource: "f.feature", FeatureCaller: caller})
	require.NoError(t, err)

	v, err := rt.Call("other.feature", value.Null)
	require.NoError(t, err)
	assert.Equal(t, "other.feature", caller.calledWith)
	assert.Equal(t, "other.feature", v.Map["called"].Str)
}

func TestSignalListenRendezvous(t *testing.T) {
	rt := newTestRuntime(t)
	go func() {
		rt.Signal(value.Str("go"))
	}()
	v, err := rt.Listen(1000)
	require.NoError(t, err)
	assert.Equal(t, "go", v.Str)
}

func TestListenTimesOutWithoutSignal(t *testing.T) {
	rt := newTestRuntime(t)
	_, err := rt.Listen(10)
	assert.Error(t, err)
}

func TestInheritedVariablesAreDeepCopiedNotShared(t *testing.T) {
	shared := value.Map(map[string]value.Value{"x": value.Num(1)})
	rt, err := New(Options{
		FeatureName:   "f",
		Resource:      "f.feature",
		InheritedVars: map[string]value.Value{"data": shared},
	})
	require.NoError(t, err)

	v, ok := rt.GetVar("data")
	require.True(t, ok)
	v.Map["x"] = value.Num(999)

	orig, ok := shared.Map["x"]
	require.True(t, ok)
	assert.Equal(t, float64(1), orig.Num)
}

func TestKarateFailStepFailsScenario(t *testing.T) {
	rt := newTestRuntime(t)
	section := &gherkin.Section{
		Name:  "explicit fail",
		Steps: []gherkin.Step{step(gherkin.KeywordGiven, "karate.fail('boom')")},
	}
	sr := rt.Run(context.Background(), nil, section, -1, nil, "w0")
	assert.False(t, sr.Passed())
	steps := sr.Steps()
	require.Len(t, steps, 1)
	assert.Equal(t, result.FAILED, steps[0].Status)
	require.Error(t, steps[0].Err)
	assert.Contains(t, steps[0].Err.Error(), "boom")
}

func TestConfigureSSLTriggersHTTPClientRebuild(t *testing.T) {
	rt := newTestRuntime(t)
	before := rt.client
	section := &gherkin.Section{
		Name:  "rebuild",
		Steps: []gherkin.Step{step(gherkin.KeywordGiven, "configure ssl = true")},
	}
	sr := rt.Run(context.Background(), nil, section, -1, nil, "w0")
	require.True(t, sr.Passed())
	assert.NotSame(t, before, rt.client)
}
