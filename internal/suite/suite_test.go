package suite

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaytest/karate-go/internal/gherkin"
	"github.com/relaytest/karate-go/internal/listener"
	"github.com/relaytest/karate-go/internal/result"
)

func step(kw gherkin.StepKeyword, text string) gherkin.Step {
	return gherkin.Step{Keyword: kw, Text: text, Line: 1}
}

func featureWith(resource string, steps ...gherkin.Step) *gherkin.Feature {
	return &gherkin.Feature{
		Resource: resource,
		Name:     resource,
		Sections: []gherkin.Section{{Name: "scenario", Steps: steps}},
	}
}

type recordingListener struct {
	mu          sync.Mutex
	suiteStarts int
	featureEnds int
	suiteEnds   int
}

func (r *recordingListener) OnSuiteStart(*result.SuiteResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.suiteStarts++
}
func (r *recordingListener) OnFeatureEnd(*result.FeatureResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.featureEnds++
}
func (r *recordingListener) OnSuiteEnd(*result.SuiteResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.suiteEnds++
}
func (r *recordingListener) OnScenario(listener.ScenarioEvent) {}

func TestRunAggregatesAllFeatures(t *testing.T) {
	features := []*gherkin.Feature{
		featureWith("a.feature", step(gherkin.KeywordGiven, "def x = 1")),
		featureWith("b.feature", step(gherkin.KeywordGiven, "def y = 2")),
	}
	s := New(Options{Features: features, Workers: 2})

	sr, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, sr.Passed())
	assert.Len(t, sr.Features(), 2)
	_, _, total := sr.Counts()
	assert.Equal(t, 2, total)
}

func TestRunReportsFailingFeature(t *testing.T) {
	features := []*gherkin.Feature{
		featureWith("fails.feature", step(gherkin.KeywordGiven, "match 1 == 2")),
	}
	s := New(Options{Features: features, Workers: 1})

	sr, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, sr.Passed())
	assert.Equal(t, 1, sr.ExitCode())
}

func TestListenersNotifiedAndJoinedBeforeReturn(t *testing.T) {
	rec := &recordingListener{}
	bus := listener.New()
	bus.Register(rec)

	features := []*gherkin.Feature{
		featureWith("a.feature", step(gherkin.KeywordGiven, "def x = 1")),
		featureWith("b.feature", step(gherkin.KeywordGiven, "def y = 2")),
	}
	s := New(Options{Features: features, Workers: 2, Listeners: bus})

	_, err := s.Run(context.Background())
	require.NoError(t, err)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, 1, rec.suiteStarts)
	assert.Equal(t, 2, rec.featureEnds)
	assert.Equal(t, 1, rec.suiteEnds)
}

func TestAbortSuiteOnFailureSkipsUndispatchedFeatures(t *testing.T) {
	features := []*gherkin.Feature{
		featureWith("fails.feature", step(gherkin.KeywordGiven, "match 1 == 2")),
	}
	for i := 0; i < 20; i++ {
		features = append(features, featureWith("ok.feature", step(gherkin.KeywordGiven, "def x = 1")))
	}

	s := New(Options{Features: features, Workers: 1, AbortSuiteOnFailure: true})
	sr, err := s.Run(context.Background())
	require.NoError(t, err)

	assert.False(t, sr.Passed())
	assert.Less(t, len(sr.Features()), len(features))
}

func TestStatusServerAppliesRequestIDMiddleware(t *testing.T) {
	features := []*gherkin.Feature{featureWith("a.feature", step(gherkin.KeywordGiven, "def x = 1"))}
	s := New(Options{Features: features, Workers: 1, StatusAddr: "127.0.0.1:18098"})

	stop, err := s.startStatusServer(result.NewSuiteResult("test-run", time.Now()))
	require.NoError(t, err)
	defer stop()

	time.Sleep(50 * time.Millisecond)
	resp, err := http.Get("http://127.0.0.1:18098/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestStatusServerStartsAndStopsCleanly(t *testing.T) {
	features := []*gherkin.Feature{featureWith("a.feature", step(gherkin.KeywordGiven, "def x = 1"))}
	s := New(Options{Features: features, Workers: 1, StatusAddr: "127.0.0.1:18099"})

	done := make(chan struct{})
	go func() {
		_, err := s.Run(context.Background())
		assert.NoError(t, err)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("suite run did not complete in time")
	}
}
