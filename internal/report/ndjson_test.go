package report

import (
	"bufio"
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaytest/karate-go/internal/result"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	sc := bufio.NewScanner(buf)
	for sc.Scan() {
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		out = append(out, m)
	}
	require.NoError(t, sc.Err())
	return out
}

func TestOnSuiteStartWritesSuiteLine(t *testing.T) {
	var buf bytes.Buffer
	w := NewNDJSONWriter(&buf)

	sr := result.NewSuiteResult("run-1", time.Now())
	w.OnSuiteStart(sr)

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "suite", lines[0]["t"])
	assert.Equal(t, "run-1", lines[0]["runId"])
}

func TestOnFeatureEndWritesOneLinePerCall(t *testing.T) {
	var buf bytes.Buffer
	w := NewNDJSONWriter(&buf)

	passing := result.NewFeatureResult("a.feature", "a")
	sr1 := result.NewScenarioResult("a", "a.feature", "s1", 1, -1, "")
	sr1.End()
	passing.AddScenario(sr1)

	failing := result.NewFeatureResult("b.feature", "b")
	sr2 := result.NewScenarioResult("b", "b.feature", "s1", 1, -1, "")
	sr2.AddStep(result.NewStepResult(result.StepText{Keyword: "*", Text: "x"}, result.FAILED, time.Now(), 0, assertErr))
	sr2.End()
	failing.AddScenario(sr2)

	w.OnFeatureEnd(passing)
	w.OnFeatureEnd(failing)

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)

	assert.Equal(t, "feature", lines[0]["t"])
	assert.Equal(t, "a.feature", lines[0]["resource"])
	assert.Equal(t, true, lines[0]["passed"])

	assert.Equal(t, "b.feature", lines[1]["resource"])
	assert.Equal(t, false, lines[1]["passed"])
}

var assertErr = errBoom{}

type errBoom struct{}

func (errBoom) Error() string { return "boom" }

func TestOnSuiteEndWritesSuiteEndLineWithCounts(t *testing.T) {
	var buf bytes.Buffer
	w := NewNDJSONWriter(&buf)

	sr := result.NewSuiteResult("run-1", time.Now())
	fr := result.NewFeatureResult("a.feature", "a")
	s1 := result.NewScenarioResult("a", "a.feature", "s1", 1, -1, "")
	s1.End()
	fr.AddScenario(s1)
	sr.AddFeature(fr)
	sr.End(time.Now())

	w.OnSuiteEnd(sr)

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "suite_end", lines[0]["t"])
	assert.Equal(t, true, lines[0]["passed"])
	counts := lines[0]["counts"].(map[string]interface{})
	assert.Equal(t, float64(1), counts["total"])
}

func TestCreateWritesToFileAndCloseReleasesIt(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "karate-results.ndjson")

	w, err := Create(path)
	require.NoError(t, err)

	w.OnSuiteStart(result.NewSuiteResult("run-1", time.Now()))
	require.NoError(t, w.Close())
}
