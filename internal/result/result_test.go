package result

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScenarioResultStatusDerivedFromWorstStep(t *testing.T) {
	sr := NewScenarioResult("f", "f.feature", "s", 1, -1, "worker-0")
	sr.AddStep(NewStepResult(StepText{Text: "match x == 1"}, PASSED, time.Now(), time.Millisecond, nil))
	assert.Equal(t, PASSED, sr.Status())

	sr.AddStep(NewStepResult(StepText{Text: "match y == 1"}, FAILED, time.Now(), time.Millisecond, errors.New("boom")))
	assert.Equal(t, FAILED, sr.Status())
}

func TestApplyFailTagInvertsOnlyPassedAndFailed(t *testing.T) {
	passed := NewScenarioResult("f", "f.feature", "s", 1, -1, "worker-0")
	passed.AddStep(NewStepResult(StepText{Text: "step"}, PASSED, time.Now(), 0, nil))
	passed.ApplyFailTag()
	assert.Equal(t, FAILED, passed.Status())

	skipped := NewScenarioResult("f", "f.feature", "s2", 2, -1, "worker-0")
	skipped.AddStep(NewStepResult(StepText{Text: "step"}, SKIPPED, time.Now(), 0, nil))
	skipped.ApplyFailTag()
	assert.Equal(t, SKIPPED, skipped.Status(), "SKIPPED must never change under @fail")
}

func TestApplyFailTagRunsAtMostOnce(t *testing.T) {
	sr := NewScenarioResult("f", "f.feature", "s", 1, -1, "worker-0")
	sr.AddStep(NewStepResult(StepText{Text: "step"}, PASSED, time.Now(), 0, nil))
	sr.ApplyFailTag()
	sr.ApplyFailTag() // second call is a no-op, not a second inversion
	assert.Equal(t, FAILED, sr.Status())
}

func TestFeatureResultPassedRequiresAllScenarios(t *testing.T) {
	fr := NewFeatureResult("f.feature", "f")
	ok := NewScenarioResult("f", "f.feature", "ok", 1, 0, "w0")
	ok.AddStep(NewStepResult(StepText{}, PASSED, time.Now(), 0, nil))
	bad := NewScenarioResult("f", "f.feature", "bad", 2, 1, "w0")
	bad.AddStep(NewStepResult(StepText{}, FAILED, time.Now(), 0, errors.New("x")))

	fr.AddScenario(ok)
	fr.AddScenario(bad)

	assert.False(t, fr.Passed())
	passed, failed, total := fr.Counts()
	assert.Equal(t, 1, passed)
	assert.Equal(t, 1, failed)
	assert.Equal(t, 2, total)
}

func TestCallOnceRunsComputeExactlyOnce(t *testing.T) {
	fr := NewFeatureResult("f.feature", "f")
	calls := 0
	compute := func() (map[string]interface{}, error) {
		calls++
		return map[string]interface{}{"token": "abc"}, nil
	}

	for i := 0; i < 5; i++ {
		v, err := fr.CallOnce("callonce:call read('token.feature')", compute)
		require.NoError(t, err)
		assert.Equal(t, "abc", v["token"])
	}
	assert.Equal(t, 1, calls)
}

func TestCallOnceReturnsDeepCopies(t *testing.T) {
	fr := NewFeatureResult("f.feature", "f")
	compute := func() (map[string]interface{}, error) {
		return map[string]interface{}{"m": map[string]interface{}{"n": float64(1)}}, nil
	}

	v1, err := fr.CallOnce("k", compute)
	require.NoError(t, err)
	inner := v1["m"].(map[string]interface{})
	inner["n"] = float64(999)

	v2, err := fr.CallOnce("k", compute)
	require.NoError(t, err)
	assert.Equal(t, float64(1), v2["m"].(map[string]interface{})["n"], "mutating a returned cache value must not affect later callers")
}

func TestCallOnceCachesAndRereisesFailure(t *testing.T) {
	fr := NewFeatureResult("f.feature", "f")
	calls := 0
	compute := func() (map[string]interface{}, error) {
		calls++
		return nil, errors.New("setup failed")
	}

	_, err1 := fr.CallOnce("k", compute)
	require.Error(t, err1)
	_, err2 := fr.CallOnce("k", compute)
	require.Error(t, err2)
	assert.Equal(t, 1, calls)
	assert.Contains(t, err2.Error(), "setup failed")
}

func TestSuiteResultExitCodeNonZeroOnFailure(t *testing.T) {
	sr := NewSuiteResult("run-1", time.Now())
	fr := NewFeatureResult("f.feature", "f")
	bad := NewScenarioResult("f", "f.feature", "bad", 1, -1, "w0")
	bad.AddStep(NewStepResult(StepText{}, FAILED, time.Now(), 0, errors.New("x")))
	fr.AddScenario(bad)
	sr.AddFeature(fr)

	assert.Equal(t, 1, sr.ExitCode())
}
