package perf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPipelineIsASingleton(t *testing.T) {
	a := NewPipeline()
	b := NewPipeline()
	assert.Same(t, a, b, "repeated construction must not re-register prometheus collectors")
}

func TestEventNameFormatsMethodAndURL(t *testing.T) {
	p := NewPipeline()
	assert.Equal(t, "GET http://x/y", p.EventName("GET", "http://x/y"))
}

func TestReportRecordsExactlyOneEventPerCall(t *testing.T) {
	p := NewPipeline()
	before := len(p.Events())

	p.Report(Event{Name: "GET /a", Method: "GET", URL: "/a", DurationNanos: 1_000_000})
	p.Report(Event{Name: "GET /b", Method: "GET", URL: "/b", DurationNanos: 2_000_000, FailureMessage: "boom"})

	after := p.Events()
	require.Len(t, after, before+2)
	assert.Equal(t, "GET /a", after[before].Name)
	assert.Equal(t, "boom", after[before+1].FailureMessage)
}
