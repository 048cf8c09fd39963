// Package report implements the NDJSON line-protocol writer from
// spec.md §6's persisted state layout: karate-results.ndjson, one JSON
// object per line, one of three kinds (suite/feature/suite_end).
//
// NDJSONWriter is a listener.ResultListener so it plugs into
// internal/listener's fan-out bus directly: cmd/karate registers one
// against the suite's Bus rather than internal/suite knowing anything
// about file formats.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/relaytest/karate-go/internal/listener"
	"github.com/relaytest/karate-go/internal/result"
)

// line is one JSON object per output line: the "t" kind key and the
// kind-specific keys sit side by side at the top level (there is no
// "data" wrapper); only "counts" is a nested object.
type line map[string]interface{}

// NDJSONWriter writes one line per suite-start, feature-end, and
// suite-end event. Writes are unbuffered (no bufio.Writer in front of
// w) and mutex-serialized so concurrent feature completions never
// interleave partial lines, and so a `tail -f` reader sees each line as
// soon as it is written rather than waiting on an internal buffer.
type NDJSONWriter struct {
	mu sync.Mutex
	w  io.Writer
	c  io.Closer
}

// NewNDJSONWriter wraps an already-open writer. Use Create for the
// common case of writing to a path under the configured output dir.
func NewNDJSONWriter(w io.Writer) *NDJSONWriter {
	return &NDJSONWriter{w: w}
}

// Create opens (or truncates) path for writing and returns a writer
// that owns the file; call Close when the run is done.
func Create(path string) (*NDJSONWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("report: creating %s: %w", path, err)
	}
	return &NDJSONWriter{w: f, c: f}, nil
}

// Close releases the underlying file, if this writer opened one.
func (n *NDJSONWriter) Close() error {
	if n.c == nil {
		return nil
	}
	return n.c.Close()
}

func (n *NDJSONWriter) writeLine(l line) {
	b, err := json.Marshal(l)
	if err != nil {
		// A line kind built entirely from this package's own types should
		// always be marshalable; surface the failure loudly rather than
		// silently dropping a line from the stream.
		fmt.Fprintf(os.Stderr, "report: marshaling ndjson line: %v\n", err)
		return
	}
	b = append(b, '\n')

	n.mu.Lock()
	defer n.mu.Unlock()
	if _, err := n.w.Write(b); err != nil {
		fmt.Fprintf(os.Stderr, "report: writing ndjson line: %v\n", err)
	}
}

// OnSuiteStart writes the "suite" line.
func (n *NDJSONWriter) OnSuiteStart(s *result.SuiteResult) {
	n.writeLine(line{
		"t":         "suite",
		"runId":     s.RunID,
		"startedAt": s.StartedAt.Format(time.RFC3339Nano),
	})
}

// OnFeatureEnd writes the "feature" line. Flushed immediately (no
// end-of-run buffering) so progress is visible mid-run.
func (n *NDJSONWriter) OnFeatureEnd(f *result.FeatureResult) {
	passed, failed, total := f.Counts()
	n.writeLine(line{
		"t":        "feature",
		"resource": f.Resource,
		"name":     f.Name,
		"passed":   f.Passed(),
		"counts": line{
			"passed": passed,
			"failed": failed,
			"total":  total,
		},
	})
}

// OnSuiteEnd writes the "suite_end" line.
func (n *NDJSONWriter) OnSuiteEnd(s *result.SuiteResult) {
	passed, failed, total := s.Counts()
	n.writeLine(line{
		"t":          "suite_end",
		"runId":      s.RunID,
		"passed":     s.Passed(),
		"exitCode":   s.ExitCode(),
		"durationMs": s.Duration().Milliseconds(),
		"counts": line{
			"passed": passed,
			"failed": failed,
			"total":  total,
		},
	})
}

// OnScenario is a no-op: spec.md §6 names exactly three NDJSON line
// kinds, and scenario-level detail is carried by the HTML/JSON report
// renderers that are out of scope per spec.md §1.
func (n *NDJSONWriter) OnScenario(listener.ScenarioEvent) {}

var _ listener.ResultListener = (*NDJSONWriter)(nil)
