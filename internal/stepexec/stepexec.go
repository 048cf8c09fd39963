// Package stepexec implements StepExecutor from spec.md §4.6: dispatch
// of one parsed gherkin.Step against a running scenario. Every step form
// reduces to "evaluate some JavaScript against the scenario's engine,
// then apply a well-known side effect" — the same shape a thin Gherkin
// step-definition layer has in the teacher's codebase wherever it glues
// declarative config to imperative Go (internal/config's mapstructure
// tags driving typed field assignment is the nearest teacher analogue:
// a fixed vocabulary of keys each routed to one handler).
package stepexec

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/relaytest/karate-go/internal/bridge"
	"github.com/relaytest/karate-go/internal/engine"
	"github.com/relaytest/karate-go/internal/gherkin"
	"github.com/relaytest/karate-go/internal/result"
	"github.com/relaytest/karate-go/internal/value"
)

// Runtime is the subset of ScenarioRuntime StepExecutor needs beyond
// the engine itself: variable get/set and the pending HTTP request
// under construction.
type Runtime interface {
	Engine() engine.Engine
	GetVar(name string) (value.Value, bool)
	SetVar(name string, v value.Value)

	PendingRequest() *bridge.HTTPRequest
	SetPendingRequest(*bridge.HTTPRequest)
	SendHTTP(req *bridge.HTTPRequest) (*bridge.HTTPResponse, error)

	Configure(key string, val interface{}) (bool, error)
	RebuildTransport() error
}

// Execute dispatches one step, always returning a StepResult (invariant:
// every step produces exactly one). Its Err is non-nil when the step
// failed; the caller (ScenarioRuntime) is responsible for the
// continueOnStepFailure gate and SKIPPED propagation.
func Execute(rt Runtime, step gherkin.Step) *result.StepResult {
	start := time.Now()
	text := strings.TrimSpace(step.Text)

	status, stepErr := dispatch(rt, text, step)

	sr := result.NewStepResult(
		result.StepText{Keyword: string(step.Keyword), Text: step.Text, Line: step.Line},
		status, start, time.Since(start), stepErr,
	)
	return sr
}

func dispatch(rt Runtime, text string, step gherkin.Step) (result.Status, error) {
	verb, rest := splitVerb(text)

	var err error
	switch verb {
	case "def":
		err = execDef(rt, rest)
	case "match":
		err = execMatch(rt, rest)
	case "configure":
		err = execConfigure(rt, rest)
	case "print":
		err = execPrint(rt, rest)
	case "url":
		err = execURL(rt, rest)
	case "path":
		err = execPath(rt, rest)
	case "param":
		err = execParam(rt, rest)
	case "header":
		err = execHeader(rt, rest)
	case "request":
		err = execRequestBody(rt, rest, step)
	case "method":
		err = execMethod(rt, rest)
	case "status":
		err = execStatus(rt, rest)
	case "sleep":
		err = execSleep(rt, rest)
	case "call", "callonce":
		err = execCall(rt, verb, rest)
	default:
		// Unrecognized verbs are evaluated as bare expressions for their
		// side effects (e.g. "karate.signal(...)").
		_, err = rt.Engine().Eval(text)
	}

	if err != nil {
		return result.FAILED, err
	}
	return result.PASSED, nil
}

func splitVerb(text string) (verb, rest string) {
	i := strings.IndexAny(text, " \t")
	if i < 0 {
		return text, ""
	}
	return text[:i], strings.TrimSpace(text[i+1:])
}

func execDef(rt Runtime, rest string) error {
	name, expr, ok := strings.Cut(rest, "=")
	if !ok {
		return fmt.Errorf("def: expected '<name> = <expr>', got %q", rest)
	}
	name = strings.TrimSpace(name)
	v, err := rt.Engine().Eval(strings.TrimSpace(expr))
	if err != nil {
		return fmt.Errorf("def %s: %w", name, err)
	}
	rt.SetVar(name, v)
	return nil
}

func execMatch(rt Runtime, rest string) error {
	lhs, rhs, ok := strings.Cut(rest, "==")
	if !ok {
		// "match <expr>" with no comparator: fails only when <expr> is the
		// boolean false; any other value passes.
		v, err := rt.Engine().Eval(rest)
		if err != nil {
			return err
		}
		if v.Kind == value.KindBool && !v.Bool {
			return fmt.Errorf("match failed: %s is false", rest)
		}
		return nil
	}

	actual, err := rt.Engine().Eval(strings.TrimSpace(lhs))
	if err != nil {
		return fmt.Errorf("match: evaluating actual %q: %w", lhs, err)
	}
	expected, err := rt.Engine().Eval(strings.TrimSpace(rhs))
	if err != nil {
		return fmt.Errorf("match: evaluating expected %q: %w", rhs, err)
	}

	matchFn, err := rt.Engine().Eval("karate.match")
	if err != nil || matchFn.Kind != value.KindCallable {
		return fmt.Errorf("match: karate.match is not bound")
	}
	res, err := matchFn.Callable([]value.Value{actual, expected})
	if err != nil {
		return err
	}
	if !res.Map["pass"].Bool {
		return fmt.Errorf("match failed: %s", res.Map["message"].Str)
	}
	return nil
}

func execConfigure(rt Runtime, rest string) error {
	key, expr, ok := strings.Cut(rest, "=")
	if !ok {
		return fmt.Errorf("configure: expected '<key> = <value>', got %q", rest)
	}
	key = strings.TrimSpace(key)
	v, err := rt.Engine().Eval(strings.TrimSpace(expr))
	if err != nil {
		return err
	}
	needsRebuild, err := rt.Configure(key, value.ToNative(v))
	if err != nil {
		return err
	}
	if needsRebuild {
		return rt.RebuildTransport()
	}
	return nil
}

func execPrint(rt Runtime, rest string) error {
	_, err := rt.Engine().Eval(rest)
	return err
}

func execURL(rt Runtime, rest string) error {
	v, err := rt.Engine().Eval(rest)
	if err != nil {
		return err
	}
	req := rt.PendingRequest()
	if req == nil {
		req = &bridge.HTTPRequest{Method: "GET", Headers: map[string][]string{}, Params: map[string][]string{}}
	}
	req.URL = value.ToNative(v).(string)
	rt.SetPendingRequest(req)
	return nil
}

func execPath(rt Runtime, rest string) error {
	req := rt.PendingRequest()
	if req == nil {
		return fmt.Errorf("path: no url set yet")
	}
	for _, part := range strings.Split(rest, ",") {
		v, err := rt.Engine().Eval(strings.TrimSpace(part))
		if err != nil {
			return err
		}
		req.Path = append(req.Path, fmt.Sprint(value.ToNative(v)))
	}
	rt.SetPendingRequest(req)
	return nil
}

func execParam(rt Runtime, rest string) error {
	name, expr, ok := strings.Cut(rest, "=")
	if !ok {
		return fmt.Errorf("param: expected '<name> = <value>'")
	}
	req := rt.PendingRequest()
	if req == nil {
		return fmt.Errorf("param: no url set yet")
	}
	v, err := rt.Engine().Eval(strings.TrimSpace(expr))
	if err != nil {
		return err
	}
	name = strings.TrimSpace(name)
	req.Params[name] = append(req.Params[name], fmt.Sprint(value.ToNative(v)))
	rt.SetPendingRequest(req)
	return nil
}

func execHeader(rt Runtime, rest string) error {
	name, expr, ok := strings.Cut(rest, "=")
	if !ok {
		return fmt.Errorf("header: expected '<name> = <value>'")
	}
	req := rt.PendingRequest()
	if req == nil {
		req = &bridge.HTTPRequest{Method: "GET", Headers: map[string][]string{}, Params: map[string][]string{}}
	}
	v, err := rt.Engine().Eval(strings.TrimSpace(expr))
	if err != nil {
		return err
	}
	name = strings.TrimSpace(name)
	req.Headers[name] = append(req.Headers[name], fmt.Sprint(value.ToNative(v)))
	rt.SetPendingRequest(req)
	return nil
}

func execRequestBody(rt Runtime, rest string, step gherkin.Step) error {
	expr := rest
	if expr == "" && step.Docstring != "" {
		expr = step.Docstring
	}
	v, err := rt.Engine().Eval(expr)
	if err != nil {
		return err
	}
	req := rt.PendingRequest()
	if req == nil {
		req = &bridge.HTTPRequest{Method: "GET", Headers: map[string][]string{}, Params: map[string][]string{}}
	}
	req.Body = value.ToNative(v)
	rt.SetPendingRequest(req)
	return nil
}

func execMethod(rt Runtime, rest string) error {
	req := rt.PendingRequest()
	if req == nil {
		return fmt.Errorf("method: no url set yet")
	}
	req.Method = strings.ToUpper(strings.TrimSpace(rest))

	resp, err := rt.SendHTTP(req)
	if err != nil {
		return err
	}
	rt.SetVar("response", value.FromNative(resp.Body))
	rt.SetVar("responseStatus", value.Num(float64(resp.Status)))
	rt.SetVar("responseHeaders", value.FromNative(headerMapToNative(resp.Headers)))
	rt.SetPendingRequest(nil)
	return nil
}

func headerMapToNative(h map[string][]string) map[string]interface{} {
	out := make(map[string]interface{}, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

func execStatus(rt Runtime, rest string) error {
	want, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil {
		return fmt.Errorf("status: %q is not a status code", rest)
	}
	gotVal, ok := rt.GetVar("responseStatus")
	if !ok {
		return fmt.Errorf("status: no response received yet")
	}
	got := int(gotVal.Num)
	if got != want {
		return fmt.Errorf("status code was %d, expected %d", got, want)
	}
	return nil
}

func execSleep(rt Runtime, rest string) error {
	v, err := rt.Engine().Eval(rest)
	if err != nil {
		return err
	}
	ms, _ := value.ToNative(v).(float64)
	time.Sleep(time.Duration(ms) * time.Millisecond)
	return nil
}

func execCall(rt Runtime, verb, rest string) error {
	v, err := rt.Engine().Eval(fmt.Sprintf("karate.%s(%s)", verb, rest))
	if err != nil {
		return err
	}
	if v.Kind == value.KindMap {
		for k, fv := range v.Map {
			rt.SetVar(k, fv)
		}
	}
	return nil
}
