// Package bridge implements the karate.* object exposed to scripts,
// per spec.md §6's "Exposed to scripts" table. Of this module's packages
// it imports only internal/value, plus the narrow ScenarioContext
// interface below, so internal/scenario can implement ScenarioContext
// and hand a Bridge to the engine without an import cycle.
package bridge

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/relaytest/karate-go/internal/value"
)

// HTTPRequest is the mutable request-builder state karate.http() returns
// to scripts; StepExecutor's HTTP-verb handling reads/writes it through
// the same accessor methods scripts use.
type HTTPRequest struct {
	Method  string
	URL     string
	Path    []string
	Params  map[string][]string
	Headers map[string][]string
	Body    interface{}
}

// HTTPResponse is what ScenarioContext.SendHTTP returns.
type HTTPResponse struct {
	Status  int
	Headers map[string][]string
	Body    interface{}
	Cookies map[string]string
}

// ScenarioContext is the subset of ScenarioRuntime the bridge needs:
// variable access, call/cache dispatch, HTTP transport, and the
// signal/listen rendezvous. internal/scenario.ScenarioRuntime implements
// this so bridge never imports internal/scenario.
type ScenarioContext interface {
	GetVar(name string) (value.Value, bool)
	SetVar(name string, v value.Value)

	Env() string
	Properties() map[string]string
	Tags() []string
	TagValues() map[string]string
	Info() map[string]interface{}
	ConfigSnapshot() map[string]interface{}

	Call(path string, arg value.Value) (value.Value, error)
	CallOnce(path string, arg value.Value) (value.Value, error)
	CallSingle(path string, arg value.Value) (value.Value, error)
	Setup(name string) (value.Value, error)
	SetupOnce(name string) (value.Value, error)

	SendHTTP(req *HTTPRequest) (*HTTPResponse, error)
	PrevRequest() *HTTPRequest

	Signal(v value.Value)
	Listen(timeoutMS int64) (value.Value, error)

	Abort()
	Fail(msg string)

	Read(path string) (value.Value, error)
}

// Bridge is the karate object; Bindings returns its methods as one map
// value that callers install as a root binding on an engine.Engine (see
// internal/engine).
type Bridge struct {
	ctx ScenarioContext
}

// New wraps ctx for binding into a script engine.
func New(ctx ScenarioContext) *Bridge {
	return &Bridge{ctx: ctx}
}

// Bindings returns the full karate.* surface as a value.Map, suitable
// for engine.PutRootBinding("karate", bridge.Bindings()).
func (b *Bridge) Bindings() value.Value {
	m := map[string]value.Value{
		"env":        value.Str(b.ctx.Env()),
		"properties": value.FromNative(b.ctx.Properties()),
		"tags":       value.FromNative(b.ctx.Tags()),
		"tagValues":  value.FromNative(b.ctx.TagValues()),
		"info":       value.FromNative(b.ctx.Info()),
		"config":     value.FromNative(b.ctx.ConfigSnapshot()),
		"os":         value.FromNative(osInfo()),
		"scenario":   value.FromNative(scenarioInfo(b.ctx.Info())),
		"feature":    value.FromNative(featureInfo(b.ctx.Info())),

		"http":       value.Fn(b.http),
		"read":       value.Fn(b.read),
		"call":       value.Fn(b.call),
		"callonce":   value.Fn(b.callonce),
		"callSingle": value.Fn(b.callSingle),
		"setup":      value.Fn(b.setup),
		"setupOnce":  value.Fn(b.setupOnce),

		"abort": value.Fn(b.abort),
		"fail":  value.Fn(b.fail),

		"match": value.Fn(b.match),

		"signal": value.Fn(b.signal),
		"listen": value.Fn(b.listen),

		"toJson":    value.Fn(b.toJSON),
		"fromJson":  value.Fn(b.fromJSON),
		"pretty":    value.Fn(b.pretty),
		"uuid":      value.Fn(b.uuidFn),
		"sizeOf":    value.Fn(b.sizeOf),
		"keysOf":    value.Fn(b.keysOf),
		"valuesOf":  value.Fn(b.valuesOf),
		"merge":     value.Fn(b.merge),
		"distinct":  value.Fn(b.distinct),
		"range":     value.Fn(b.rangeFn),
		"urlEncode": value.Fn(b.urlEncode),
		"urlDecode": value.Fn(b.urlDecode),
		"typeOf":    value.Fn(b.typeOf),
		"pause":     value.Fn(b.pause),
		"jsonPath":  value.Fn(b.jsonPath),
		"xmlPath":   value.Fn(b.xmlPath),
		"toCsv":     value.Fn(b.toCsv),

		"map":        value.Fn(b.mapFn),
		"filter":     value.Fn(b.filterFn),
		"forEach":    value.Fn(b.forEachFn),
		"sort":       value.Fn(b.sortFn),
		"repeat":     value.Fn(b.repeatFn),
		"append":     value.Fn(b.appendFn),
		"appendTo":   value.Fn(b.appendTo),
		"filterKeys": value.Fn(b.filterKeys),
		"mapWithKey": value.Fn(b.mapWithKey),
		"extract":    value.Fn(b.extract),
		"extractAll": value.Fn(b.extractAll),

		"waitForHttp": value.Fn(b.waitForHTTP),
		"waitForPort": value.Fn(b.waitForPort),
		"stop":        value.Fn(b.stop),

		"prevRequest": value.Fn(b.prevRequest),
	}
	return value.Map(m)
}

// osInfo backs the read-only karate.os accessor: type is one of
// "windows"/"mac"/"linux"/"unix" the way real Karate's OS helper
// classifies runtime.GOOS, name is the raw GOOS string.
func osInfo() map[string]interface{} {
	osType := "unix"
	switch runtime.GOOS {
	case "windows":
		osType = "windows"
	case "darwin":
		osType = "mac"
	case "linux":
		osType = "linux"
	}
	return map[string]interface{}{"type": osType, "name": runtime.GOOS, "arch": runtime.GOARCH}
}

func scenarioInfo(info map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{"name": info["scenarioName"]}
}

func featureInfo(info map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{"name": info["featureName"]}
}

func arg0(args []value.Value) value.Value {
	if len(args) == 0 {
		return value.Null
	}
	return args[0]
}

func (b *Bridge) http(args []value.Value) (value.Value, error) {
	req := &HTTPRequest{Method: "GET", Headers: map[string][]string{}, Params: map[string][]string{}}
	if len(args) > 0 && args[0].Kind == value.KindStr {
		req.URL = args[0].Str
	}
	return requestToValue(req), nil
}

func requestToValue(req *HTTPRequest) value.Value {
	return value.ForeignValue(req)
}

func (b *Bridge) read(args []value.Value) (value.Value, error) {
	if len(args) == 0 || args[0].Kind != value.KindStr {
		return value.Null, fmt.Errorf("read: expected a path string")
	}
	return b.ctx.Read(args[0].Str)
}

func (b *Bridge) call(args []value.Value) (value.Value, error) {
	if len(args) == 0 || args[0].Kind != value.KindStr {
		return value.Null, fmt.Errorf("call: expected a path string")
	}
	return b.ctx.Call(args[0].Str, arg0(args[1:]))
}

func (b *Bridge) callonce(args []value.Value) (value.Value, error) {
	if len(args) == 0 || args[0].Kind != value.KindStr {
		return value.Null, fmt.Errorf("callonce: expected a path string")
	}
	return b.ctx.CallOnce(args[0].Str, arg0(args[1:]))
}

func (b *Bridge) callSingle(args []value.Value) (value.Value, error) {
	if len(args) == 0 || args[0].Kind != value.KindStr {
		return value.Null, fmt.Errorf("callSingle: expected a path string")
	}
	return b.ctx.CallSingle(args[0].Str, arg0(args[1:]))
}

func (b *Bridge) setup(args []value.Value) (value.Value, error) {
	name := "__default__"
	if len(args) > 0 && args[0].Kind == value.KindStr {
		name = args[0].Str
	}
	return b.ctx.Setup(name)
}

func (b *Bridge) setupOnce(args []value.Value) (value.Value, error) {
	name := "__default__"
	if len(args) > 0 && args[0].Kind == value.KindStr {
		name = args[0].Str
	}
	return b.ctx.SetupOnce(name)
}

func (b *Bridge) abort([]value.Value) (value.Value, error) {
	b.ctx.Abort()
	return value.Null, nil
}

func (b *Bridge) fail(args []value.Value) (value.Value, error) {
	msg := ""
	if len(args) > 0 && args[0].Kind == value.KindStr {
		msg = args[0].Str
	}
	b.ctx.Fail(msg)
	return value.Null, nil
}

func (b *Bridge) signal(args []value.Value) (value.Value, error) {
	b.ctx.Signal(arg0(args))
	return value.Null, nil
}

func (b *Bridge) listen(args []value.Value) (value.Value, error) {
	timeout := int64(30_000)
	if len(args) > 0 {
		if n, ok := value.ToNative(args[0]).(float64); ok {
			timeout = int64(n)
		}
	}
	return b.ctx.Listen(timeout)
}

func (b *Bridge) prevRequest([]value.Value) (value.Value, error) {
	req := b.ctx.PrevRequest()
	if req == nil {
		return value.Null, nil
	}
	return requestToValue(req), nil
}

// match implements the v1 structural-equality match contract: returns a
// map {pass, message}. Fuzzy matchers (#string, #number, #uuid, ...) are
// recognized when the expected side is one of those marker strings.
func (b *Bridge) match(args []value.Value) (value.Value, error) {
	if len(args) < 2 {
		return value.Null, fmt.Errorf("match: expected (actual, expected)")
	}
	ok, msg := matchValues(args[0], args[1])
	return value.Map(map[string]value.Value{
		"pass":    value.Bool(ok),
		"message": value.Str(msg),
	}), nil
}

func matchValues(actual, expected value.Value) (bool, string) {
	if expected.Kind == value.KindStr && strings.HasPrefix(expected.Str, "#") {
		return matchMarker(actual, expected.Str)
	}
	if actual.Kind != expected.Kind {
		return false, fmt.Sprintf("type mismatch: actual is %s, expected %s", actual.Kind, expected.Kind)
	}
	switch actual.Kind {
	case value.KindMap:
		for k, ev := range expected.Map {
			av, ok := actual.Map[k]
			if !ok {
				return false, fmt.Sprintf("key %q not present in actual", k)
			}
			if ok, msg := matchValues(av, ev); !ok {
				return false, fmt.Sprintf("at key %q: %s", k, msg)
			}
		}
		return true, ""
	case value.KindList:
		if len(actual.List) != len(expected.List) {
			return false, fmt.Sprintf("list size mismatch: actual %d, expected %d", len(actual.List), len(expected.List))
		}
		for i := range expected.List {
			if ok, msg := matchValues(actual.List[i], expected.List[i]); !ok {
				return false, fmt.Sprintf("at index %d: %s", i, msg)
			}
		}
		return true, ""
	default:
		an, en := value.ToNative(actual), value.ToNative(expected)
		if fmt.Sprint(an) != fmt.Sprint(en) {
			return false, fmt.Sprintf("actual %v did not equal expected %v", an, en)
		}
		return true, ""
	}
}

func matchMarker(actual value.Value, marker string) (bool, string) {
	switch marker {
	case "#string":
		return actual.Kind == value.KindStr, "expected a string"
	case "#number":
		return actual.Kind == value.KindNum, "expected a number"
	case "#boolean":
		return actual.Kind == value.KindBool, "expected a boolean"
	case "#array":
		return actual.Kind == value.KindList, "expected an array"
	case "#object":
		return actual.Kind == value.KindMap, "expected an object"
	case "#null":
		return actual.Kind == value.KindNull, "expected null"
	case "#present":
		return actual.Kind != value.KindNull, "expected a present value"
	case "#notnull":
		return actual.Kind != value.KindNull, "expected a non-null value"
	case "#uuid":
		if actual.Kind != value.KindStr {
			return false, "expected a uuid string"
		}
		_, err := uuid.Parse(actual.Str)
		return err == nil, "expected a valid uuid"
	default:
		return false, fmt.Sprintf("unrecognized marker %q", marker)
	}
}

func (b *Bridge) toJSON(args []value.Value) (value.Value, error) {
	native := value.ToNative(arg0(args))
	buf, err := json.Marshal(native)
	if err != nil {
		return value.Null, err
	}
	return value.Str(string(buf)), nil
}

func (b *Bridge) fromJSON(args []value.Value) (value.Value, error) {
	if len(args) == 0 || args[0].Kind != value.KindStr {
		return value.Null, fmt.Errorf("fromJson: expected a json string")
	}
	var v interface{}
	if err := json.Unmarshal([]byte(args[0].Str), &v); err != nil {
		return value.Null, err
	}
	return value.FromNative(v), nil
}

func (b *Bridge) pretty(args []value.Value) (value.Value, error) {
	native := value.ToNative(arg0(args))
	buf, err := json.MarshalIndent(native, "", "  ")
	if err != nil {
		return value.Null, err
	}
	return value.Str(string(buf)), nil
}

func (b *Bridge) uuidFn([]value.Value) (value.Value, error) {
	return value.Str(uuid.NewString()), nil
}

func (b *Bridge) sizeOf(args []value.Value) (value.Value, error) {
	v := arg0(args)
	switch v.Kind {
	case value.KindList:
		return value.Num(float64(len(v.List))), nil
	case value.KindMap:
		return value.Num(float64(len(v.Map))), nil
	case value.KindStr:
		return value.Num(float64(len(v.Str))), nil
	default:
		return value.Num(0), nil
	}
}

func (b *Bridge) keysOf(args []value.Value) (value.Value, error) {
	v := arg0(args)
	if v.Kind != value.KindMap {
		return value.List(nil), fmt.Errorf("keysOf: expected an object")
	}
	keys := value.SortedKeys(v.Map)
	out := make([]value.Value, len(keys))
	for i, k := range keys {
		out[i] = value.Str(k)
	}
	return value.List(out), nil
}

func (b *Bridge) valuesOf(args []value.Value) (value.Value, error) {
	v := arg0(args)
	if v.Kind != value.KindMap {
		return value.List(nil), fmt.Errorf("valuesOf: expected an object")
	}
	keys := value.SortedKeys(v.Map)
	out := make([]value.Value, len(keys))
	for i, k := range keys {
		out[i] = v.Map[k]
	}
	return value.List(out), nil
}

func (b *Bridge) merge(args []value.Value) (value.Value, error) {
	out := map[string]value.Value{}
	for _, a := range args {
		if a.Kind != value.KindMap {
			continue
		}
		for k, v := range a.Map {
			out[k] = v
		}
	}
	return value.Map(out), nil
}

func (b *Bridge) distinct(args []value.Value) (value.Value, error) {
	v := arg0(args)
	if v.Kind != value.KindList {
		return value.List(nil), fmt.Errorf("distinct: expected an array")
	}
	seen := map[string]bool{}
	var out []value.Value
	for _, item := range v.List {
		key := fmt.Sprint(value.ToNative(item))
		if !seen[key] {
			seen[key] = true
			out = append(out, item)
		}
	}
	return value.List(out), nil
}

func (b *Bridge) rangeFn(args []value.Value) (value.Value, error) {
	if len(args) < 2 {
		return value.List(nil), fmt.Errorf("range: expected (start, end)")
	}
	start, _ := value.ToNative(args[0]).(float64)
	end, _ := value.ToNative(args[1]).(float64)
	var out []value.Value
	for n := start; n < end; n++ {
		out = append(out, value.Num(n))
	}
	return value.List(out), nil
}

func (b *Bridge) urlEncode(args []value.Value) (value.Value, error) {
	v := arg0(args)
	if v.Kind != value.KindStr {
		return value.Str(""), fmt.Errorf("urlEncode: expected a string")
	}
	return value.Str(url.QueryEscape(v.Str)), nil
}

func (b *Bridge) urlDecode(args []value.Value) (value.Value, error) {
	v := arg0(args)
	if v.Kind != value.KindStr {
		return value.Str(""), fmt.Errorf("urlDecode: expected a string")
	}
	s, err := url.QueryUnescape(v.Str)
	if err != nil {
		return value.Str(""), err
	}
	return value.Str(s), nil
}

func (b *Bridge) typeOf(args []value.Value) (value.Value, error) {
	return value.Str(arg0(args).Kind.String()), nil
}

func (b *Bridge) pause(args []value.Value) (value.Value, error) {
	ms, _ := value.ToNative(arg0(args)).(float64)
	time.Sleep(time.Duration(ms) * time.Millisecond)
	return value.Null, nil
}

// jsonPath resolves a minimal dot/bracket path ("$.a.b[0].c") against a
// map/list Value; sufficient for the common read-a-field case without
// pulling in a full JSONPath grammar.
func (b *Bridge) jsonPath(args []value.Value) (value.Value, error) {
	if len(args) < 2 || args[1].Kind != value.KindStr {
		return value.Null, fmt.Errorf("jsonPath: expected (value, path)")
	}
	return resolveJSONPath(args[0], args[1].Str)
}

func resolveJSONPath(v value.Value, path string) (value.Value, error) {
	path = strings.TrimPrefix(path, "$")
	path = strings.TrimPrefix(path, ".")
	if path == "" {
		return v, nil
	}
	segments := splitJSONPath(path)
	cur := v
	for _, seg := range segments {
		if idx, err := parseIndex(seg); err == nil {
			if cur.Kind != value.KindList || idx < 0 || idx >= len(cur.List) {
				return value.Null, fmt.Errorf("jsonPath: index %d out of range", idx)
			}
			cur = cur.List[idx]
			continue
		}
		if cur.Kind != value.KindMap {
			return value.Null, fmt.Errorf("jsonPath: cannot index non-object at %q", seg)
		}
		next, ok := cur.Map[seg]
		if !ok {
			return value.Null, fmt.Errorf("jsonPath: key %q not found", seg)
		}
		cur = next
	}
	return cur, nil
}

func splitJSONPath(path string) []string {
	path = strings.ReplaceAll(path, "[", ".")
	path = strings.ReplaceAll(path, "]", "")
	var out []string
	for _, seg := range strings.Split(path, ".") {
		if seg != "" {
			out = append(out, seg)
		}
	}
	return out
}

func parseIndex(seg string) (int, error) {
	var n int
	if _, err := fmt.Sscanf(seg, "%d", &n); err != nil {
		return 0, err
	}
	if fmt.Sprint(n) != seg {
		return 0, fmt.Errorf("not a plain index")
	}
	return n, nil
}

// xmlNode is the generic element tree xmlPath walks; grounded on the same
// map-of-children shape resolveJSONPath already navigates, so a caller can
// treat XML and JSON documents through one mental model.
type xmlNode struct {
	XMLName  xml.Name
	Attrs    []xml.Attr `xml:",any,attr"`
	Content  string     `xml:",chardata"`
	Children []xmlNode  `xml:",any"`
}

func (b *Bridge) xmlPath(args []value.Value) (value.Value, error) {
	if len(args) < 2 || args[0].Kind != value.KindStr || args[1].Kind != value.KindStr {
		return value.Null, fmt.Errorf("xmlPath: expected (xmlString, path)")
	}
	var root xmlNode
	if err := xml.Unmarshal([]byte(args[0].Str), &root); err != nil {
		return value.Null, fmt.Errorf("xmlPath: %w", err)
	}
	return resolveXMLPath(root, args[1].Str)
}

// resolveXMLPath supports a slash-separated element path with an optional
// trailing "/text()" (element text) or "/@attr" (attribute value) suffix,
// and "name[n]" to pick the nth same-named sibling (0-based).
func resolveXMLPath(root xmlNode, path string) (value.Value, error) {
	path = strings.TrimPrefix(path, "/")
	if path == "" || path == root.XMLName.Local {
		return xmlNodeToValue(root), nil
	}
	path = strings.TrimPrefix(path, root.XMLName.Local+"/")

	segments := strings.Split(path, "/")
	cur := root
	for i, seg := range segments {
		last := i == len(segments)-1
		if last && seg == "text()" {
			return value.Str(strings.TrimSpace(cur.Content)), nil
		}
		if last && strings.HasPrefix(seg, "@") {
			attr := strings.TrimPrefix(seg, "@")
			for _, a := range cur.Attrs {
				if a.Name.Local == attr {
					return value.Str(a.Value), nil
				}
			}
			return value.Null, fmt.Errorf("xmlPath: attribute %q not found", attr)
		}

		name, idx := seg, 0
		if open := strings.Index(seg, "["); open >= 0 && strings.HasSuffix(seg, "]") {
			name = seg[:open]
			idx, _ = strconv.Atoi(seg[open+1 : len(seg)-1])
		}
		match := -1
		count := 0
		for ci, child := range cur.Children {
			if child.XMLName.Local == name {
				if count == idx {
					match = ci
					break
				}
				count++
			}
		}
		if match < 0 {
			return value.Null, fmt.Errorf("xmlPath: element %q not found", name)
		}
		cur = cur.Children[match]
	}
	return xmlNodeToValue(cur), nil
}

func xmlNodeToValue(n xmlNode) value.Value {
	if len(n.Children) == 0 {
		return value.Str(strings.TrimSpace(n.Content))
	}
	m := map[string]value.Value{}
	for _, c := range n.Children {
		m[c.XMLName.Local] = xmlNodeToValue(c)
	}
	return value.Map(m)
}

// toCsv renders a list-of-maps Value as CSV: header row from the sorted
// union of keys of the first row, then one row per element.
func (b *Bridge) toCsv(args []value.Value) (value.Value, error) {
	v := arg0(args)
	if v.Kind != value.KindList {
		return value.Str(""), fmt.Errorf("toCsv: expected an array of objects")
	}
	var header []string
	if len(v.List) > 0 && v.List[0].Kind == value.KindMap {
		header = value.SortedKeys(v.List[0].Map)
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if len(header) > 0 {
		_ = w.Write(header)
	}
	for _, row := range v.List {
		if row.Kind != value.KindMap {
			continue
		}
		rec := make([]string, len(header))
		for i, k := range header {
			rec[i] = fmt.Sprint(value.ToNative(row.Map[k]))
		}
		_ = w.Write(rec)
	}
	w.Flush()
	return value.Str(buf.String()), nil
}

func callback(args []value.Value, idx int) (value.Callable, error) {
	if len(args) <= idx || args[idx].Kind != value.KindCallable {
		return nil, fmt.Errorf("expected a function argument")
	}
	return args[idx].Callable, nil
}

func (b *Bridge) mapFn(args []value.Value) (value.Value, error) {
	if len(args) < 2 || args[0].Kind != value.KindList {
		return value.Null, fmt.Errorf("map: expected (array, function)")
	}
	fn, err := callback(args, 1)
	if err != nil {
		return value.Null, fmt.Errorf("map: %w", err)
	}
	out := make([]value.Value, len(args[0].List))
	for i, item := range args[0].List {
		res, err := fn([]value.Value{item, value.Num(float64(i))})
		if err != nil {
			return value.Null, err
		}
		out[i] = res
	}
	return value.List(out), nil
}

func (b *Bridge) filterFn(args []value.Value) (value.Value, error) {
	if len(args) < 2 || args[0].Kind != value.KindList {
		return value.Null, fmt.Errorf("filter: expected (array, function)")
	}
	fn, err := callback(args, 1)
	if err != nil {
		return value.Null, fmt.Errorf("filter: %w", err)
	}
	var out []value.Value
	for i, item := range args[0].List {
		res, err := fn([]value.Value{item, value.Num(float64(i))})
		if err != nil {
			return value.Null, err
		}
		if truthy(res) {
			out = append(out, item)
		}
	}
	return value.List(out), nil
}

func (b *Bridge) forEachFn(args []value.Value) (value.Value, error) {
	if len(args) < 2 || args[0].Kind != value.KindList {
		return value.Null, fmt.Errorf("forEach: expected (array, function)")
	}
	fn, err := callback(args, 1)
	if err != nil {
		return value.Null, fmt.Errorf("forEach: %w", err)
	}
	for i, item := range args[0].List {
		if _, err := fn([]value.Value{item, value.Num(float64(i))}); err != nil {
			return value.Null, err
		}
	}
	return value.Null, nil
}

// sortFn sorts a copy of the list. Without a function it compares elements
// directly; with one, the function is a per-item key extractor (not a
// comparator), matching Karate's sort(list, fn) contract.
func (b *Bridge) sortFn(args []value.Value) (value.Value, error) {
	if len(args) < 1 || args[0].Kind != value.KindList {
		return value.Null, fmt.Errorf("sort: expected an array")
	}
	src := args[0].List
	out := make([]value.Value, len(src))
	copy(out, src)

	var fn value.Callable
	if len(args) > 1 && args[1].Kind == value.KindCallable {
		fn = args[1].Callable
	}

	keys := make([]value.Value, len(out))
	for i, item := range out {
		if fn == nil {
			keys[i] = item
			continue
		}
		k, err := fn([]value.Value{item, value.Num(float64(i))})
		if err != nil {
			return value.Null, err
		}
		keys[i] = k
	}

	sort.SliceStable(out, func(i, j int) bool {
		return compareValues(keys[i], keys[j]) < 0
	})
	return value.List(out), nil
}

func compareValues(a, b value.Value) int {
	an, bn := value.ToNative(a), value.ToNative(b)
	if af, ok := an.(float64); ok {
		if bf, ok := bn.(float64); ok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			default:
				return 0
			}
		}
	}
	as, bs := fmt.Sprint(an), fmt.Sprint(bn)
	return strings.Compare(as, bs)
}

func (b *Bridge) repeatFn(args []value.Value) (value.Value, error) {
	if len(args) < 2 {
		return value.Null, fmt.Errorf("repeat: expected (count, function)")
	}
	n, _ := value.ToNative(args[0]).(float64)
	fn, err := callback(args, 1)
	if err != nil {
		return value.Null, fmt.Errorf("repeat: %w", err)
	}
	out := make([]value.Value, 0, int(n))
	for i := 0; i < int(n); i++ {
		res, err := fn([]value.Value{value.Num(float64(i))})
		if err != nil {
			return value.Null, err
		}
		out = append(out, res)
	}
	return value.List(out), nil
}

// appendFn concatenates items onto list; an item that is itself an array
// is spread in, matching Karate's append(list, ...) combine-arrays rule.
func (b *Bridge) appendFn(args []value.Value) (value.Value, error) {
	if len(args) < 1 || args[0].Kind != value.KindList {
		return value.Null, fmt.Errorf("append: expected an array")
	}
	out := make([]value.Value, len(args[0].List))
	copy(out, args[0].List)
	for _, item := range args[1:] {
		if item.Kind == value.KindList {
			out = append(out, item.List...)
		} else {
			out = append(out, item)
		}
	}
	return value.List(out), nil
}

// appendTo mutates the named scenario variable in place the way Karate's
// appendTo(varName, ...) does, rather than returning a new array.
func (b *Bridge) appendTo(args []value.Value) (value.Value, error) {
	if len(args) < 1 || args[0].Kind != value.KindStr {
		return value.Null, fmt.Errorf("appendTo: expected a variable name")
	}
	name := args[0].Str
	cur, ok := b.ctx.GetVar(name)
	if !ok || cur.Kind != value.KindList {
		cur = value.List(nil)
	}
	updated, err := b.appendFn(append([]value.Value{cur}, args[1:]...))
	if err != nil {
		return value.Null, err
	}
	b.ctx.SetVar(name, updated)
	return updated, nil
}

// filterKeys returns a new object containing only the named keys; keys may
// be given as individual string args or as a single array of strings.
func (b *Bridge) filterKeys(args []value.Value) (value.Value, error) {
	if len(args) < 1 || args[0].Kind != value.KindMap {
		return value.Null, fmt.Errorf("filterKeys: expected an object")
	}
	var keys []string
	rest := args[1:]
	if len(rest) == 1 && rest[0].Kind == value.KindList {
		for _, k := range rest[0].List {
			if k.Kind == value.KindStr {
				keys = append(keys, k.Str)
			}
		}
	} else {
		for _, k := range rest {
			if k.Kind == value.KindStr {
				keys = append(keys, k.Str)
			}
		}
	}
	out := map[string]value.Value{}
	for _, k := range keys {
		if v, ok := args[0].Map[k]; ok {
			out[k] = v
		}
	}
	return value.Map(out), nil
}

// mapWithKey turns a list of scalars into a list of single-key objects,
// e.g. mapWithKey(['a','b'], 'name') -> [{name:'a'},{name:'b'}].
func (b *Bridge) mapWithKey(args []value.Value) (value.Value, error) {
	if len(args) < 2 || args[0].Kind != value.KindList || args[1].Kind != value.KindStr {
		return value.Null, fmt.Errorf("mapWithKey: expected (array, key)")
	}
	key := args[1].Str
	out := make([]value.Value, len(args[0].List))
	for i, item := range args[0].List {
		out[i] = value.Map(map[string]value.Value{key: item})
	}
	return value.List(out), nil
}

func (b *Bridge) extract(args []value.Value) (value.Value, error) {
	m, err := matchRegex(args)
	if err != nil {
		return value.Null, fmt.Errorf("extract: %w", err)
	}
	if len(m) == 0 {
		return value.Null, nil
	}
	return value.Str(m[0][groupIndex(args)]), nil
}

func (b *Bridge) extractAll(args []value.Value) (value.Value, error) {
	matches, err := matchRegex(args)
	if err != nil {
		return value.Null, fmt.Errorf("extractAll: %w", err)
	}
	group := groupIndex(args)
	out := make([]value.Value, len(matches))
	for i, m := range matches {
		out[i] = value.Str(m[group])
	}
	return value.List(out), nil
}

func groupIndex(args []value.Value) int {
	if len(args) > 2 {
		if n, ok := value.ToNative(args[2]).(float64); ok {
			return int(n)
		}
	}
	return 0
}

func matchRegex(args []value.Value) ([][]string, error) {
	if len(args) < 2 || args[0].Kind != value.KindStr || args[1].Kind != value.KindStr {
		return nil, fmt.Errorf("expected (text, pattern, group?)")
	}
	re, err := regexp.Compile(args[1].Str)
	if err != nil {
		return nil, err
	}
	return re.FindAllStringSubmatch(args[0].Str, -1), nil
}

func truthy(v value.Value) bool {
	switch v.Kind {
	case value.KindBool:
		return v.Bool
	case value.KindNull:
		return false
	case value.KindNum:
		return v.Num != 0
	case value.KindStr:
		return v.Str != ""
	default:
		return true
	}
}

// waitForHTTP polls url with a plain GET until any response comes back
// (suspension point per spec's blocking-operations list), or times out.
func (b *Bridge) waitForHTTP(args []value.Value) (value.Value, error) {
	if len(args) < 1 || args[0].Kind != value.KindStr {
		return value.Bool(false), fmt.Errorf("waitForHttp: expected a url")
	}
	timeout := 30 * time.Second
	if len(args) > 1 {
		if ms, ok := value.ToNative(args[1]).(float64); ok {
			timeout = time.Duration(ms) * time.Millisecond
		}
	}
	deadline := time.Now().Add(timeout)
	client := &http.Client{Timeout: 2 * time.Second}
	for {
		resp, err := client.Get(args[0].Str)
		if err == nil {
			resp.Body.Close()
			return value.Bool(true), nil
		}
		if time.Now().After(deadline) {
			return value.Bool(false), fmt.Errorf("waitForHttp: timed out waiting for %s", args[0].Str)
		}
		time.Sleep(200 * time.Millisecond)
	}
}

// waitForPort polls a TCP dial to host:port until it succeeds or times out.
func (b *Bridge) waitForPort(args []value.Value) (value.Value, error) {
	if len(args) < 2 || args[0].Kind != value.KindStr {
		return value.Bool(false), fmt.Errorf("waitForPort: expected (host, port)")
	}
	port, _ := value.ToNative(args[1]).(float64)
	addr := net.JoinHostPort(args[0].Str, strconv.Itoa(int(port)))

	timeout := 30 * time.Second
	if len(args) > 2 {
		if ms, ok := value.ToNative(args[2]).(float64); ok {
			timeout = time.Duration(ms) * time.Millisecond
		}
	}
	deadline := time.Now().Add(timeout)
	for {
		conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
		if err == nil {
			conn.Close()
			return value.Bool(true), nil
		}
		if time.Now().After(deadline) {
			return value.Bool(false), fmt.Errorf("waitForPort: timed out waiting for %s", addr)
		}
		time.Sleep(200 * time.Millisecond)
	}
}

// stop is a documented no-op: it mirrors Karate's karate.stop(port) for
// shutting down an embedded mock server, but this tree never starts one
// (the mock server is an external collaborator, not part of the core
// execution engine), so there is nothing to stop.
func (b *Bridge) stop(args []value.Value) (value.Value, error) {
	return value.Null, nil
}
