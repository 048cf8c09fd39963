// Package feature implements FeatureRuntime from spec.md §4.4: lazy
// outline expansion, tag-based scenario selection, feature-scoped
// call/setup caching, and running a feature's scenarios in source order
// so later scenarios inherit variables from the one before them.
//
// Grounded on the teacher's request-handling iterator shape generalized
// one level up from internal/scenario: where ScenarioRuntime drives one
// scenario's steps, Runtime here drives one feature's scenarios,
// constructing a fresh scenario.Runtime per emitted Scenario and chaining
// its result into the next (spec.md §9: "new FeatureRuntime per call with
// deep copies for cache values" is the acyclic-call discipline this
// package's CallFeature/RunSetup implement).
package feature

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/relaytest/karate-go/internal/callcache"
	"github.com/relaytest/karate-go/internal/driver"
	"github.com/relaytest/karate-go/internal/engine"
	"github.com/relaytest/karate-go/internal/gherkin"
	"github.com/relaytest/karate-go/internal/listener"
	"github.com/relaytest/karate-go/internal/perf"
	"github.com/relaytest/karate-go/internal/result"
	"github.com/relaytest/karate-go/internal/runtimeconfig"
	"github.com/relaytest/karate-go/internal/scenario"
	"github.com/relaytest/karate-go/internal/scenariolock"
	"github.com/relaytest/karate-go/internal/value"
)

// Loader resolves a feature file path into a parsed Feature. Suite's
// on-disk loader and any test double both satisfy this.
type Loader interface {
	LoadFeature(path string) (*gherkin.Feature, error)
}

// DerivedScenario is one emission of the outline-expansion state machine:
// a plain scenario (ExampleIndex == -1) or one row of one Examples table.
type DerivedScenario struct {
	Section      *gherkin.Section
	ExampleIndex int
	ExampleData  map[string]string
	Tags         []gherkin.Tag
}

// Options configures a Runtime for one Feature. Fields left nil fall back
// to the same harmless defaults scenario.Options uses.
type Options struct {
	Feature     *gherkin.Feature
	TagSelector string

	EngineFactory engine.Factory
	BaseConfig    *runtimeconfig.RuntimeConfig

	Env        string
	Properties map[string]string

	LockManager *scenariolock.Manager
	Listeners   *listener.Bus
	PerfHook    perf.Hook
	SuiteCache  *callcache.Single

	Loader Loader

	ThreadName    string
	InheritedVars map[string]value.Value
}

// Runtime drives one Feature: scenario iteration, outline expansion,
// tag selection, and the feature-scoped callonce/setuponce caches backed
// by its FeatureResult.
type Runtime struct {
	opts Options
	fr   *result.FeatureResult

	lastVars map[string]value.Value
}

// New builds a Runtime for opts.Feature. Returns an error only if Feature
// is nil, since every other field has a safe default.
func New(opts Options) (*Runtime, error) {
	if opts.Feature == nil {
		return nil, fmt.Errorf("feature: Options.Feature is required")
	}
	if opts.Loader == nil {
		opts.Loader = DiskLoader{}
	}
	return &Runtime{
		opts: opts,
		fr:   result.NewFeatureResult(opts.Feature.Resource, opts.Feature.Name),
		lastVars: opts.InheritedVars,
	}, nil
}

// FeatureResult exposes the result tree Runtime is writing into, for a
// Suite dispatcher to add to its SuiteResult once RunAll returns.
func (r *Runtime) FeatureResult() *result.FeatureResult { return r.fr }

// Vars returns the variable snapshot left by the last scenario this
// Runtime executed (feature.go's "track the last-executed scenario for
// variable inheritance" responsibility from spec.md §4.4).
func (r *Runtime) Vars() map[string]value.Value { return r.lastVars }

// iterator walks (sectionIndex, tableIndex, rowIndex) per spec.md §4.4's
// state machine, yielding only scenarios shouldSelect accepts.
type iterator struct {
	feature *gherkin.Feature
	filter  string

	sectionIndex int
	tableIndex   int
	rowIndex     int
}

func newIterator(f *gherkin.Feature, tagSelector string) *iterator {
	return &iterator{feature: f, filter: tagSelector}
}

// Next advances the state machine, returning the next selected scenario
// or (nil, false) once every section has been visited.
func (it *iterator) Next() (*DerivedScenario, bool) {
	for it.sectionIndex < len(it.feature.Sections) {
		section := &it.feature.Sections[it.sectionIndex]

		if !section.IsOutline {
			it.sectionIndex++
			tags := mergeTags(it.feature.Tags, section.Tags)
			if shouldSelect(tags, it.filter) {
				return &DerivedScenario{Section: section, ExampleIndex: -1, Tags: tags}, true
			}
			continue
		}

		if it.tableIndex >= len(section.Examples) {
			it.sectionIndex++
			it.tableIndex = 0
			it.rowIndex = 0
			continue
		}
		table := &section.Examples[it.tableIndex]
		if it.rowIndex >= len(table.Rows) {
			it.tableIndex++
			it.rowIndex = 0
			continue
		}

		row := it.rowIndex
		it.rowIndex++
		tags := mergeTags(it.feature.Tags, section.Tags, table.Tags)
		if !shouldSelect(tags, it.filter) {
			continue
		}
		return &DerivedScenario{
			Section:      section,
			ExampleIndex: row,
			ExampleData:  table.RowMap(row),
			Tags:         tags,
		}, true
	}
	return nil, false
}

func mergeTags(groups ...[]gherkin.Tag) []gherkin.Tag {
	var out []gherkin.Tag
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

// shouldSelect implements spec.md §4.4's tag filter: drop on @ignore,
// else evaluate the CSV selector grammar (plain clauses OR together,
// "~"-prefixed clauses are hard excludes, "@name=value" matches name and
// value together). An empty selector selects everything not @ignore'd —
// this resolves spec.md §4.4 Open Question (a) by choosing one concrete
// grammar rather than replicating the source's ambiguity.
func shouldSelect(tags []gherkin.Tag, selector string) bool {
	for _, t := range tags {
		// @setup scenarios only run when explicitly invoked via
		// karate.setup()/setupOnce(), never as part of normal iteration.
		if t.Name == "ignore" || t.Name == "setup" {
			return false
		}
	}

	clauses := splitSelector(selector)
	if len(clauses) == 0 {
		return true
	}

	matched := false
	hasPositive := false
	for _, clause := range clauses {
		negate := strings.HasPrefix(clause, "~")
		name := strings.TrimPrefix(clause, "~")
		name = strings.TrimPrefix(name, "@")

		var wantValue string
		hasValue := false
		if i := strings.Index(name, "="); i >= 0 {
			wantValue = name[i+1:]
			name = name[:i]
			hasValue = true
		}

		hit := tagMatches(tags, name, wantValue, hasValue)

		if negate {
			if hit {
				return false
			}
			continue
		}
		hasPositive = true
		if hit {
			matched = true
		}
	}

	if !hasPositive {
		return true
	}
	return matched
}

func tagMatches(tags []gherkin.Tag, name, value string, hasValue bool) bool {
	for _, t := range tags {
		if t.Name != name {
			continue
		}
		if !hasValue {
			return true
		}
		if t.Value == value {
			return true
		}
	}
	return false
}

func splitSelector(selector string) []string {
	var out []string
	for _, part := range strings.Split(selector, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// RunAll executes every selected scenario of the feature in source order,
// chaining each scenario's final variables into the next one's
// inherited set, and returns the accumulated FeatureResult. Scenarios run
// sequentially within one feature so variable inheritance and
// last-executed-scenario tracking (spec.md §4.4) stay well defined; a
// Suite parallelizes across features, not within one.
func (r *Runtime) RunAll(ctx context.Context) (*result.FeatureResult, error) {
	it := newIterator(r.opts.Feature, r.opts.TagSelector)
	call := r.newCaller()

	for {
		ds, ok := it.Next()
		if !ok {
			break
		}

		sr, err := r.runOne(ctx, ds, call)
		if err != nil {
			return r.fr, err
		}
		r.fr.AddScenario(sr)
	}

	return r.fr, nil
}

func (r *Runtime) runOne(ctx context.Context, ds *DerivedScenario, call *caller) (*result.ScenarioResult, error) {
	sc, err := scenario.New(scenario.Options{
		FeatureName:   r.opts.Feature.Name,
		Resource:      r.opts.Feature.Resource,
		EngineFactory: r.opts.EngineFactory,
		BaseConfig:    r.opts.BaseConfig,
		Env:           r.opts.Env,
		Properties:    r.opts.Properties,
		FeatureResult: r.fr,
		LockManager:   r.opts.LockManager,
		Listeners:     r.opts.Listeners,
		PerfHook:      r.opts.PerfHook,
		SuiteCache:    r.opts.SuiteCache,
		FeatureCaller: call,
		SetupRunner:   call,
		InheritedVars: r.lastVars,
		InheritedDriver: driver.Scenario(driver.New()),
	})
	if err != nil {
		return nil, err
	}

	// Run's @fail/@lock handling reads section.Tags directly, so hand it
	// a section carrying the effective (feature ∪ scenario ∪ table) tag
	// set rather than recomputing a separate notion of "effective tags"
	// a second time.
	effective := *ds.Section
	effective.Tags = ds.Tags
	sres := sc.Run(ctx, r.opts.Feature.Background, &effective, ds.ExampleIndex, ds.ExampleData, r.opts.ThreadName)
	r.lastVars = sc.Vars()
	return sres, nil
}

// caller implements scenario.FeatureCaller and scenario.SetupRunner by
// recursing into a fresh feature.Runtime per call (spec.md §9: "new
// FeatureRuntime per call", never the caller's own Runtime, to keep
// Feature -> Scenario -> Feature call chains acyclic).
type caller struct {
	owner *Runtime
}

func (r *Runtime) newCaller() *caller { return &caller{owner: r} }

// CallFeature resolves spec.md §4.3's call-by-tag syntax
// ("path.feature@tag", "@tag" for the current feature, or a bare path)
// and runs every selected scenario of the target feature, returning the
// final scenario's variables as a plain map.
func (c *caller) CallFeature(ctx context.Context, path string, arg map[string]interface{}) (map[string]interface{}, error) {
	featPath, tagSelector, useOwn := splitCallTarget(path)

	var feat *gherkin.Feature
	if useOwn {
		feat = c.owner.opts.Feature
	} else {
		resolved := featPath
		if !filepath.IsAbs(resolved) {
			resolved = filepath.Join(filepath.Dir(c.owner.opts.Feature.Resource), featPath)
		}
		loaded, err := c.owner.opts.Loader.LoadFeature(resolved)
		if err != nil {
			return nil, fmt.Errorf("call %s: %w", path, err)
		}
		feat = loaded
	}

	inherited := make(map[string]value.Value, len(arg))
	for k, v := range arg {
		inherited[k] = value.FromNative(v)
	}

	sub, err := New(Options{
		Feature:       feat,
		TagSelector:   tagSelector,
		EngineFactory: c.owner.opts.EngineFactory,
		BaseConfig:    c.owner.opts.BaseConfig,
		Env:           c.owner.opts.Env,
		Properties:    c.owner.opts.Properties,
		LockManager:   c.owner.opts.LockManager,
		PerfHook:      c.owner.opts.PerfHook,
		SuiteCache:    c.owner.opts.SuiteCache,
		Loader:        c.owner.opts.Loader,
		ThreadName:    c.owner.opts.ThreadName,
		InheritedVars: inherited,
	})
	if err != nil {
		return nil, err
	}

	if _, err := sub.RunAll(ctx); err != nil {
		return nil, err
	}
	if !sub.fr.Passed() {
		return nil, fmt.Errorf("call %s: called feature had failing scenarios", path)
	}

	return varsToNative(sub.Vars()), nil
}

// RunSetup runs the @setup scenario named name (or the sole @setup
// scenario when name is "__default__"/empty), in the calling feature.
func (c *caller) RunSetup(ctx context.Context, name string) (map[string]interface{}, error) {
	section := c.owner.opts.Feature.GetSetup(name)
	if section == nil {
		return nil, fmt.Errorf("setup: no @setup scenario named %q", name)
	}

	// runOne always updates owner.lastVars as a side effect (the normal
	// sequential-inheritance path); running a @setup scenario is a
	// feature-internal call, not a step in that sequence, so the
	// in-progress scenario's inherited-vars chain must be unaffected by
	// it — save and restore around the call.
	saved := c.owner.lastVars
	ds := &DerivedScenario{Section: section, ExampleIndex: -1, Tags: mergeTags(c.owner.opts.Feature.Tags, section.Tags)}
	sres, err := c.owner.runOne(ctx, ds, c)
	setupVars := c.owner.lastVars
	c.owner.lastVars = saved
	if err != nil {
		return nil, err
	}
	if !sres.Passed() {
		return nil, fmt.Errorf("setup %q: scenario failed", name)
	}
	return varsToNative(setupVars), nil
}

// splitCallTarget parses spec.md §4.3's call-by-tag syntax:
// "path.feature@tag" splits into path and selector; "@tag" with no path
// targets the current feature (useOwn == true); a bare path has no
// selector at all.
func splitCallTarget(path string) (featPath, tagSelector string, useOwn bool) {
	if strings.HasPrefix(path, "@") {
		return "", path[1:], true
	}
	if i := strings.LastIndex(path, "@"); i >= 0 {
		return path[:i], path[i+1:], false
	}
	return path, "", false
}

func varsToNative(vars map[string]value.Value) map[string]interface{} {
	out := make(map[string]interface{}, len(vars))
	for k, v := range vars {
		if k == "karate" {
			continue
		}
		out[k] = value.ToNative(v)
	}
	return out
}

// DiskLoader reads and parses a feature file relative to the process's
// working directory, the default Loader when Options.Loader is nil.
type DiskLoader struct{}

func (DiskLoader) LoadFeature(path string) (*gherkin.Feature, error) {
	return readFeatureFile(path)
}
