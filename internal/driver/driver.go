// Package driver defines the narrow browser-automation collaborator
// interface spec.md §6 treats as external, plus a no-op stub so the
// engine compiles and its driver-lifecycle/ownership-transfer properties
// (spec.md §9 "Driver propagation") are testable without a real browser.
package driver

import "sync"

// Driver is the minimal surface ScenarioRuntime needs: input actions and
// liveness/teardown. Real browser automation (CDP, WebDriver) is a
// non-goal; only this interface and a logging stub ship here.
type Driver interface {
	Click(locator string) error
	Input(locator, text string) error
	IsTerminated() bool
	Quit() error
}

// NoopDriver logs calls and never fails; the default when
// RuntimeConfig.driver.type is unset or unrecognized.
type NoopDriver struct {
	mu        sync.Mutex
	terminated bool
	Calls     []string
}

// New returns a fresh NoopDriver.
func New() *NoopDriver { return &NoopDriver{} }

func (d *NoopDriver) record(call string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Calls = append(d.Calls, call)
}

func (d *NoopDriver) Click(locator string) error {
	d.record("click:" + locator)
	return nil
}

func (d *NoopDriver) Input(locator, text string) error {
	d.record("input:" + locator)
	return nil
}

func (d *NoopDriver) IsTerminated() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.terminated
}

func (d *NoopDriver) Quit() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.terminated = true
	return nil
}

// Handle wraps a Driver with the ownership-transfer bookkeeping
// spec.md §9 asks for: "caller" scope marks the handle as not owned by
// the current scenario, so ScenarioRuntime.finally must not call Quit.
type Handle struct {
	Driver Driver
	// Owned is true when the current scenario is responsible for
	// releasing the driver at scenario end. Inheriting a "caller"-scope
	// driver from a call sets this false on the inheritor's handle.
	Owned bool
}

// Scenario builds an owned handle for a freshly initialized driver.
func Scenario(d Driver) *Handle { return &Handle{Driver: d, Owned: true} }

// Inherit builds a handle for a driver received from a caller scenario;
// the inheritor never owns release regardless of the caller's own scope.
func Inherit(d Driver) *Handle { return &Handle{Driver: d, Owned: false} }

// TransferToCaller produces the handle a caller scenario adopts when the
// callee's RuntimeConfig.driver scope is "caller": an upward, explicit
// ownership transfer rather than a shared pointer, per spec.md §9.
func (h *Handle) TransferToCaller() *Handle {
	return &Handle{Driver: h.Driver, Owned: true}
}

// Release closes the driver only if this handle owns it.
func (h *Handle) Release() error {
	if h == nil || !h.Owned || h.Driver == nil {
		return nil
	}
	return h.Driver.Quit()
}
