package driver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoopDriverRecordsCalls(t *testing.T) {
	d := New()
	require.NoError(t, d.Click("#submit"))
	require.NoError(t, d.Input("#name", "karate"))
	assert.Equal(t, []string{"click:#submit", "input:#name"}, d.Calls)
}

func TestQuitMarksTerminated(t *testing.T) {
	d := New()
	assert.False(t, d.IsTerminated())
	require.NoError(t, d.Quit())
	assert.True(t, d.IsTerminated())
}

func TestOwnedHandleReleasesOnRelease(t *testing.T) {
	d := New()
	h := Scenario(d)
	require.NoError(t, h.Release())
	assert.True(t, d.IsTerminated())
}

func TestInheritedHandleNeverReleases(t *testing.T) {
	d := New()
	h := Inherit(d)
	require.NoError(t, h.Release())
	assert.False(t, d.IsTerminated(), "an inherited driver must never be closed by the inheritor")
}

func TestTransferToCallerGrantsOwnership(t *testing.T) {
	d := New()
	callee := Scenario(d)
	callerSide := callee.TransferToCaller()
	assert.True(t, callerSide.Owned)

	require.NoError(t, callerSide.Release())
	assert.True(t, d.IsTerminated())
}
