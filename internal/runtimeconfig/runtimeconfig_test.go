package runtimeconfig

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigureUnknownKeyFails(t *testing.T) {
	c := New()
	_, err := c.Configure("bogus", 1)
	require.Error(t, err)
	var target *ErrConfigUnknownKey
	assert.ErrorAs(t, err, &target)
}

func TestConfigureRebuildTriggeringKeys(t *testing.T) {
	c := New()
	cases := []struct {
		key   string
		value interface{}
	}{
		{"readTimeout", 5000},
		{"connectTimeout", 5000},
		{"followRedirects", false},
		{"localAddress", "127.0.0.1"},
		{"httpRetryEnabled", true},
		{"ssl", true},
		{"proxy", "http://proxy:8080"},
	}
	for _, tc := range cases {
		rebuild, err := c.Configure(tc.key, tc.value)
		require.NoError(t, err, tc.key)
		assert.True(t, rebuild, "%s must trigger a rebuild", tc.key)
	}
}

func TestConfigureNonRebuildKeys(t *testing.T) {
	c := New()
	rebuild, err := c.Configure("continueOnStepFailure", true)
	require.NoError(t, err)
	assert.False(t, rebuild)
}

func TestConfigureCharsetNullClears(t *testing.T) {
	c := New()
	_, err := c.Configure("charset", "utf-8")
	require.NoError(t, err)
	require.NotNil(t, c.Charset)

	rebuild, err := c.Configure("charset", nil)
	require.NoError(t, err)
	assert.True(t, rebuild)
	assert.Nil(t, c.Charset)
}

func TestConfigureAuthNtlmTriggersRebuild(t *testing.T) {
	c := New()
	rebuild, err := c.Configure("auth", map[string]interface{}{"type": "ntlm", "username": "u", "password": "p"})
	require.NoError(t, err)
	assert.True(t, rebuild)
	assert.Equal(t, "ntlm", c.Auth.Type)

	c2 := New()
	rebuild2, err := c2.Configure("auth", map[string]interface{}{"type": "basic", "username": "u"})
	require.NoError(t, err)
	assert.False(t, rebuild2)
}

func TestConfigureAuthUnknownTypeRetainsOnlyType(t *testing.T) {
	c := New()
	_, err := c.Configure("auth", map[string]interface{}{"type": "hmac", "username": "ignored"})
	require.NoError(t, err)
	assert.Equal(t, "hmac", c.Auth.Type)
	assert.Empty(t, c.Auth.Username)
}

func TestConfigureSSLDefaultsTrustAllTrue(t *testing.T) {
	c := New()
	_, err := c.Configure("ssl", true)
	require.NoError(t, err)
	assert.True(t, c.SSL.TrustAll)
}

func TestCopyIsDeepAndIsolated(t *testing.T) {
	c := New()
	_, _ = c.Configure("headers", map[string]string{"X-A": "1"})

	clone := c.Copy()
	clone.Headers["X-A"] = "mutated"

	assert.Equal(t, "1", c.Headers["X-A"], "mutating the copy must not affect the original")
}

func TestCopyFromReplacesContents(t *testing.T) {
	a := New()
	_, _ = a.Configure("url", "http://a")
	b := New()
	_, _ = b.Configure("url", "http://b")

	b.CopyFrom(a)
	assert.Equal(t, "http://a", b.URL)

	b.URL = "http://mutated"
	assert.Equal(t, "http://a", a.URL, "CopyFrom must deep copy, not alias")
}
