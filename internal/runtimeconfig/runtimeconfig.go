// Package runtimeconfig implements RuntimeConfig from spec.md §4.1: the
// typed, mutable, per-scenario configuration bucket with rebuild
// signaling, plus deep-copy semantics for scenario/outline inheritance.
//
// Grounded on the teacher's internal/config/sanitizer.go deep-copy idiom
// (JSON-roundtrip deep copy) and internal/config/config.go's bucket-of-
// buckets struct shape (Database/Redis/LLM/Webhook sub-structs each with
// their own fields), generalized from alert-service concerns to HTTP
// transport/auth/retry/report concerns.
package runtimeconfig

import (
	"encoding/json"
	"fmt"
)

// SSL holds TLS transport options. trustAll defaults true per spec.md §4.1
// unless explicitly overridden by a structured configure("ssl", ...) call.
type SSL struct {
	Enabled   bool   `json:"enabled"`
	Algorithm string `json:"algorithm,omitempty"`
	TrustAll  bool   `json:"trustAll"`
}

// Proxy holds optional outbound proxy settings.
type Proxy struct {
	URI           string   `json:"uri,omitempty"`
	NonProxyHosts []string `json:"nonProxyHosts,omitempty"`
}

// Auth holds request authentication settings; unknown Type values retain
// only Type per spec.md §4.1.
type Auth struct {
	Type     string `json:"type,omitempty"` // basic|bearer|oauth2|ntlm
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Token    string `json:"token,omitempty"`
}

// Retry holds HTTP retry policy.
type Retry struct {
	Count       int `json:"count"`
	IntervalMS  int `json:"intervalMs"`
}

// Report holds per-scenario report shaping options.
type Report struct {
	ShowLog      bool `json:"showLog"`
	ShowAllSteps bool `json:"showAllSteps"`
}

// CallSingleCache holds callSingle cache policy.
type CallSingleCache struct {
	MinutesTTL int    `json:"minutes"`
	Dir        string `json:"dir,omitempty"`
}

// Driver holds optional browser-driver bootstrap options (non-goal:
// no concrete browser automation ships, but the bucket still exists so
// configure("driver", ...) round-trips).
type Driver struct {
	Type    string            `json:"type,omitempty"`
	Options map[string]string `json:"options,omitempty"`
}

// RuntimeConfig is the typed, mutable per-scenario configuration bucket.
// ScenarioRuntime owns exactly one instance; Copy() produces the deep
// copy handed to child scenarios/outline examples per spec.md §9(d).
type RuntimeConfig struct {
	URL              string            `json:"url,omitempty"`
	ReadTimeoutMS    int               `json:"readTimeoutMs"`
	ConnectTimeoutMS int               `json:"connectTimeoutMs"`
	FollowRedirects  bool              `json:"followRedirects"`
	LocalAddress     string            `json:"localAddress,omitempty"`
	Charset          *string           `json:"charset,omitempty"`

	SSL   SSL   `json:"ssl"`
	Proxy Proxy `json:"proxy"`
	Auth  Auth  `json:"auth"`
	Retry Retry `json:"retry"`

	HTTPRetryEnabled bool `json:"httpRetryEnabled"`

	Report          Report          `json:"report"`
	CallSingleCache CallSingleCache `json:"callSingleCache"`

	Headers map[string]string `json:"headers,omitempty"`
	Cookies map[string]string `json:"cookies,omitempty"`

	ContinueOnStepFailure  bool `json:"continueOnStepFailure"`
	AbortedStepsShouldPass bool `json:"abortedStepsShouldPass"`
	AbortSuiteOnFailure    bool `json:"abortSuiteOnFailure"`
	MatchEachEmptyAllowed  bool `json:"matchEachEmptyAllowed"`

	CORS             bool              `json:"cors"`
	ResponseHeaders  map[string]string `json:"responseHeaders,omitempty"`

	AfterScenario        string `json:"afterScenario,omitempty"`
	AfterScenarioOutline string `json:"afterScenarioOutline,omitempty"`
	AfterFeature         string `json:"afterFeature,omitempty"`

	Driver Driver `json:"driver"`
}

// New returns defaults matching spec.md §4.1: trustAll SSL, 30s timeouts,
// follow-redirects on.
func New() *RuntimeConfig {
	return &RuntimeConfig{
		ReadTimeoutMS:    30_000,
		ConnectTimeoutMS: 30_000,
		FollowRedirects:  true,
		SSL:              SSL{TrustAll: true},
	}
}

// rebuildKeys are the keys whose configure() call returns true per
// spec.md §4.1 and SPEC_FULL.md §1's rebuild-signal contract.
var rebuildKeys = map[string]bool{
	"ssl": true, "proxy": true, "readTimeout": true, "connectTimeout": true,
	"followRedirects": true, "localAddress": true, "charset": true,
	"httpRetryEnabled": true,
}

// ErrConfigUnknownKey reports an unrecognized configure() key.
type ErrConfigUnknownKey struct{ Key string }

func (e *ErrConfigUnknownKey) Error() string {
	return fmt.Sprintf("configure: unknown key %q", e.Key)
}

// ErrConfigTypeMismatch reports a value of the wrong shape for a key.
type ErrConfigTypeMismatch struct {
	Key  string
	Want string
}

func (e *ErrConfigTypeMismatch) Error() string {
	return fmt.Sprintf("configure(%q): expected %s", e.Key, e.Want)
}

var recognizedKeys = map[string]bool{
	"ssl": true, "proxy": true, "readTimeout": true, "connectTimeout": true,
	"followRedirects": true, "localAddress": true, "charset": true,
	"auth": true, "ntlmAuth": true, "url": true, "headers": true,
	"cookies": true, "retry": true, "httpRetryEnabled": true, "report": true,
	"callSingleCache": true, "continueOnStepFailure": true,
	"abortedStepsShouldPass": true, "abortSuiteOnFailure": true,
	"matchEachEmptyAllowed": true, "cors": true, "responseHeaders": true,
	"afterScenario": true, "afterScenarioOutline": true, "afterFeature": true,
	"driver": true,
}

// Configure mutates one key and reports whether downstream transport
// components (internal/httpclient) must be rebuilt. Unknown keys fail
// with ErrConfigUnknownKey; configure("charset", nil) clears charset
// rather than failing, per spec.md §4.1's documented exception.
func (c *RuntimeConfig) Configure(key string, value interface{}) (needsRebuild bool, err error) {
	if !recognizedKeys[key] {
		return false, &ErrConfigUnknownKey{Key: key}
	}

	switch key {
	case "url":
		s, ok := value.(string)
		if !ok {
			return false, &ErrConfigTypeMismatch{Key: key, Want: "string"}
		}
		c.URL = s

	case "readTimeout":
		n, ok := asInt(value)
		if !ok {
			return false, &ErrConfigTypeMismatch{Key: key, Want: "number"}
		}
		c.ReadTimeoutMS = n

	case "connectTimeout":
		n, ok := asInt(value)
		if !ok {
			return false, &ErrConfigTypeMismatch{Key: key, Want: "number"}
		}
		c.ConnectTimeoutMS = n

	case "followRedirects":
		b, ok := value.(bool)
		if !ok {
			return false, &ErrConfigTypeMismatch{Key: key, Want: "bool"}
		}
		c.FollowRedirects = b

	case "localAddress":
		s, ok := value.(string)
		if !ok {
			return false, &ErrConfigTypeMismatch{Key: key, Want: "string"}
		}
		c.LocalAddress = s

	case "charset":
		if value == nil {
			c.Charset = nil
		} else {
			s, ok := value.(string)
			if !ok {
				return false, &ErrConfigTypeMismatch{Key: key, Want: "string or null"}
			}
			c.Charset = &s
		}

	case "ssl":
		if err := configureSSL(&c.SSL, value); err != nil {
			return false, err
		}

	case "proxy":
		if err := configureProxy(&c.Proxy, value); err != nil {
			return false, err
		}

	case "httpRetryEnabled":
		b, ok := value.(bool)
		if !ok {
			return false, &ErrConfigTypeMismatch{Key: key, Want: "bool"}
		}
		c.HTTPRetryEnabled = b

	case "auth":
		if err := configureAuth(&c.Auth, value); err != nil {
			return false, err
		}

	case "ntlmAuth":
		// legacy alias: maps to auth with type ntlm, per spec.md §4.1.
		if err := configureAuth(&c.Auth, value); err != nil {
			return false, err
		}
		c.Auth.Type = "ntlm"
		return true, nil

	case "headers":
		m, ok := value.(map[string]string)
		if !ok {
			return false, &ErrConfigTypeMismatch{Key: key, Want: "map[string]string"}
		}
		c.Headers = m

	case "cookies":
		m, ok := value.(map[string]string)
		if !ok {
			return false, &ErrConfigTypeMismatch{Key: key, Want: "map[string]string"}
		}
		c.Cookies = m

	case "retry":
		m, ok := value.(map[string]interface{})
		if !ok {
			return false, &ErrConfigTypeMismatch{Key: key, Want: "object"}
		}
		if v, ok := asInt(m["count"]); ok {
			c.Retry.Count = v
		}
		if v, ok := asInt(m["interval"]); ok {
			c.Retry.IntervalMS = v
		}

	case "report":
		m, ok := value.(map[string]interface{})
		if !ok {
			return false, &ErrConfigTypeMismatch{Key: key, Want: "object"}
		}
		if v, ok := m["showLog"].(bool); ok {
			c.Report.ShowLog = v
		}
		if v, ok := m["showAllSteps"].(bool); ok {
			c.Report.ShowAllSteps = v
		}

	case "callSingleCache":
		m, ok := value.(map[string]interface{})
		if !ok {
			return false, &ErrConfigTypeMismatch{Key: key, Want: "object"}
		}
		if v, ok := asInt(m["minutes"]); ok {
			c.CallSingleCache.MinutesTTL = v
		}
		if v, ok := m["dir"].(string); ok {
			c.CallSingleCache.Dir = v
		}

	case "continueOnStepFailure":
		b, ok := value.(bool)
		if !ok {
			return false, &ErrConfigTypeMismatch{Key: key, Want: "bool"}
		}
		c.ContinueOnStepFailure = b

	case "abortedStepsShouldPass":
		b, ok := value.(bool)
		if !ok {
			return false, &ErrConfigTypeMismatch{Key: key, Want: "bool"}
		}
		c.AbortedStepsShouldPass = b

	case "abortSuiteOnFailure":
		b, ok := value.(bool)
		if !ok {
			return false, &ErrConfigTypeMismatch{Key: key, Want: "bool"}
		}
		c.AbortSuiteOnFailure = b

	case "matchEachEmptyAllowed":
		b, ok := value.(bool)
		if !ok {
			return false, &ErrConfigTypeMismatch{Key: key, Want: "bool"}
		}
		c.MatchEachEmptyAllowed = b

	case "cors":
		b, ok := value.(bool)
		if !ok {
			return false, &ErrConfigTypeMismatch{Key: key, Want: "bool"}
		}
		c.CORS = b

	case "responseHeaders":
		m, ok := value.(map[string]string)
		if !ok {
			return false, &ErrConfigTypeMismatch{Key: key, Want: "map[string]string"}
		}
		c.ResponseHeaders = m

	case "afterScenario":
		s, _ := value.(string)
		c.AfterScenario = s
	case "afterScenarioOutline":
		s, _ := value.(string)
		c.AfterScenarioOutline = s
	case "afterFeature":
		s, _ := value.(string)
		c.AfterFeature = s

	case "driver":
		if err := configureDriver(&c.Driver, value); err != nil {
			return false, err
		}
	}

	needsRebuild = rebuildKeys[key] || (key == "auth" && c.Auth.Type == "ntlm")
	return needsRebuild, nil
}

func configureSSL(dst *SSL, value interface{}) error {
	switch v := value.(type) {
	case bool:
		dst.Enabled = v
		dst.TrustAll = true
	case string:
		dst.Enabled = true
		dst.Algorithm = v
		dst.TrustAll = true
	case map[string]interface{}:
		dst.Enabled = true
		if alg, ok := v["algorithm"].(string); ok {
			dst.Algorithm = alg
		}
		dst.TrustAll = true
		if ta, ok := v["trustAll"].(bool); ok {
			dst.TrustAll = ta
		}
	default:
		return &ErrConfigTypeMismatch{Key: "ssl", Want: "bool, string, or object"}
	}
	return nil
}

func configureProxy(dst *Proxy, value interface{}) error {
	switch v := value.(type) {
	case string:
		dst.URI = v
	case map[string]interface{}:
		if uri, ok := v["uri"].(string); ok {
			dst.URI = uri
		}
		if hosts, ok := v["nonProxyHosts"].([]string); ok {
			dst.NonProxyHosts = hosts
		}
	default:
		return &ErrConfigTypeMismatch{Key: "proxy", Want: "string or object"}
	}
	return nil
}

func configureAuth(dst *Auth, value interface{}) error {
	m, ok := value.(map[string]interface{})
	if !ok {
		return &ErrConfigTypeMismatch{Key: "auth", Want: "object"}
	}
	typ, _ := m["type"].(string)
	switch typ {
	case "basic", "bearer", "oauth2", "ntlm":
		dst.Type = typ
	default:
		// unknown type: retain only Type per spec.md §4.1.
		dst.Type = typ
		return nil
	}
	if u, ok := m["username"].(string); ok {
		dst.Username = u
	}
	if p, ok := m["password"].(string); ok {
		dst.Password = p
	}
	if tk, ok := m["token"].(string); ok {
		dst.Token = tk
	}
	return nil
}

func configureDriver(dst *Driver, value interface{}) error {
	m, ok := value.(map[string]interface{})
	if !ok {
		return &ErrConfigTypeMismatch{Key: "driver", Want: "object"}
	}
	if t, ok := m["type"].(string); ok {
		dst.Type = t
	}
	if opts, ok := m["options"].(map[string]string); ok {
		dst.Options = opts
	}
	return nil
}

func asInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

// Copy returns a deep copy via JSON round-trip, the same technique the
// teacher's ConfigSanitizer used for its deep copy before redaction —
// here there is nothing to redact, only isolation between scenarios that
// must never observe each other's mutations (spec.md §9(d)).
func (c *RuntimeConfig) Copy() *RuntimeConfig {
	buf, err := json.Marshal(c)
	if err != nil {
		// Marshal of a plain struct of strings/ints/maps cannot fail;
		// fall back to the original rather than lose the config.
		return c
	}
	var out RuntimeConfig
	if err := json.Unmarshal(buf, &out); err != nil {
		return c
	}
	return &out
}

// CopyFrom replaces c's contents with a deep copy of other's, used when a
// scenario must adopt its outline/background's already-configured state.
func (c *RuntimeConfig) CopyFrom(other *RuntimeConfig) {
	*c = *other.Copy()
}
