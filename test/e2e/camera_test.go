package e2e

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
)

// fakeCamera is a digest-authenticated device management interface. It
// answers the fingerprint probe, accepts connection settings and a
// package install, and scripts the license endpoint's verdict.
type fakeCamera struct {
	server   *httptest.Server
	username string
	password string
	realm    string
	nonce    string

	mu          sync.Mutex
	settings    map[string]string
	installed   []byte
	licenseKey  string
	licenseCode string // e.g. "already_bound"; empty means activation succeeds
	activated   bool
}

func newFakeCamera(username, password string) *fakeCamera {
	fc := &fakeCamera{
		username: username,
		password: password,
		realm:    "Device Management",
		nonce:    "51b3c0a97f2e4d68",
	}
	fc.server = httptest.NewServer(http.HandlerFunc(fc.serve))
	return fc
}

func (fc *fakeCamera) close() { fc.server.Close() }

// port returns the TCP port the camera listens on.
func (fc *fakeCamera) port() int {
	u, _ := url.Parse(fc.server.URL)
	p, _ := strconv.Atoi(u.Port())
	return p
}

func (fc *fakeCamera) failLicense(code string) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.licenseCode = code
}

func (fc *fakeCamera) pushedSettings() map[string]string {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	out := make(map[string]string, len(fc.settings))
	for k, v := range fc.settings {
		out[k] = v
	}
	return out
}

func (fc *fakeCamera) installedBytes() []byte {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return append([]byte(nil), fc.installed...)
}

func (fc *fakeCamera) activatedKey() string {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.licenseKey
}

func (fc *fakeCamera) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	// The fingerprint probe arrives without credentials; everything
	// else must answer the digest challenge.
	auth := r.Header.Get("Authorization")
	if auth == "" || !fc.validAuth(auth, r.Method) {
		w.Header().Set("WWW-Authenticate",
			fmt.Sprintf(`Digest realm=%q, nonce=%q, qop="auth"`, fc.realm, fc.nonce))
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/api/properties":
		fc.writeJSON(w, map[string]string{
			"serial":       "ACCC8E000001",
			"model":        "CF-2105",
			"firmware":     "11.9.60",
			"architecture": "aarch64",
		})

	case r.Method == http.MethodPost && r.URL.Path == "/api/settings":
		var settings map[string]string
		_ = json.Unmarshal(body, &settings)
		fc.mu.Lock()
		fc.settings = settings
		fc.mu.Unlock()
		fc.writeJSON(w, map[string]string{"status": "ok"})

	case r.Method == http.MethodPost && r.URL.Path == "/api/apps/install":
		fc.mu.Lock()
		fc.installed = append([]byte(nil), body...)
		fc.mu.Unlock()
		fc.writeJSON(w, map[string]string{"status": "ok"})

	case r.Method == http.MethodPost && r.URL.Path == "/api/license":
		var req struct {
			Key string `json:"key"`
		}
		_ = json.Unmarshal(body, &req)
		fc.mu.Lock()
		code := fc.licenseCode
		if code == "" {
			fc.licenseKey = req.Key
			fc.activated = true
		}
		fc.mu.Unlock()
		if code != "" {
			fc.writeJSON(w, map[string]string{
				"status":  "error",
				"code":    code,
				"message": "license is bound to serial ACCC8E999999",
			})
			return
		}
		fc.writeJSON(w, map[string]string{"status": "activated"})

	case r.Method == http.MethodGet && r.URL.Path == "/api/license":
		fc.mu.Lock()
		active := fc.activated
		fc.mu.Unlock()
		status := "inactive"
		if active {
			status = "active"
		}
		fc.writeJSON(w, map[string]string{"status": status})

	default:
		http.NotFound(w, r)
	}
}

func (fc *fakeCamera) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (fc *fakeCamera) validAuth(auth, method string) bool {
	if !strings.HasPrefix(auth, "Digest ") {
		return false
	}
	params := parseDigestParams(strings.TrimPrefix(auth, "Digest"))
	ha1 := digestMD5(fc.username + ":" + fc.realm + ":" + fc.password)
	ha2 := digestMD5(method + ":" + params["uri"])
	want := digestMD5(ha1 + ":" + params["nonce"] + ":" + params["nc"] + ":" + params["cnonce"] + ":" + params["qop"] + ":" + ha2)
	return params["response"] == want
}

func parseDigestParams(s string) map[string]string {
	params := make(map[string]string)
	for len(s) > 0 {
		s = strings.TrimLeft(s, " \t,")
		eq := strings.Index(s, "=")
		if eq < 0 {
			break
		}
		key := strings.ToLower(strings.TrimSpace(s[:eq]))
		s = s[eq+1:]

		var value string
		if strings.HasPrefix(s, `"`) {
			if end := strings.Index(s[1:], `"`); end >= 0 {
				value = s[1 : 1+end]
				s = s[end+2:]
			} else {
				value = s[1:]
				s = ""
			}
		} else {
			end := strings.IndexAny(s, ", \t")
			if end < 0 {
				end = len(s)
			}
			value = s[:end]
			s = s[end:]
		}
		params[key] = value
	}
	return params
}

func digestMD5(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
