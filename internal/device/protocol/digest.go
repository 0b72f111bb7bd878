package protocol

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

// challenge holds the parameters of a digest authentication challenge.
type challenge struct {
	Realm     string
	Nonce     string
	QOP       string
	Opaque    string
	Algorithm string
}

// parseChallenge parses a WWW-Authenticate header into a challenge.
// Only the MD5 digest scheme with qop=auth (or no qop) is accepted,
// which is what fleet devices speak.
func parseChallenge(header string) (*challenge, error) {
	const scheme = "digest"
	trimmed := strings.TrimSpace(header)
	if len(trimmed) < len(scheme) || !strings.EqualFold(trimmed[:len(scheme)], scheme) {
		return nil, fmt.Errorf("%w (got %q)", ErrNoChallenge, header)
	}
	rest := trimmed[len(scheme):]
	if rest != "" && rest[0] != ' ' && rest[0] != '\t' {
		return nil, fmt.Errorf("%w (got %q)", ErrNoChallenge, header)
	}

	params := parseParams(rest)
	ch := &challenge{
		Realm:     params["realm"],
		Nonce:     params["nonce"],
		Opaque:    params["opaque"],
		Algorithm: params["algorithm"],
	}
	if ch.Nonce == "" {
		return nil, fmt.Errorf("authentication challenge has no nonce (got %q)", header)
	}
	if ch.Algorithm != "" && !strings.EqualFold(ch.Algorithm, "MD5") {
		return nil, fmt.Errorf("unsupported digest algorithm %q", ch.Algorithm)
	}
	if qop := params["qop"]; qop != "" {
		supported := false
		for _, option := range strings.Split(qop, ",") {
			if strings.TrimSpace(option) == "auth" {
				supported = true
				break
			}
		}
		if !supported {
			return nil, fmt.Errorf("unsupported qop %q", qop)
		}
		ch.QOP = "auth"
	}
	return ch, nil
}

// parseParams splits a comma-separated list of key=value pairs where
// values may be quoted. Device firmwares do not emit escaped quotes
// inside values, so none are handled.
func parseParams(s string) map[string]string {
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
			if end := strings.IndexAny(s, ", \t"); end >= 0 {
				value = s[:end]
				s = s[end:]
			} else {
				value = s
				s = ""
			}
		}
		if key != "" {
			params[key] = value
		}
	}
	return params
}

// authorize computes the Authorization header value answering this
// challenge: response = H(H(user:realm:pass):nonce:nc:cnonce:qop:H(method:uri))
// with H = MD5, or the qop-less legacy form H(HA1:nonce:HA2).
func (ch *challenge) authorize(creds Credentials, method, uri, cnonce string, nc int) string {
	ha1 := md5hex(creds.Username + ":" + ch.Realm + ":" + creds.Password)
	ha2 := md5hex(method + ":" + uri)
	ncValue := fmt.Sprintf("%08x", nc)

	var response string
	if ch.QOP == "" {
		response = md5hex(ha1 + ":" + ch.Nonce + ":" + ha2)
	} else {
		response = md5hex(ha1 + ":" + ch.Nonce + ":" + ncValue + ":" + cnonce + ":" + ch.QOP + ":" + ha2)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Digest username=%q, realm=%q, nonce=%q, uri=%q", creds.Username, ch.Realm, ch.Nonce, uri)
	if ch.QOP != "" {
		fmt.Fprintf(&b, ", qop=%s, nc=%s, cnonce=%q", ch.QOP, ncValue, cnonce)
	}
	fmt.Fprintf(&b, ", response=%q", response)
	if ch.Opaque != "" {
		fmt.Fprintf(&b, ", opaque=%q", ch.Opaque)
	}
	return b.String()
}

func md5hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// newCnonce returns a random client nonce.
func newCnonce() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("read random: %v", err))
	}
	return hex.EncodeToString(buf)
}
