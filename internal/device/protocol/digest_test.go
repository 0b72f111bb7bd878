package protocol

import (
	"strings"
	"testing"
)

// Reference inputs from the digest scheme's published example.
const (
	refUsername = "Mufasa"
	refPassword = "Circle Of Life"
	refRealm    = "testrealm@host.com"
	refNonce    = "dcd98b7102dd2f0e8b11d0f600bfb0c093"
	refURI      = "/dir/index.html"
	refCnonce   = "0a4f113b"
	refResponse = "6629fae49393a05397450978507c4ef1"
)

func TestAuthorize_ReferenceVector(t *testing.T) {
	ch := &challenge{Realm: refRealm, Nonce: refNonce, QOP: "auth"}
	creds := Credentials{Username: refUsername, Password: refPassword}

	header := ch.authorize(creds, "GET", refURI, refCnonce, 1)

	if !strings.Contains(header, `response="`+refResponse+`"`) {
		t.Errorf("expected response %s in header:\n%s", refResponse, header)
	}
	for _, want := range []string{
		`username="Mufasa"`,
		`realm="testrealm@host.com"`,
		`nonce="` + refNonce + `"`,
		`uri="/dir/index.html"`,
		`qop=auth`,
		`nc=00000001`,
		`cnonce="0a4f113b"`,
	} {
		if !strings.Contains(header, want) {
			t.Errorf("expected %s in header:\n%s", want, header)
		}
	}
	if !strings.HasPrefix(header, "Digest ") {
		t.Errorf("expected Digest scheme prefix, got:\n%s", header)
	}
}

func TestAuthorize_LegacyNoQOP(t *testing.T) {
	ch := &challenge{Realm: "device", Nonce: "abc123"}
	creds := Credentials{Username: "root", Password: "secret"}

	header := ch.authorize(creds, "GET", "/api/properties", "ignored", 1)

	// Without qop the digest is H(HA1:nonce:HA2) and the qop/nc/cnonce
	// fields stay out of the header.
	want := md5hex(md5hex("root:device:secret") + ":abc123:" + md5hex("GET:/api/properties"))
	if !strings.Contains(header, `response="`+want+`"`) {
		t.Errorf("expected legacy response %s in header:\n%s", want, header)
	}
	if strings.Contains(header, "qop=") || strings.Contains(header, "nc=") {
		t.Errorf("legacy header must not carry qop fields:\n%s", header)
	}
}

func TestAuthorize_CarriesOpaque(t *testing.T) {
	ch := &challenge{Realm: "device", Nonce: "abc", QOP: "auth", Opaque: "5ccc069c403ebaf9"}
	header := ch.authorize(Credentials{Username: "u", Password: "p"}, "GET", "/", "cn", 1)
	if !strings.Contains(header, `opaque="5ccc069c403ebaf9"`) {
		t.Errorf("expected opaque echoed back:\n%s", header)
	}
}

func TestParseChallenge(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		want    challenge
		wantErr bool
	}{
		{
			name:   "typical device challenge",
			header: `Digest realm="Device Management", nonce="8d29ae6ab8bf7f4c", qop="auth"`,
			want:   challenge{Realm: "Device Management", Nonce: "8d29ae6ab8bf7f4c", QOP: "auth"},
		},
		{
			name:   "qop list picks auth",
			header: `Digest realm="r", nonce="n", qop="auth,auth-int"`,
			want:   challenge{Realm: "r", Nonce: "n", QOP: "auth"},
		},
		{
			name:   "lowercase scheme",
			header: `digest realm="r", nonce="n"`,
			want:   challenge{Realm: "r", Nonce: "n"},
		},
		{
			name:   "unquoted algorithm and opaque",
			header: `Digest realm="r", nonce="n", algorithm=MD5, opaque="xyz"`,
			want:   challenge{Realm: "r", Nonce: "n", Algorithm: "MD5", Opaque: "xyz"},
		},
		{
			name:    "basic scheme",
			header:  `Basic realm="r"`,
			wantErr: true,
		},
		{
			name:    "empty header",
			header:  "",
			wantErr: true,
		},
		{
			name:    "missing nonce",
			header:  `Digest realm="r", qop="auth"`,
			wantErr: true,
		},
		{
			name:    "auth-int only",
			header:  `Digest realm="r", nonce="n", qop="auth-int"`,
			wantErr: true,
		},
		{
			name:    "unsupported algorithm",
			header:  `Digest realm="r", nonce="n", algorithm=SHA-256`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseChallenge(tt.header)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if *got != tt.want {
				t.Errorf("parseChallenge() = %+v, want %+v", *got, tt.want)
			}
		})
	}
}

func TestParseParams(t *testing.T) {
	params := parseParams(` realm="a, b", nonce=plain, qop="auth"`)
	if params["realm"] != "a, b" {
		t.Errorf("quoted comma mishandled: %q", params["realm"])
	}
	if params["nonce"] != "plain" {
		t.Errorf("unquoted value mishandled: %q", params["nonce"])
	}
}
