package stackmob

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPercentEncode(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"unreserved passthrough", "abcXYZ019-._~", "abcXYZ019-._~"},
		{"space", "a b", "a%20b"},
		{"slash", "a/b", "a%2Fb"},
		{"plus", "a+b", "a%2Bb"},
		{"equals and ampersand", "a=b&c", "a%3Db%26c"},
		{"utf8", "café", "caf%C3%A9"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, percentEncode(tt.input))
		})
	}
}

func TestSignatureBaseString(t *testing.T) {
	req, err := http.NewRequest(http.MethodGet, "https://API.Example.com/books?genre=scifi&pages%5Bgt%5D=100", nil)
	require.NoError(t, err)

	params := map[string]string{
		"oauth_consumer_key":     "pubkey",
		"oauth_nonce":            "fixed-nonce",
		"oauth_signature_method": "HMAC-SHA1",
		"oauth_timestamp":        "1000",
		"oauth_version":          "1.0",
	}

	base := signatureBaseString(req, params)

	parts := strings.SplitN(base, "&", 3)
	require.Len(t, parts, 3, "base string must have three &-separated sections")

	assert.Equal(t, "GET", parts[0])
	assert.Equal(t, "https%3A%2F%2Fapi.example.com%2Fbooks", parts[1], "base URI is lowercased and excludes the query")

	normalized := parts[2]
	assert.Contains(t, normalized, "genre%3Dscifi")
	assert.Contains(t, normalized, "oauth_consumer_key%3Dpubkey")
	assert.Contains(t, normalized, "pages%255Bgt%255D%3D100", "query keys are double-encoded in the normalized section")

	// Parameters must be sorted by encoded name.
	decoded := strings.ReplaceAll(normalized, "%3D", "=")
	decoded = strings.ReplaceAll(decoded, "%26", "&")
	pairs := strings.Split(decoded, "&")
	for i := 1; i < len(pairs); i++ {
		assert.LessOrEqual(t, pairs[i-1], pairs[i], "parameters must be sorted")
	}
}

func TestOAuth1SignerHeader(t *testing.T) {
	signer := newOAuth1Signer("pubkey", "privkey")
	signer.nonce = func() string { return "fixed-nonce" }
	signer.now = func() time.Time { return time.Unix(1700000000, 0) }

	req, err := http.NewRequest(http.MethodPost, "https://api.example.com/books", nil)
	require.NoError(t, err)
	require.NoError(t, signer.sign(req))

	auth := req.Header.Get("Authorization")
	require.True(t, strings.HasPrefix(auth, "OAuth "), "header must use the OAuth scheme")

	fields := parseOAuthHeader(t, auth)
	assert.Equal(t, "pubkey", fields["oauth_consumer_key"])
	assert.Equal(t, "fixed-nonce", fields["oauth_nonce"])
	assert.Equal(t, "HMAC-SHA1", fields["oauth_signature_method"])
	assert.Equal(t, "1700000000", fields["oauth_timestamp"])
	assert.Equal(t, "1.0", fields["oauth_version"])
	require.NotEmpty(t, fields["oauth_signature"])

	// Recompute the signature from the header's own parameters.
	params := map[string]string{
		"oauth_consumer_key":     fields["oauth_consumer_key"],
		"oauth_nonce":            fields["oauth_nonce"],
		"oauth_signature_method": fields["oauth_signature_method"],
		"oauth_timestamp":        fields["oauth_timestamp"],
		"oauth_version":          fields["oauth_version"],
	}
	base := signatureBaseString(req, params)
	mac := hmac.New(sha1.New, []byte("privkey&"))
	mac.Write([]byte(base))
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	sig, err := unescapeOAuthValue(fields["oauth_signature"])
	require.NoError(t, err)
	assert.Equal(t, expected, sig)
}

func TestOAuth1SignerNonceChanges(t *testing.T) {
	signer := newOAuth1Signer("pub", "priv")

	req1, _ := http.NewRequest(http.MethodGet, "https://api.example.com/a", nil)
	req2, _ := http.NewRequest(http.MethodGet, "https://api.example.com/a", nil)
	require.NoError(t, signer.sign(req1))
	require.NoError(t, signer.sign(req2))

	n1 := parseOAuthHeader(t, req1.Header.Get("Authorization"))["oauth_nonce"]
	n2 := parseOAuthHeader(t, req2.Header.Get("Authorization"))["oauth_nonce"]
	assert.NotEqual(t, n1, n2, "each request gets a fresh nonce")
}

func TestMACSigner(t *testing.T) {
	signer := newMACSigner("token-id", "mac-key")
	signer.nonce = func() string { return "fixed-nonce" }
	signer.now = func() time.Time { return time.Unix(1700000000, 0) }

	req, err := http.NewRequest(http.MethodGet, "https://api.example.com/books?genre=scifi", nil)
	require.NoError(t, err)
	require.NoError(t, signer.sign(req))

	auth := req.Header.Get("Authorization")
	require.True(t, strings.HasPrefix(auth, "MAC "))
	assert.Equal(t, "token-id", macHeaderField(auth, "id"))
	assert.Equal(t, "1700000000", macHeaderField(auth, "ts"))
	assert.Equal(t, "fixed-nonce", macHeaderField(auth, "nonce"))

	normalized := "1700000000\nfixed-nonce\nGET\n/books?genre=scifi\napi.example.com\n443\n\n"
	mac := hmac.New(sha1.New, []byte("mac-key"))
	mac.Write([]byte(normalized))
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	assert.Equal(t, expected, macHeaderField(auth, "mac"))
}

func TestComputeMACPortDefaults(t *testing.T) {
	tests := []struct {
		name string
		url  string
		port string
	}{
		{"https default", "https://api.example.com/x", "443"},
		{"http default", "http://api.example.com/x", "80"},
		{"explicit port", "http://api.example.com:8080/x", "8080"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodGet, tt.url, nil)
			require.NoError(t, err)

			_, port, err := hostPort(req)
			require.NoError(t, err)
			assert.Equal(t, tt.port, port)
		})
	}
}

func TestHostPortUnknownScheme(t *testing.T) {
	req, err := http.NewRequest(http.MethodGet, "ftp://api.example.com/x", nil)
	require.NoError(t, err)

	_, _, err = hostPort(req)
	assert.Error(t, err)
}

func TestMACSignatureVerifiableByServer(t *testing.T) {
	// A server holding the mac_key must be able to recompute the MAC
	// from the request it received.
	var verified bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		ts := macHeaderField(auth, "ts")
		nonce := macHeaderField(auth, "nonce")

		normalized := strings.Join([]string{
			ts, nonce, r.Method, r.URL.RequestURI(), r.URL.Hostname(), "80", "",
		}, "\n") + "\n"
		// httptest URLs carry an explicit port.
		host := strings.Split(r.Host, ":")
		if len(host) == 2 {
			normalized = strings.Join([]string{
				ts, nonce, r.Method, r.URL.RequestURI(), host[0], host[1], "",
			}, "\n") + "\n"
		}

		mac := hmac.New(sha1.New, []byte("server-side-key"))
		mac.Write([]byte(normalized))
		expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
		verified = macHeaderField(auth, "mac") == expected
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	signer := newMACSigner("token-id", "server-side-key")
	req, err := http.NewRequest(http.MethodGet, server.URL+"/books?a=1", nil)
	require.NoError(t, err)
	require.NoError(t, signer.sign(req))

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.True(t, verified, "server must be able to verify the request MAC")
}

// parseOAuthHeader splits an OAuth Authorization header into its
// key/value fields.
func parseOAuthHeader(t *testing.T, header string) map[string]string {
	t.Helper()
	require.True(t, strings.HasPrefix(header, "OAuth "))

	fields := make(map[string]string)
	for _, part := range strings.Split(strings.TrimPrefix(header, "OAuth "), ", ") {
		k, v, ok := strings.Cut(part, "=")
		require.True(t, ok, "malformed field %q", part)
		fields[k] = strings.Trim(v, `"`)
	}
	return fields
}

// unescapeOAuthValue reverses percentEncode for assertion purposes.
func unescapeOAuthValue(s string) (string, error) {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '%' {
			b.WriteByte(s[i])
			continue
		}
		if i+2 >= len(s) {
			return "", assert.AnError
		}
		var c byte
		for _, d := range []byte{s[i+1], s[i+2]} {
			c <<= 4
			switch {
			case d >= '0' && d <= '9':
				c |= d - '0'
			case d >= 'A' && d <= 'F':
				c |= d - 'A' + 10
			default:
				return "", assert.AnError
			}
		}
		b.WriteByte(c)
		i += 2
	}
	return b.String(), nil
}
