package stackmob

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// requestSigner adds an Authorization header to an outgoing request.
// Signing happens last, after the final URL is known, so redirected
// requests can be re-signed per hop.
type requestSigner interface {
	sign(req *http.Request) error
}

// newNonce returns a unique nonce for signed requests.
func newNonce() string {
	return uuid.NewString()
}

// oauth1Signer signs requests per OAuth 1.0a (RFC 5849) with HMAC-SHA1,
// using the application's public key as the consumer key and the
// private key as the consumer secret. There is no token component; the
// platform authenticates the application itself.
type oauth1Signer struct {
	consumerKey    string
	consumerSecret string

	// overridable for deterministic tests
	nonce func() string
	now   func() time.Time
}

func newOAuth1Signer(consumerKey, consumerSecret string) *oauth1Signer {
	return &oauth1Signer{
		consumerKey:    consumerKey,
		consumerSecret: consumerSecret,
		nonce:          newNonce,
		now:            time.Now,
	}
}

func (s *oauth1Signer) sign(req *http.Request) error {
	oauthParams := map[string]string{
		"oauth_consumer_key":     s.consumerKey,
		"oauth_nonce":            s.nonce(),
		"oauth_signature_method": "HMAC-SHA1",
		"oauth_timestamp":        strconv.FormatInt(s.now().Unix(), 10),
		"oauth_version":          "1.0",
	}

	base := signatureBaseString(req, oauthParams)
	key := percentEncode(s.consumerSecret) + "&" // no token secret

	mac := hmac.New(sha1.New, []byte(key))
	mac.Write([]byte(base))
	oauthParams["oauth_signature"] = base64.StdEncoding.EncodeToString(mac.Sum(nil))

	req.Header.Set("Authorization", oauthHeader(oauthParams))
	return nil
}

// signatureBaseString builds the RFC 5849 section 3.4.1 base string:
// METHOD & base-URI & normalized-parameters, each percent-encoded.
// Parameters are the oauth_* protocol parameters plus the query string;
// JSON request bodies do not contribute parameters under RFC 5849.
func signatureBaseString(req *http.Request, oauthParams map[string]string) string {
	type kv struct{ k, v string }
	var params []kv
	for k, v := range oauthParams {
		params = append(params, kv{percentEncode(k), percentEncode(v)})
	}
	for k, vs := range req.URL.Query() {
		for _, v := range vs {
			params = append(params, kv{percentEncode(k), percentEncode(v)})
		}
	}
	sort.Slice(params, func(i, j int) bool {
		if params[i].k != params[j].k {
			return params[i].k < params[j].k
		}
		return params[i].v < params[j].v
	})

	pairs := make([]string, len(params))
	for i, p := range params {
		pairs[i] = p.k + "=" + p.v
	}

	baseURI := strings.ToLower(req.URL.Scheme) + "://" + strings.ToLower(req.URL.Host) + req.URL.EscapedPath()

	return strings.ToUpper(req.Method) + "&" +
		percentEncode(baseURI) + "&" +
		percentEncode(strings.Join(pairs, "&"))
}

// oauthHeader renders the Authorization header from protocol parameters.
func oauthHeader(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%q", percentEncode(k), percentEncode(params[k]))
	}
	return "OAuth " + strings.Join(parts, ", ")
}

// percentEncode implements RFC 3986 section 2.1 encoding as required by
// OAuth: everything except unreserved characters is %XX-encoded with
// uppercase hex. url.QueryEscape is not usable here because it emits
// '+' for spaces and leaves characters like '~' untouched differently.
func percentEncode(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreserved(c) {
			b.WriteByte(c)
		} else {
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}

func isUnreserved(c byte) bool {
	return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') ||
		(c >= '0' && c <= '9') || c == '-' || c == '.' || c == '_' || c == '~'
}

// macSigner signs requests with an OAuth2 MAC token as issued by the
// platform's accessToken endpoint (mac_algorithm hmac-sha-1). The MAC
// input is the normalized request string
//
//	ts \n nonce \n METHOD \n request-uri \n host \n port \n \n
//
// and the header takes the form
//
//	Authorization: MAC id="...",ts="...",nonce="...",mac="..."
type macSigner struct {
	id  string // access token
	key string // mac_key

	nonce func() string
	now   func() time.Time
}

func newMACSigner(accessToken, macKey string) *macSigner {
	return &macSigner{
		id:    accessToken,
		key:   macKey,
		nonce: newNonce,
		now:   time.Now,
	}
}

func (s *macSigner) sign(req *http.Request) error {
	ts := strconv.FormatInt(s.now().Unix(), 10)
	nonce := s.nonce()

	mac, err := computeMAC(s.key, ts, nonce, req)
	if err != nil {
		return err
	}

	req.Header.Set("Authorization",
		fmt.Sprintf("MAC id=%q,ts=%q,nonce=%q,mac=%q", s.id, ts, nonce, mac))
	return nil
}

// computeMAC produces the base64 HMAC-SHA1 over the normalized request
// string for the given timestamp and nonce.
func computeMAC(key, ts, nonce string, req *http.Request) (string, error) {
	host, port, err := hostPort(req)
	if err != nil {
		return "", err
	}

	uri := req.URL.RequestURI()

	normalized := strings.Join([]string{
		ts,
		nonce,
		strings.ToUpper(req.Method),
		uri,
		host,
		port,
		"", // ext, unused
	}, "\n") + "\n"

	mac := hmac.New(sha1.New, []byte(key))
	mac.Write([]byte(normalized))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// hostPort splits the request host into host and port, defaulting the
// port from the scheme.
func hostPort(req *http.Request) (string, string, error) {
	host := req.URL.Hostname()
	port := req.URL.Port()
	if port == "" {
		switch strings.ToLower(req.URL.Scheme) {
		case "https":
			port = "443"
		case "http":
			port = "80"
		default:
			return "", "", fmt.Errorf("cannot derive port for scheme %q", req.URL.Scheme)
		}
	}
	return strings.ToLower(host), port, nil
}

// anonymousSigner leaves the request unsigned. Used under OAuth2 before
// a session exists; the API key header alone identifies the app.
type anonymousSigner struct{}

func (anonymousSigner) sign(*http.Request) error { return nil }
