package netsuite

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// OAuth1 request signing, HMAC-SHA256 variant. NetSuite has no standing
// session; every request carries a fresh signature over
// method + URL + sorted params, keyed by consumer secret and token secret.
// Both the signature base string and the signing key use RFC 3986
// percent-encoding throughout.

type signer struct {
	realm          string
	consumerKey    string
	consumerSecret string
	tokenID        string
	tokenSecret    string

	// nonce/timestamp are overridable for deterministic tests.
	nonce     func() string
	timestamp func() string
}

func newSigner(realm, consumerKey, consumerSecret, tokenID, tokenSecret string) *signer {
	return &signer{
		realm:          realm,
		consumerKey:    consumerKey,
		consumerSecret: consumerSecret,
		tokenID:        tokenID,
		tokenSecret:    tokenSecret,
		nonce:          randomNonce,
		timestamp:      func() string { return strconv.FormatInt(time.Now().Unix(), 10) },
	}
}

// authorizationHeader builds the `Authorization: OAuth ...` header for one
// request. rawURL must not include the query string; query parameters are
// passed in params so they join the signature base.
func (s *signer) authorizationHeader(method, rawURL string, params url.Values) string {
	nonce := s.nonce()
	timestamp := s.timestamp()

	oauthParams := map[string]string{
		"oauth_consumer_key":     s.consumerKey,
		"oauth_nonce":            nonce,
		"oauth_signature_method": "HMAC-SHA256",
		"oauth_timestamp":        timestamp,
		"oauth_token":            s.tokenID,
		"oauth_version":          "1.0",
	}

	signature := s.signature(method, rawURL, params, oauthParams)

	pairs := []string{`realm="` + percentEncode(s.realm) + `"`}
	keys := make([]string, 0, len(oauthParams))
	for k := range oauthParams {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		pairs = append(pairs, k+`="`+percentEncode(oauthParams[k])+`"`)
	}
	pairs = append(pairs, `oauth_signature="`+percentEncode(signature)+`"`)
	return "OAuth " + strings.Join(pairs, ", ")
}

// signature computes base64(HMAC-SHA256(key, baseString)).
func (s *signer) signature(method, rawURL string, params url.Values, oauthParams map[string]string) string {
	base := signatureBase(method, rawURL, params, oauthParams)
	key := percentEncode(s.consumerSecret) + "&" + percentEncode(s.tokenSecret)

	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(base))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// signatureBase builds METHOD&encoded-url&encoded-sorted-params.
func signatureBase(method, rawURL string, params url.Values, oauthParams map[string]string) string {
	type kv struct{ k, v string }
	var all []kv
	for k, vs := range params {
		for _, v := range vs {
			all = append(all, kv{k: percentEncode(k), v: percentEncode(v)})
		}
	}
	for k, v := range oauthParams {
		all = append(all, kv{k: percentEncode(k), v: percentEncode(v)})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].k != all[j].k {
			return all[i].k < all[j].k
		}
		return all[i].v < all[j].v
	})

	encoded := make([]string, 0, len(all))
	for _, p := range all {
		encoded = append(encoded, p.k+"="+p.v)
	}
	paramString := strings.Join(encoded, "&")

	return strings.ToUpper(method) + "&" + percentEncode(rawURL) + "&" + percentEncode(paramString)
}

// percentEncode applies strict RFC 3986 encoding: unreserved characters pass,
// everything else becomes %XX with uppercase hex.
func percentEncode(s string) string {
	var b strings.Builder
	for _, c := range []byte(s) {
		if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') ||
			c == '-' || c == '.' || c == '_' || c == '~' {
			b.WriteByte(c)
			continue
		}
		b.WriteString(fmt.Sprintf("%%%02X", c))
	}
	return b.String()
}

func randomNonce() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing is unrecoverable; fall back to a timestamp so
		// the request still goes out with a unique-enough nonce.
		return strconv.FormatInt(time.Now().UnixNano(), 10)
	}
	return hex.EncodeToString(buf)
}
