// Package jwtverifier implements the JWT verification pipeline (spec.md
// §4.2): parse a compact-serialized JWT, discover its issuer's signing
// key (via OpenID discovery + JWKS, or a configured email-domain
// key-URL prefix), verify its RSA signature, and check its temporal and
// audience claims.
package jwtverifier

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

// clockSkew bounds how far a JWT's nbf/exp may disagree with the local
// clock before it is rejected (spec.md §4.2 step 7).
const clockSkew = 60 * time.Second

// maxDelay bounds the wall-clock time a single HTTP round trip (OpenID
// discovery or JWKS fetch) may take (spec.md §4.2, "State machine").
const maxDelay = time.Minute

// Header is the JOSE header of a JWS (spec.md §3). Only the RSA
// signature algorithms are accepted; unsigned and HMAC tokens are
// rejected at the header-validation step.
type Header struct {
	Alg jwa.SignatureAlgorithm
	Kid string
	Typ string
}

var supportedAlgorithms = map[string]jwa.SignatureAlgorithm{
	jwa.RS256.String(): jwa.RS256,
	jwa.RS384.String(): jwa.RS384,
	jwa.RS512.String(): jwa.RS512,
}

// Verifier holds the process-wide, read-only email-domain to key-URL
// mapping plus the HTTP client used for discovery and JWKS fetches.
type Verifier struct {
	emailDomainKeyURL map[string]string
	httpClient        *http.Client
	jwksURICache      *ttlcache.Cache[string, string]
	log               logrus.FieldLogger
}

// Option configures a Verifier at construction time.
type Option func(*Verifier)

// WithHTTPClient overrides the HTTP client used for discovery/JWKS
// fetches; defaults to one with maxDelay as its timeout, matching the
// way oauth2_auth.go configures its reusable client.
func WithHTTPClient(client *http.Client) Option {
	return func(v *Verifier) { v.httpClient = client }
}

// WithLogger attaches a structured logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(v *Verifier) { v.log = log }
}

// WithoutJWKSURICache disables the issuer->jwks_uri cache, forcing a
// full OpenID discovery round trip on every non-email-issuer Verify
// call.
func WithoutJWKSURICache() Option {
	return func(v *Verifier) { v.jwksURICache = nil }
}

// NewVerifier builds a Verifier. emailDomainKeyURL maps a recognised
// issuer email domain (e.g. "gserviceaccount.com") to the URL prefix
// used to form its key-document URL, i.e. "<prefix>/<iss>". The mapping
// is copied and never mutated after construction (spec.md §9, "Global
// state").
func NewVerifier(emailDomainKeyURL map[string]string, opts ...Option) *Verifier {
	mapping := make(map[string]string, len(emailDomainKeyURL))
	for k, v := range emailDomainKeyURL {
		mapping[k] = v
	}
	v := &Verifier{
		emailDomainKeyURL: mapping,
		httpClient:        &http.Client{Timeout: maxDelay},
		jwksURICache:      ttlcache.New[string, string](ttlcache.WithTTL[string, string](15 * time.Minute)),
		log:               logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify runs the full pipeline against compactJWT, checking its
// audience against expectedAudience (empty means "no audience
// expected"). On success it returns the token's claims; on any failure
// it returns a *VerifyError carrying one of the seven terminal status
// codes.
func (v *Verifier) Verify(ctx context.Context, compactJWT string, expectedAudience string) (*Claims, error) {
	ctx, cancel := context.WithTimeout(ctx, maxDelay)
	defer cancel()

	segments := strings.Split(compactJWT, ".")
	if len(segments) != 3 {
		return nil, failf(StatusBadFormat, "expected 3 dot-separated segments, got %d", len(segments))
	}
	headerB64, claimsB64 := segments[0], segments[1]

	hdr, err := decodeHeader(headerB64)
	if err != nil {
		return nil, fail(StatusBadFormat, err)
	}

	claims, err := decodeClaims(claimsB64)
	if err != nil {
		return nil, fail(StatusBadFormat, err)
	}

	pubKey, err := v.retrieveKey(ctx, claims.Issuer, hdr)
	if err != nil {
		return nil, fail(StatusKeyRetrievalError, err)
	}

	if _, err := jws.Verify([]byte(compactJWT), jws.WithKey(hdr.Alg, pubKey)); err != nil {
		return nil, fail(StatusBadSignature, err)
	}

	if err := v.checkClaims(claims, expectedAudience); err != nil {
		return nil, err
	}

	return claims, nil
}

// decodeHeader decodes and validates the JOSE header (spec.md §4.2 step
// 2): alg must be one of the supported RSA algorithms; unsigned ("none")
// and HMAC tokens are rejected here.
func decodeHeader(headerB64 string) (Header, error) {
	raw, err := base64.RawURLEncoding.DecodeString(headerB64)
	if err != nil {
		return Header{}, fmt.Errorf("decoding header segment: %w", err)
	}
	var fields struct {
		Alg string `json:"alg"`
		Kid string `json:"kid"`
		Typ string `json:"typ"`
	}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Header{}, fmt.Errorf("parsing header JSON: %w", err)
	}
	alg, ok := supportedAlgorithms[fields.Alg]
	if !ok {
		return Header{}, fmt.Errorf("unsupported alg %q: only RS256/RS384/RS512 are accepted", fields.Alg)
	}
	return Header{Alg: alg, Kid: fields.Kid, Typ: fields.Typ}, nil
}

// decodeClaims decodes the claims segment (spec.md §4.2 step 3),
// populating the well-known fields and rejecting any of them that fail
// to type-check against RFC 7519.
func decodeClaims(claimsB64 string) (*Claims, error) {
	raw, err := base64.RawURLEncoding.DecodeString(claimsB64)
	if err != nil {
		return nil, fmt.Errorf("decoding claims segment: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parsing claims JSON: %w", err)
	}

	claims := &Claims{Raw: m}
	if v, ok := m["iss"]; ok {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("claim %q must be a string", "iss")
		}
		claims.Issuer = s
	}
	if v, ok := m["sub"]; ok {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("claim %q must be a string", "sub")
		}
		claims.Subject = s
	}
	if v, ok := m["jti"]; ok {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("claim %q must be a string", "jti")
		}
		claims.JWTID = s
	}
	if v, ok := m["aud"]; ok {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("claim %q must be a string", "aud")
		}
		claims.Audience = lo.ToPtr(s)
	}
	for name, dst := range map[string]**time.Time{"iat": &claims.IssuedAt, "nbf": &claims.NotBefore, "exp": &claims.Expiry} {
		v, ok := m[name]
		if !ok {
			continue
		}
		secs, ok := asNumber(v)
		if !ok {
			return nil, fmt.Errorf("claim %q must be numeric", name)
		}
		*dst = lo.ToPtr(time.Unix(int64(secs), 0).UTC())
	}
	return claims, nil
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// checkClaims implements spec.md §4.2 step 7.
func (v *Verifier) checkClaims(claims *Claims, expectedAudience string) error {
	now := time.Now()
	if claims.NotBefore != nil && now.Add(clockSkew).Before(*claims.NotBefore) {
		return failf(StatusTimeConstraintFailure, "token not valid until %s", claims.NotBefore)
	}
	if claims.Expiry != nil && now.Add(-clockSkew).After(*claims.Expiry) {
		return failf(StatusTimeConstraintFailure, "token expired at %s", claims.Expiry)
	}

	// Self-issued check: only applies when the issuer looks like an
	// email address the verifier recognises a domain mapping for, per
	// the "99% use case" comment in the original jwt_verifier.cc — any
	// other issuer is verified via OpenID discovery and carries no
	// self-issued constraint.
	if domain, ok := v.emailIssuerDomain(claims.Issuer); ok {
		_ = domain
		if claims.Subject != "" && claims.Subject != claims.Issuer {
			return failf(StatusBadSubject, "email issuer %q cannot assert subject %q", claims.Issuer, claims.Subject)
		}
	}

	var audienceOK bool
	if expectedAudience == "" {
		audienceOK = claims.Audience == nil
	} else {
		audienceOK = claims.Audience != nil && *claims.Audience == expectedAudience
	}
	if !audienceOK {
		return failf(StatusBadAudience, "audience mismatch: got %v, want %q", claims.Audience, expectedAudience)
	}
	return nil
}

// retrieveKey implements spec.md §4.2 step 4: if the issuer contains an
// "@", it is treated as an email address and resolved via the
// configured domain->key-URL-prefix mapping; otherwise it is treated as
// an https origin and resolved via OpenID discovery.
func (v *Verifier) retrieveKey(ctx context.Context, issuer string, hdr Header) (any, error) {
	var keyDocURL string
	if domain, _ := v.emailIssuerDomain(issuer); domain != "" {
		prefix, known := v.emailDomainKeyURL[domain]
		if !known {
			return nil, fmt.Errorf("no key-URL prefix configured for email domain %q", domain)
		}
		keyDocURL = strings.TrimSuffix(prefix, "/") + "/" + issuer
	} else {
		jwksURI, err := v.resolveJWKSURI(ctx, issuer)
		if err != nil {
			return nil, err
		}
		keyDocURL = jwksURI
	}

	doc, err := v.httpGet(ctx, keyDocURL)
	if err != nil {
		return nil, fmt.Errorf("fetching key document: %w", err)
	}
	return selectKey(doc, hdr)
}

// emailIssuerDomain mirrors grpc_jwt_issuer_email_domain: the naive
// email-domain extraction used to decide whether an issuer is a
// self-issued Google-style service-account token. It returns the
// domain and whether the verifier recognises it.
func (v *Verifier) emailIssuerDomain(issuer string) (string, bool) {
	at := strings.LastIndex(issuer, "@")
	if at < 0 {
		return "", false
	}
	email := issuer[at+1:]
	if email == "" {
		return "", false
	}
	dot := strings.LastIndex(email, ".")
	if dot <= 0 {
		return email, v.domainKnown(email)
	}
	sub := email[:dot]
	dot2 := strings.LastIndex(sub, ".")
	if dot2 < 0 {
		return email, v.domainKnown(email)
	}
	domain := email[dot2+1:]
	return domain, v.domainKnown(domain)
}

func (v *Verifier) domainKnown(domain string) bool {
	_, ok := v.emailDomainKeyURL[domain]
	return ok
}
