package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

// tokenAudience scopes bearer tokens to this service.
const tokenAudience = "relaychat"

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

func unauthorized(message string) *authError {
	return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: message}
}

func forbidden(message string) *authError {
	return &authError{status: http.StatusForbidden, code: "forbidden", message: message}
}

// tokenClaims is the bearer contract for agent-facing read endpoints:
// which tenant's stream the subscriber may watch and what it may do there.
type tokenClaims struct {
	TenantID string   `json:"tenant_id"`
	Audience string   `json:"aud"`
	Scopes   []string `json:"scopes"`
	Exp      int64    `json:"exp"`
}

func (c tokenClaims) hasScope(scope string) bool {
	for _, granted := range c.Scopes {
		if granted == scope {
			return true
		}
	}
	return false
}

func authorizeBearer(authHeader, jwtSecret, tenantID, requiredScope string, now time.Time) (tokenClaims, *authError) {
	claims, authErr := parseBearer(authHeader, jwtSecret, now)
	if authErr != nil {
		return tokenClaims{}, authErr
	}
	if tenantID != "" && claims.TenantID != tenantID {
		return tokenClaims{}, forbidden("tenant mismatch")
	}
	if requiredScope != "" && !claims.hasScope(requiredScope) {
		return tokenClaims{}, forbidden("missing required scope: " + requiredScope)
	}
	return claims, nil
}

// parseBearer verifies an HS256 token and returns its claims. Only the
// claims this service consumes are part of the contract; anything else in
// the payload is ignored.
func parseBearer(authHeader, jwtSecret string, now time.Time) (tokenClaims, *authError) {
	raw, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok {
		return tokenClaims{}, unauthorized("missing or invalid bearer token")
	}
	parts := strings.Split(strings.TrimSpace(raw), ".")
	if len(parts) != 3 {
		return tokenClaims{}, unauthorized("invalid token format")
	}

	var header struct {
		Alg string `json:"alg"`
	}
	if err := decodeTokenSegment(parts[0], &header); err != nil {
		return tokenClaims{}, unauthorized("invalid token header")
	}
	if header.Alg != "HS256" {
		return tokenClaims{}, unauthorized("unsupported token algorithm")
	}

	signature, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return tokenClaims{}, unauthorized("invalid token signature")
	}
	mac := hmac.New(sha256.New, []byte(jwtSecret))
	mac.Write([]byte(parts[0]))
	mac.Write([]byte("."))
	mac.Write([]byte(parts[1]))
	if !hmac.Equal(signature, mac.Sum(nil)) {
		return tokenClaims{}, unauthorized("token signature mismatch")
	}

	var claims tokenClaims
	if err := decodeTokenSegment(parts[1], &claims); err != nil {
		return tokenClaims{}, unauthorized("invalid token payload")
	}
	if claims.TenantID == "" {
		return tokenClaims{}, unauthorized("missing tenant_id claim")
	}
	if claims.Audience != tokenAudience {
		return tokenClaims{}, unauthorized("invalid aud claim")
	}
	if claims.Exp == 0 || now.Unix() >= claims.Exp {
		return tokenClaims{}, unauthorized("token expired")
	}
	if len(claims.Scopes) == 0 {
		return tokenClaims{}, forbidden("no scopes granted")
	}
	return claims, nil
}

func decodeTokenSegment(segment string, out any) error {
	decoded, err := base64.RawURLEncoding.DecodeString(segment)
	if err != nil {
		return err
	}
	return json.Unmarshal(decoded, out)
}

// verifyInternalHMAC authenticates a request from an internal service:
// hex(HMAC-SHA256(secret, timestamp + "\n" + body)) with the timestamp
// bounded to the skew window.
func verifyInternalHMAC(secret, timestamp, signature string, body []byte, now time.Time, maxSkew time.Duration) *authError {
	if timestamp == "" || signature == "" {
		return unauthorized("missing internal auth headers")
	}
	ts, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return unauthorized("invalid internal timestamp")
	}
	if delta := now.Sub(ts); delta > maxSkew || delta < -maxSkew {
		return unauthorized("internal request outside replay window")
	}

	presented, err := hex.DecodeString(strings.ToLower(signature))
	if err != nil {
		return unauthorized("invalid internal signature encoding")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("\n"))
	mac.Write(body)
	if !hmac.Equal(presented, mac.Sum(nil)) {
		return unauthorized("internal signature mismatch")
	}
	return nil
}

// verifyWebhookSecret checks the platform's shared secret header in constant
// time.
func verifyWebhookSecret(secret, presented string) *authError {
	if presented == "" {
		return unauthorized("missing webhook secret header")
	}
	if !hmac.Equal([]byte(secret), []byte(presented)) {
		return unauthorized("webhook secret mismatch")
	}
	return nil
}
