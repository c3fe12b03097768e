// Package scope normalizes OAuth scope requests into a canonical form and
// derives the deterministic cache keys used to share tokens across processes.
package scope

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// DefaultScope is used when a token is requested with no scopes at all.
const DefaultScope = "api"

// scopePattern accepts a bare service name ("billing") or a
// service:permission pair ("billing:read"). Wildcard permissions are allowed.
var scopePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*(:[a-zA-Z0-9*][a-zA-Z0-9._*-]*)?$`)

// Split breaks the supplied values into individual scope tokens. Each value
// may itself contain several tokens separated by whitespace or commas, so
// callers can pass a single space-delimited string, a list, or a mix.
func Split(values ...string) []string {
	var tokens []string
	for _, v := range values {
		fields := strings.FieldsFunc(v, func(r rune) bool {
			return r == ' ' || r == '\t' || r == '\n' || r == ','
		})
		tokens = append(tokens, fields...)
	}
	return tokens
}

// Normalize returns the canonical space-joined form of the requested scopes:
// de-duplicated, lexicographically sorted tokens. Absent input maps to
// DefaultScope. Normalize is idempotent and insensitive to ordering and
// duplication of its input.
func Normalize(values ...string) string {
	tokens := Split(values...)
	if len(tokens) == 0 {
		return DefaultScope
	}

	seen := make(map[string]struct{}, len(tokens))
	unique := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		unique = append(unique, t)
	}
	sort.Strings(unique)

	return strings.Join(unique, " ")
}

// Fingerprint returns a short, fixed-length digest of a normalized scope
// string. Sixteen hex characters keeps cache keys compact while remaining
// collision-resistant for any realistic number of scope combinations.
func Fingerprint(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:8])
}

// CacheKey composes the storage key for a (client, scope set) pair:
// {prefix}:{clientID}:{fingerprint}. Two requests with the same client and
// equivalent scope lists always map to the same key.
func CacheKey(prefix, clientID string, values ...string) string {
	return fmt.Sprintf("%s:%s:%s", prefix, clientID, Fingerprint(Normalize(values...)))
}

// Compatible reports whether every requested scope is covered by the granted
// scope set. Cache keys are scope-exact, so this is an advisory validation of
// a retrieved token rather than part of key derivation.
func Compatible(granted string, requested string) bool {
	grantedSet := make(map[string]struct{})
	for _, g := range Split(granted) {
		grantedSet[g] = struct{}{}
	}
	for _, r := range Split(requested) {
		if _, ok := grantedSet[r]; !ok {
			return false
		}
	}
	return true
}

// Validate checks each scope token against the expected service or
// service:permission shape. Invalid tokens are reported together; none are
// silently dropped.
func Validate(values ...string) error {
	var invalid []string
	for _, t := range Split(values...) {
		if !scopePattern.MatchString(t) {
			invalid = append(invalid, t)
		}
	}
	if len(invalid) > 0 {
		return fmt.Errorf("invalid scope format: %s", strings.Join(invalid, ", "))
	}
	return nil
}
