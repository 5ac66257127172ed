// Package identity maps remote-network identities onto virtual chat users
// and back.
package identity

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Placeholder marks where the encoded remote identity sits in a template.
const Placeholder = "%REMOTE_ID%"

var (
	// ErrUnknownIdentity is returned for user ids no template matches.
	ErrUnknownIdentity = errors.New("unknown identity")

	// ErrInvalidUserID is returned for strings that are not chat user ids.
	ErrInvalidUserID = errors.New("invalid user id")
)

// StartupConfigurationError reports configuration that prevents the bridge
// from starting. The entry point decides how to exit.
type StartupConfigurationError struct {
	Field  string
	Reason string
}

func (e *StartupConfigurationError) Error() string {
	if e.Field == "" {
		return "startup configuration: " + e.Reason
	}
	return fmt.Sprintf("startup configuration: %s: %s", e.Field, e.Reason)
}

// Match is the result of matching a user id against the templates.
type Match struct {
	Template  string
	Localpart string
	// Encoded is the raw captured portion of the localpart.
	Encoded string
	// RemoteID is Encoded after decoding.
	RemoteID string
}

type template struct {
	raw string
	re  *regexp.Regexp
}

// Matcher recognizes virtual-user localparts. Templates are tried in
// configuration order and the first full match wins.
type Matcher struct {
	domain    string
	templates []template
}

// NewMatcher compiles templates for domain. Each template must contain
// Placeholder exactly once.
func NewMatcher(domain string, templates []string) (*Matcher, error) {
	if domain == "" {
		return nil, &StartupConfigurationError{Field: "homeserver.domain", Reason: "must not be empty"}
	}
	if len(templates) == 0 {
		return nil, &StartupConfigurationError{Field: "homeserver.users", Reason: "at least one user template is required"}
	}

	m := &Matcher{domain: domain}
	for _, raw := range templates {
		if n := strings.Count(raw, Placeholder); n != 1 {
			return nil, &StartupConfigurationError{
				Field:  "homeserver.users",
				Reason: fmt.Sprintf("template %q must contain %s exactly once, found %d", raw, Placeholder, n),
			}
		}
		before, after, _ := strings.Cut(raw, Placeholder)
		pattern := "^" + regexp.QuoteMeta(before) + "(?P<remoteId>.+)" + regexp.QuoteMeta(after) + "$"
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, &StartupConfigurationError{
				Field:  "homeserver.users",
				Reason: fmt.Sprintf("template %q: %v", raw, err),
			}
		}
		m.templates = append(m.templates, template{raw: raw, re: re})
	}
	return m, nil
}

// MatchLocalpart matches a localpart against the templates.
func (m *Matcher) MatchLocalpart(localpart string) (Match, bool) {
	for _, t := range m.templates {
		sub := t.re.FindStringSubmatch(localpart)
		if sub == nil {
			continue
		}
		encoded := sub[t.re.SubexpIndex("remoteId")]
		remoteID, err := DecodeLocalpart(encoded)
		if err != nil {
			continue
		}
		return Match{Template: t.raw, Localpart: localpart, Encoded: encoded, RemoteID: remoteID}, true
	}
	return Match{}, false
}

// MatchUserID matches a full user id. Ids on other domains never match.
func (m *Matcher) MatchUserID(userID string) (Match, bool) {
	localpart, domain, err := ParseUserID(userID)
	if err != nil || domain != m.domain {
		return Match{}, false
	}
	return m.MatchLocalpart(localpart)
}

// LocalpartFor builds the localpart for remoteID from the first template.
func (m *Matcher) LocalpartFor(remoteID string) string {
	return strings.Replace(m.templates[0].raw, Placeholder, EncodeLocalpart(remoteID), 1)
}

// UserIDFor builds the full user id for remoteID.
func (m *Matcher) UserIDFor(remoteID string) string {
	return UserID(m.LocalpartFor(remoteID), m.domain)
}

// UserID joins a localpart and domain.
func UserID(localpart, domain string) string {
	return "@" + localpart + ":" + domain
}

// ParseUserID splits "@localpart:domain".
func ParseUserID(userID string) (localpart, domain string, err error) {
	if !strings.HasPrefix(userID, "@") {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidUserID, userID)
	}
	localpart, domain, ok := strings.Cut(userID[1:], ":")
	if !ok || localpart == "" || domain == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidUserID, userID)
	}
	return localpart, domain, nil
}
