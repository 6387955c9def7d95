// Package settings declares every option this service persists per site.
package settings

import (
	"strconv"
	"strings"
)

// Prefix namespaces every option key.
const Prefix = "instagram"

// Section groups settings the way the options page renders them.
type Section string

const (
	SectionGeneral Section = ""
	SectionUser    Section = "user"
)

// Type is the stored value type of a setting.
type Type string

const (
	TypeString  Type = "string"
	TypeInteger Type = "integer"
)

// Setting is the static definition of one per-site option.
type Setting struct {
	Name     string
	Title    string
	Section  Section
	Type     Type
	Default  string
	Sanitize func(string) string
}

// Key returns the sanitized, prefixed option key.
func (s Setting) Key() string {
	return Key(s.Name, Prefix, string(s.Section))
}

// Value applies the sanitizer, falling back to the default for empty input.
func (s Setting) Value(raw string) string {
	value := raw
	if s.Sanitize != nil {
		value = s.Sanitize(value)
	}
	if value == "" {
		return s.Default
	}
	return value
}

var (
	AccessToken    = Setting{Name: "access_token", Title: "Access Token", Section: SectionGeneral, Type: TypeString, Sanitize: SanitizeText}
	ExpiresOn      = Setting{Name: "expires_on", Title: "Expires on", Section: SectionGeneral, Type: TypeInteger, Sanitize: SanitizeInteger}
	AccountType    = Setting{Name: "account_type", Title: "Account Type", Section: SectionUser, Type: TypeString, Sanitize: SanitizeText}
	UserID         = Setting{Name: "id", Title: "ID", Section: SectionUser, Type: TypeString, Sanitize: SanitizeText}
	Username       = Setting{Name: "username", Title: "Username", Section: SectionUser, Type: TypeString, Sanitize: SanitizeText}
	FullName       = Setting{Name: "full_name", Title: "Full Name", Section: SectionUser, Type: TypeString, Sanitize: SanitizeText}
	ProfilePicture = Setting{Name: "profile_picture", Title: "Profile Picture", Section: SectionUser, Type: TypeString, Sanitize: SanitizeText}
)

// General returns the token settings.
func General() []Setting {
	return []Setting{AccessToken, ExpiresOn}
}

// User returns the profile settings, including the legacy fields.
func User() []Setting {
	return []Setting{AccountType, UserID, Username, FullName, ProfilePicture}
}

// All returns every setting in render order.
func All() []Setting {
	return append(General(), User()...)
}

// Keys returns the option keys of the given settings.
func Keys(list []Setting) []string {
	keys := make([]string, 0, len(list))
	for _, s := range list {
		keys = append(keys, s.Key())
	}
	return keys
}

// UserField looks up a profile setting by the provider's field name.
func UserField(name string) (Setting, bool) {
	for _, s := range User() {
		if s.Name == name {
			return s, true
		}
	}
	return Setting{}, false
}

// Key joins name onto the non-empty sections with "_" and sanitizes the result.
func Key(name string, sections ...string) string {
	parts := make([]string, 0, len(sections)+1)
	for _, section := range sections {
		if section != "" {
			parts = append(parts, section)
		}
	}
	if name != "" {
		parts = append(parts, name)
	}
	return SanitizeKey(strings.Join(parts, "_"))
}

// SanitizeKey lowercases and keeps only [a-z0-9_-].
func SanitizeKey(key string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(key) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// SanitizeText trims and drops control characters.
func SanitizeText(value string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(value) {
		if r < 0x20 || r == 0x7f {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SanitizeInteger keeps a base-10 integer or returns "".
func SanitizeInteger(value string) string {
	n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return ""
	}
	return strconv.FormatInt(n, 10)
}
