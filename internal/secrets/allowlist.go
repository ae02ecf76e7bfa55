package secrets

import (
	"errors"
	"fmt"
	"os"
	"regexp"

	"github.com/BurntSushi/toml"
)

var (
	// ErrInvalidTOML is returned for an allowlist file that does not parse.
	ErrInvalidTOML = errors.New("invalid allowlist toml")
	// ErrInvalidRegex is returned for an allowlist pattern that does not compile.
	ErrInvalidRegex = errors.New("invalid allowlist pattern")
)

// Allowlist excludes matches from redaction. Paths are matched against the
// document name, Regexes against the matched secret.
type Allowlist struct {
	Paths   []string `toml:"paths"`
	Regexes []string `toml:"regexes"`

	paths   []*regexp.Regexp
	regexes []*regexp.Regexp
}

// LoadAllowlist reads a gitleaks-style allowlist file:
//
//	[allowlist]
//	paths = ['''fixtures/.*''']
//	regexes = ['''EXAMPLE[A-Z0-9]+''']
//
// An empty path or a missing file yields an empty allowlist.
func LoadAllowlist(path string) (*Allowlist, error) {
	if path == "" {
		return &Allowlist{}, nil
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return &Allowlist{}, nil
		}
		return nil, err
	}

	var file struct {
		Allowlist Allowlist `toml:"allowlist"`
	}
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidTOML, path, err)
	}
	al := &file.Allowlist
	if err := al.compile(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return al, nil
}

func (a *Allowlist) compile() error {
	a.paths = a.paths[:0]
	for _, p := range a.Paths {
		re, err := regexp.Compile(p)
		if err != nil {
			return fmt.Errorf("%w: path %q: %v", ErrInvalidRegex, p, err)
		}
		a.paths = append(a.paths, re)
	}
	a.regexes = a.regexes[:0]
	for _, p := range a.Regexes {
		re, err := regexp.Compile(p)
		if err != nil {
			return fmt.Errorf("%w: content %q: %v", ErrInvalidRegex, p, err)
		}
		a.regexes = append(a.regexes, re)
	}
	return nil
}

// SkipsDocument reports whether name is excluded from redaction entirely.
func (a *Allowlist) SkipsDocument(name string) bool {
	if a == nil {
		return false
	}
	for _, re := range a.paths {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}

// Allows reports whether a matched secret is allowlisted.
func (a *Allowlist) Allows(secret string) bool {
	if a == nil {
		return false
	}
	for _, re := range a.regexes {
		if re.MatchString(secret) {
			return true
		}
	}
	return false
}
