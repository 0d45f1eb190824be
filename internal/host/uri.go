package host

import (
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"
)

// Uri identifies a resource the way the editor runtime does: scheme,
// authority, path, query and fragment. Values are immutable; With* methods
// return copies.
type Uri struct {
	Scheme    string `json:"scheme"`
	Authority string `json:"authority,omitempty"`
	Path      string `json:"path"`
	Query     string `json:"query,omitempty"`
	Fragment  string `json:"fragment,omitempty"`
}

// ParseUri parses a string such as file:///a/b or vscode-remote://host/x
func ParseUri(raw string) (Uri, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Uri{}, fmt.Errorf("invalid uri %q: %w", raw, err)
	}
	if u.Scheme == "" {
		return Uri{}, fmt.Errorf("invalid uri %q: missing scheme", raw)
	}
	p := u.Path
	if p == "" {
		p = "/"
	}
	return Uri{
		Scheme:    u.Scheme,
		Authority: u.Host,
		Path:      p,
		Query:     u.RawQuery,
		Fragment:  u.Fragment,
	}, nil
}

// FileUri builds a file-scheme Uri from a filesystem path
func FileUri(fsPath string) Uri {
	p := filepath.ToSlash(fsPath)
	if abs, err := filepath.Abs(fsPath); err == nil {
		p = filepath.ToSlash(abs)
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return Uri{Scheme: "file", Path: p}
}

// FsPath returns the filesystem path of a file Uri
func (u Uri) FsPath() string {
	return filepath.FromSlash(u.Path)
}

// JoinPath returns a Uri with segments appended to the path
func (u Uri) JoinPath(segments ...string) Uri {
	out := u
	out.Path = path.Join(append([]string{u.Path}, segments...)...)
	return out
}

// WithPath returns a copy with the path replaced
func (u Uri) WithPath(p string) Uri {
	out := u
	out.Path = p
	return out
}

// Equal compares all components; the scheme is case-insensitive
func (u Uri) Equal(other Uri) bool {
	return strings.EqualFold(u.Scheme, other.Scheme) &&
		u.Authority == other.Authority &&
		u.Path == other.Path &&
		u.Query == other.Query &&
		u.Fragment == other.Fragment
}

// String renders scheme://authority/path?query#fragment
func (u Uri) String() string {
	out := url.URL{
		Scheme:   u.Scheme,
		Host:     u.Authority,
		Path:     u.Path,
		RawQuery: u.Query,
		Fragment: u.Fragment,
	}
	return out.String()
}
