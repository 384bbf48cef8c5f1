package filechooser

import (
	"net/url"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/gabriel-vasile/mimetype"
)

// Filter drops picked locators that fall outside the allowed roots or do not
// satisfy the input's accept list.
type Filter struct {
	roots []string
}

func NewFilter(roots []string) (*Filter, error) {
	for _, r := range roots {
		if !doublestar.ValidatePattern(filepath.ToSlash(r)) {
			return nil, &PatternError{Pattern: r}
		}
	}
	return &Filter{roots: roots}, nil
}

type PatternError struct{ Pattern string }

func (e *PatternError) Error() string { return "filechooser: invalid root pattern " + e.Pattern }

func (f *Filter) Apply(locators []string, accept []string) []string {
	out := make([]string, 0, len(locators))
	for _, loc := range locators {
		path, local := localPath(loc)
		if local && !f.allowed(path) {
			continue
		}
		if !accepts(loc, path, local, accept) {
			continue
		}
		out = append(out, loc)
	}
	return out
}

func (f *Filter) allowed(path string) bool {
	if f == nil || len(f.roots) == 0 {
		return true
	}
	p := filepath.ToSlash(filepath.Clean(path))
	for _, r := range f.roots {
		if ok, _ := doublestar.Match(filepath.ToSlash(r), p); ok {
			return true
		}
	}
	return false
}

// localPath reports whether loc names a file on this host.
func localPath(loc string) (string, bool) {
	u, err := url.Parse(loc)
	if err != nil {
		return "", false
	}
	switch u.Scheme {
	case "file":
		return u.Path, true
	case "":
		return loc, filepath.IsAbs(loc)
	}
	return "", false
}

func accepts(loc, path string, local bool, accept []string) bool {
	tokens := normalizeAccept(accept)
	if len(tokens) == 0 {
		return true
	}
	name := loc
	if local {
		name = path
	} else if u, err := url.Parse(loc); err == nil {
		name = u.Path
	}
	ext := strings.ToLower(filepath.Ext(name))

	var detected *mimetype.MIME
	if local {
		if m, err := mimetype.DetectFile(path); err == nil {
			detected = m
		}
	}
	for _, tok := range tokens {
		switch {
		case strings.HasPrefix(tok, "."):
			if ext == tok {
				return true
			}
		case strings.HasSuffix(tok, "/*"):
			prefix := strings.TrimSuffix(tok, "*")
			if detected != nil && strings.HasPrefix(detected.String(), prefix) {
				return true
			}
			if detected == nil && extensionHasPrefix(ext, prefix) {
				return true
			}
		default:
			if detected != nil && detected.Is(tok) {
				return true
			}
			if m := mimetype.Lookup(tok); m != nil && ext != "" && m.Extension() == ext {
				return true
			}
		}
	}
	return false
}

// extensionHasPrefix guesses a MIME family from an extension when the file
// cannot be sniffed.
func extensionHasPrefix(ext, prefix string) bool {
	if ext == "" {
		return false
	}
	for _, family := range knownFamilies[prefix] {
		if family == ext {
			return true
		}
	}
	return false
}

var knownFamilies = map[string][]string{
	"image/": {".png", ".jpg", ".jpeg", ".gif", ".webp", ".bmp", ".heic", ".svg"},
	"audio/": {".mp3", ".wav", ".ogg", ".m4a", ".aac", ".flac", ".webm"},
	"video/": {".mp4", ".mov", ".webm", ".mkv", ".avi", ".3gp"},
	"text/":  {".txt", ".csv", ".md", ".html", ".htm"},
}

func normalizeAccept(accept []string) []string {
	var out []string
	for _, a := range accept {
		for _, tok := range strings.Split(a, ",") {
			tok = strings.ToLower(strings.TrimSpace(tok))
			if tok == "" || tok == "*/*" {
				continue
			}
			out = append(out, tok)
		}
	}
	return out
}
