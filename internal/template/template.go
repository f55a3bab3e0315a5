package template

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	texttemplate "text/template"
)

// ErrNotFound reports that no template content exists for a name.
// Callers treat a missing required part as fatal for the dispatch
// attempt (a partial envelope must never reach a channel).
var ErrNotFound = errors.New("template not found")

// Ref is an ordered list of template prefixes (namespaces).
// Lookup falls back across prefixes in declaration order; the first
// prefix doubles as the canonical label recorded in history.
type Ref []string

// Label returns the canonical label for history records.
func (r Ref) Label() string {
	if len(r) == 0 {
		return ""
	}
	return r[0]
}

// Source resolves a template name to its raw content.
//
// Implementations must return ErrNotFound (possibly wrapped) when the
// name does not exist, so the renderer can continue down the fallback
// chain.
type Source interface {
	Resolve(name string) (string, error)
}

// DirSource reads template content from files under a root directory.
type DirSource struct {
	Root string
}

func (s DirSource) Resolve(name string) (string, error) {
	path := filepath.Join(s.Root, filepath.FromSlash(name))
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%q: %w", name, ErrNotFound)
		}
		return "", fmt.Errorf("read template %q: %w", name, err)
	}
	return string(b), nil
}

// MapSource serves templates from memory. Used in tests and for
// embedded defaults.
type MapSource map[string]string

func (s MapSource) Resolve(name string) (string, error) {
	content, ok := s[name]
	if !ok {
		return "", fmt.Errorf("%q: %w", name, ErrNotFound)
	}
	return content, nil
}

// Renderer resolves and renders named template parts against a context.
type Renderer struct {
	src Source
}

func NewRenderer(src Source) *Renderer {
	return &Renderer{src: src}
}

// Candidates returns the lookup names for one part, in fallback order:
// for each prefix in declared order, the channel-specific name
// "{prefix}{channel}__{part}" wins over the generic "{prefix}{part}"
// before the next prefix is considered at all.
func Candidates(ref Ref, channelKey, part string) []string {
	names := make([]string, 0, 2*len(ref))
	for _, prefix := range ref {
		if channelKey != "" {
			names = append(names, prefix+channelKey+"__"+part)
		}
		names = append(names, prefix+part)
	}
	return names
}

// Render resolves and renders the requested parts.
//
// Each part's content is located via Candidates and rendered with
// text/template against ctx. A part with no resolvable candidate
// yields an error wrapping ErrNotFound; rendering stops at the first
// failing part so no partial envelope escapes.
func (r *Renderer) Render(ref Ref, channelKey string, parts []string, ctx map[string]any) (map[string]string, error) {
	out := make(map[string]string, len(parts))
	for _, part := range parts {
		content, err := r.resolvePart(ref, channelKey, part)
		if err != nil {
			return nil, err
		}
		rendered, err := renderContent(part, content, ctx)
		if err != nil {
			return nil, fmt.Errorf("render part %q: %w", part, err)
		}
		out[part] = rendered
	}
	return out, nil
}

func (r *Renderer) resolvePart(ref Ref, channelKey, part string) (string, error) {
	var lastErr error
	for _, name := range Candidates(ref, channelKey, part) {
		content, err := r.src.Resolve(name)
		if err == nil {
			return content, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return "", err
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("part %q: %w", part, ErrNotFound)
	}
	return "", fmt.Errorf("part %q (template %v): %w", part, []string(ref), ErrNotFound)
}

func renderContent(name, content string, ctx map[string]any) (string, error) {
	t, err := texttemplate.New(name).Option("missingkey=zero").Parse(content)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	if err := t.Execute(&b, ctx); err != nil {
		return "", err
	}
	// missingkey=zero yields a nil interface for absent map keys, which
	// text/template prints as "<no value>". Missing keys render empty.
	return strings.ReplaceAll(b.String(), "<no value>", ""), nil
}
