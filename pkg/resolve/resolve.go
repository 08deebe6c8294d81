// Package resolve maps import specifiers to module identifiers: slash
// separated paths relative to the project root such as
// "node_modules/react/index.js" or "src/App.tsx".
package resolve

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// ErrNotFound is wrapped by every resolution failure.
var ErrNotFound = errors.New("resolve: module not found")

var Extensions = []string{"js", "jsx", "ts", "tsx", "mjs", "cjs", "json"}

type Resolver struct {
	Root       string
	Extensions []string
	// Prebundled maps bare package specifiers to root relative module ids
	// that replace the package. Subpath imports are not affected.
	Prebundled map[string]string

	aliases []alias
}

type alias struct {
	prefix string
	target string
}

// New returns a resolver rooted at root. Alias prefixes are matched longest
// first against the whole specifier or the specifier up to a "/".
func New(root string, aliases map[string]string) *Resolver {
	r := &Resolver{Root: root, Extensions: Extensions}
	for p, t := range aliases {
		r.aliases = append(r.aliases, alias{prefix: p, target: filepath.ToSlash(t)})
	}
	sort.Slice(r.aliases, func(i, j int) bool {
		if len(r.aliases[i].prefix) != len(r.aliases[j].prefix) {
			return len(r.aliases[i].prefix) > len(r.aliases[j].prefix)
		}
		return r.aliases[i].prefix < r.aliases[j].prefix
	})
	return r
}

// Alias rewrites specifier through the alias table. The result is root relative
// and prefixed with "/" when an alias applied.
func (r *Resolver) Alias(specifier string) (string, bool) {
	for _, a := range r.aliases {
		if specifier == a.prefix {
			return "/" + a.target, true
		}
		if strings.HasPrefix(specifier, a.prefix+"/") {
			return "/" + path.Join(a.target, specifier[len(a.prefix)+1:]), true
		}
	}
	return specifier, false
}

// Fingerprint describes the alias and prebundle tables. It changes whenever
// a specifier could resolve differently.
func (r *Resolver) Fingerprint() string {
	var sb strings.Builder
	for _, a := range r.aliases {
		fmt.Fprintf(&sb, "%s=%s;", a.prefix, a.target)
	}
	deps := make([]string, 0, len(r.Prebundled))
	for d := range r.Prebundled {
		deps = append(deps, d)
	}
	sort.Strings(deps)
	for _, d := range deps {
		fmt.Fprintf(&sb, "%s>%s;", d, r.Prebundled[d])
	}
	return sb.String()
}

// Resolve implements node style resolution for specifier imported from dir, a
// root relative directory.
func (r *Resolver) Resolve(dir, specifier string) (string, error) {
	dir = filepath.ToSlash(dir)
	if id, ok := r.Prebundled[specifier]; ok {
		return id, nil
	}
	specifier, _ = r.Alias(specifier)

	var candidates []string
	switch {
	case strings.HasPrefix(specifier, "/"):
		candidates = []string{path.Clean(strings.TrimPrefix(specifier, "/"))}
	case strings.HasPrefix(specifier, "./") || strings.HasPrefix(specifier, "../") || specifier == "." || specifier == "..":
		candidates = []string{path.Join(dir, specifier)}
	default:
		for d := dir; ; d = path.Dir(d) {
			if path.Base(d) != "node_modules" {
				candidates = append(candidates, path.Join(d, "node_modules", specifier))
			}
			if d == "." || d == "/" || d == "" {
				break
			}
		}
	}

	for _, c := range candidates {
		if strings.HasPrefix(c, "../") || c == ".." {
			continue
		}
		if id, ok := r.file(c); ok {
			return id, nil
		}
		if id, ok := r.dir(c); ok {
			return id, nil
		}
	}
	return "", fmt.Errorf("%w: %q from %q", ErrNotFound, specifier, dir)
}

func (r *Resolver) stat(id string) (os.FileInfo, bool) {
	st, err := os.Stat(filepath.Join(r.Root, filepath.FromSlash(id)))
	if err != nil {
		return nil, false
	}
	return st, true
}

func (r *Resolver) file(id string) (string, bool) {
	if st, ok := r.stat(id); ok && !st.IsDir() {
		return id, true
	}
	for _, ext := range r.Extensions {
		if st, ok := r.stat(id + "." + ext); ok && !st.IsDir() {
			return id + "." + ext, true
		}
	}
	return "", false
}

func (r *Resolver) dir(id string) (string, bool) {
	if st, ok := r.stat(id); !ok || !st.IsDir() {
		return "", false
	}
	pkg := struct {
		Main   string `json:"main"`
		Module string `json:"module"`
	}{}
	if data, err := os.ReadFile(filepath.Join(r.Root, filepath.FromSlash(id), "package.json")); err == nil {
		_ = json.Unmarshal(data, &pkg)
	}
	for _, main := range []string{pkg.Main, pkg.Module} {
		if main == "" {
			continue
		}
		if f, ok := r.file(path.Join(id, main)); ok {
			return f, true
		}
		if f, ok := r.file(path.Join(id, main, "index")); ok {
			return f, true
		}
	}
	return r.file(path.Join(id, "index"))
}
