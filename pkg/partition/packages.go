package partition

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
)

// ErrUndeclared is returned by PackagePolicy.Validate when the mapping names a
// package the manifest does not depend on.
var ErrUndeclared = errors.New("partition: mapped package not declared in manifest")

const nodeModules = "node_modules/"

// PackageName extracts the npm package name from a module identifier. It uses
// the last node_modules segment so nested installs resolve to the innermost
// package. Scoped packages keep their scope.
func PackageName(id string) (string, bool) {
	id = normalize(id)
	i := strings.LastIndex(id, nodeModules)
	if i < 0 {
		return "", false
	}
	parts := strings.SplitN(id[i+len(nodeModules):], "/", 3)
	if parts[0] == "" {
		return "", false
	}
	if strings.HasPrefix(parts[0], "@") {
		if len(parts) < 2 || parts[1] == "" {
			return "", false
		}
		return parts[0] + "/" + parts[1], true
	}
	return parts[0], true
}

// Manifest is the subset of package.json chunkbld reads.
type Manifest struct {
	Name            string            `json:"name"`
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
}

// ReadManifest parses a package.json file.
func ReadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	m := Manifest{}
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("partition: parse %s: %w", path, err)
	}
	return m, nil
}

// Declares reports whether the manifest depends on pkg.
func (m Manifest) Declares(pkg string) bool {
	if _, ok := m.Dependencies[pkg]; ok {
		return true
	}
	_, ok := m.DevDependencies[pkg]
	return ok
}

// Packages returns every declared dependency, sorted.
func (m Manifest) Packages() []string {
	var pkgs []string
	for p := range m.Dependencies {
		pkgs = append(pkgs, p)
	}
	for p := range m.DevDependencies {
		if _, ok := m.Dependencies[p]; !ok {
			pkgs = append(pkgs, p)
		}
	}
	sort.Strings(pkgs)
	return pkgs
}

// PackagePolicy labels modules by their declared package name instead of by
// substring. Unlike Policy it cannot be fooled by a package whose name merely
// contains another one (react-markdown is not react).
type PackagePolicy struct {
	Packages map[string]Label
}

// DefaultPackages maps the declared dependencies of the default app to the
// same chunks DefaultRules produces. Entries name packages as they appear in
// package.json; transitive packages are not listed and stay with their
// importer's entry chunk.
func DefaultPackages() map[string]Label {
	return map[string]Label{
		"react":                       "react-vendor",
		"react-dom":                   "react-vendor",
		"react-router-dom":            "react-vendor",
		"framer-motion":               "animation-vendor",
		"canvas-confetti":             "animation-vendor",
		"lucide-react":                "ui-vendor",
		"prism-react-renderer":        "ui-vendor",
		"zustand":                     "state-vendor",
		"@google/generative-ai":       "ai-vendor",
		"@monaco-editor/react":        "editor",
		"pixi.js":                     "live2d",
		"pixi-live2d-display-lipsync": "live2d",
	}
}

// NewPackagePolicy copies packages into a new policy.
func NewPackagePolicy(packages map[string]Label) *PackagePolicy {
	p := &PackagePolicy{Packages: make(map[string]Label, len(packages))}
	for name, l := range packages {
		p.Packages[name] = l
	}
	return p
}

// Classify implements Classifier.
func (p *PackagePolicy) Classify(id string) (Label, bool) {
	name, ok := PackageName(id)
	if !ok {
		return Unassigned, false
	}
	l, ok := p.Packages[name]
	return l, ok
}

// Validate checks every label and returns an error wrapping ErrUndeclared
// listing every mapped package the manifest does not declare.
func (p *PackagePolicy) Validate(m Manifest) error {
	var errs []error
	var missing []string
	for pkg, l := range p.Packages {
		if err := ValidateLabel(l); err != nil {
			errs = append(errs, fmt.Errorf("package %s: %w", pkg, err))
		}
		if !m.Declares(pkg) {
			missing = append(missing, pkg)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		errs = append(errs, fmt.Errorf("%w: %s", ErrUndeclared, strings.Join(missing, ", ")))
	}
	return errors.Join(errs...)
}

// Unmapped returns the manifest dependencies the policy has no label for.
func (p *PackagePolicy) Unmapped(m Manifest) []string {
	var out []string
	for _, pkg := range m.Packages() {
		if _, ok := p.Packages[pkg]; !ok {
			out = append(out, pkg)
		}
	}
	return out
}
