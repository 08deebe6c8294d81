// Package optimize pre-bundles heavy dependencies into single CommonJS
// modules. Development builds resolve bare imports of those dependencies to
// the bundles instead of compiling every file of each package.
package optimize

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/evanw/esbuild/pkg/api"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/coldog/chunkbld/pkg/config"
)

const metadataFile = "_metadata.json"

// bundleFormat is part of the cache hash so bundles written in another
// format are rebuilt.
const bundleFormat = "cjs"

// lockfiles feed the cache hash alongside package.json.
var lockfiles = []string{"package-lock.json", "yarn.lock", "pnpm-lock.yaml", "bun.lockb"}

type Optimizer struct {
	Root        string
	CacheDir    string
	Include     []string
	Exclude     []string
	Target      api.Target
	Concurrency int
	Logger      *zap.Logger
}

// Metadata is persisted next to the pre-bundled dependencies.
type Metadata struct {
	Hash      string             `json:"hash"`
	Optimized map[string]DepInfo `json:"optimized"`
	CreatedAt time.Time          `json:"createdAt"`
}

type DepInfo struct {
	// File is relative to the deps directory.
	File      string   `json:"file"`
	Bytes     int      `json:"bytes"`
	Inputs    int      `json:"inputs"`
	Externals []string `json:"externals,omitempty"`
}

func New(cfg *config.Config, log *zap.Logger) *Optimizer {
	return &Optimizer{
		Root:        cfg.Root,
		CacheDir:    cfg.Path(cfg.OptimizeDeps.CacheDir),
		Include:     cfg.OptimizeDeps.Include,
		Exclude:     cfg.OptimizeDeps.Exclude,
		Target:      cfg.EsbuildTarget(),
		Concurrency: cfg.Build.Concurrency,
		Logger:      log,
	}
}

func (o *Optimizer) log() *zap.Logger {
	if o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}

// DepsDir is where pre-bundled dependencies are written.
func (o *Optimizer) DepsDir() string {
	return filepath.Join(o.CacheDir, "deps")
}

// Deps returns Include minus Exclude, sorted.
func (o *Optimizer) Deps() []string {
	excluded := map[string]bool{}
	for _, d := range o.Exclude {
		excluded[d] = true
	}
	var deps []string
	for _, d := range o.Include {
		if !excluded[d] {
			deps = append(deps, d)
		}
	}
	sort.Strings(deps)
	return deps
}

// FileName flattens a package specifier into a file name.
func FileName(dep string) string {
	return strings.NewReplacer("/", "_", "@", "").Replace(dep) + ".js"
}

func (o *Optimizer) hash() (string, error) {
	var parts [][]byte
	for _, name := range append([]string{"package.json"}, lockfiles...) {
		data, err := os.ReadFile(filepath.Join(o.Root, name))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return "", err
		}
		parts = append(parts, []byte(name), data)
	}
	parts = append(parts,
		[]byte(strings.Join(o.Deps(), ",")),
		[]byte(strings.Join(o.Exclude, ",")),
		[]byte(fmt.Sprint(o.Target)),
		[]byte(bundleFormat),
	)
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ReadMetadata loads the metadata of the last optimization.
func (o *Optimizer) ReadMetadata() (*Metadata, error) {
	data, err := os.ReadFile(filepath.Join(o.DepsDir(), metadataFile))
	if err != nil {
		return nil, err
	}
	m := &Metadata{}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, err
	}
	return m, nil
}

// Optimize pre-bundles every dependency unless package.json, the lockfiles
// and the dependency lists are unchanged since the last run. Excluded and
// other pre-bundled dependencies stay external when a bundle imports them.
func (o *Optimizer) Optimize(ctx context.Context) (*Metadata, error) {
	h, err := o.hash()
	if err != nil {
		return nil, err
	}
	if m, err := o.ReadMetadata(); err == nil && m.Hash == h {
		o.log().Info("dependencies up to date", zap.Int("deps", len(m.Optimized)))
		return m, nil
	}

	dir := o.DepsDir()
	if err := os.RemoveAll(dir); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	root, err := filepath.Abs(o.Root)
	if err != nil {
		return nil, err
	}

	m := &Metadata{Hash: h, Optimized: map[string]DepInfo{}, CreatedAt: time.Now().UTC()}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	if o.Concurrency > 0 {
		g.SetLimit(o.Concurrency)
	}
	for _, dep := range o.Deps() {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			t0 := time.Now()
			info, err := o.bundle(root, dep)
			if err != nil {
				return err
			}
			o.log().Debug("pre-bundled dependency",
				zap.String("dep", dep),
				zap.Int("bytes", info.Bytes),
				zap.Duration("took", time.Since(t0)))
			mu.Lock()
			m.Optimized[dep] = info
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, metadataFile), data, 0o644); err != nil {
		return nil, err
	}
	o.log().Info("optimized dependencies", zap.Strings("deps", o.Deps()))
	return m, nil
}

// Resolutions maps every dependency in m to the root relative module id of
// its bundle, for use as resolve.Resolver.Prebundled.
func (o *Optimizer) Resolutions(m *Metadata) (map[string]string, error) {
	rel, err := filepath.Rel(o.Root, o.DepsDir())
	if err != nil {
		return nil, err
	}
	rel = filepath.ToSlash(rel)
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return nil, fmt.Errorf("optimize: cache dir %s is outside the project root", o.CacheDir)
	}
	out := make(map[string]string, len(m.Optimized))
	for dep, info := range m.Optimized {
		out[dep] = path.Join(rel, info.File)
	}
	return out, nil
}

// externals are the packages left as require() calls in the bundle of dep:
// the excluded ones and every other pre-bundled dependency, so shared
// packages such as react are loaded once.
func (o *Optimizer) externals(dep string) []string {
	ext := append([]string(nil), o.Exclude...)
	for _, d := range o.Deps() {
		if d != dep {
			ext = append(ext, d)
		}
	}
	return ext
}

func (o *Optimizer) bundle(root, dep string) (DepInfo, error) {
	file := FileName(dep)
	res := api.Build(api.BuildOptions{
		EntryPoints:   []string{dep},
		AbsWorkingDir: root,
		Bundle:        true,
		Write:         true,
		Outfile:       filepath.Join(o.DepsDir(), file),
		Format:        api.FormatCommonJS,
		Platform:      api.PlatformBrowser,
		Target:        o.Target,
		External:      o.externals(dep),
		Metafile:      true,
		Define: map[string]string{
			"process.env.NODE_ENV": `"development"`,
		},
		LogLevel: api.LogLevelSilent,
	})
	if len(res.Errors) > 0 {
		return DepInfo{}, fmt.Errorf("optimize %s: %s", dep, res.Errors[0].Text)
	}

	var meta metafile
	if err := json.Unmarshal([]byte(res.Metafile), &meta); err != nil {
		return DepInfo{}, fmt.Errorf("optimize %s: metafile: %w", dep, err)
	}
	info := DepInfo{File: file, Inputs: len(meta.Inputs), Externals: meta.externals()}
	for _, out := range meta.Outputs {
		info.Bytes += out.Bytes
	}
	sort.Strings(info.Externals)
	return info, nil
}
