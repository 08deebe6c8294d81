// Package compiler turns project sources into CommonJS modules ready for the
// linker. Starting at the entrypoints, every reachable script is transformed
// with esbuild, its require calls are rewritten to module identifiers, and an
// object file records its imports.
package compiler

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/evanw/esbuild/pkg/api"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/coldog/chunkbld/pkg/config"
	"github.com/coldog/chunkbld/pkg/naming"
	"github.com/coldog/chunkbld/pkg/resolve"
)

const stateFile = "bld.json"

// Modes select the value of process.env.NODE_ENV.
const (
	ModeProduction  = "production"
	ModeDevelopment = "development"
)

type Compiler struct {
	Root   string
	ObjDir string
	// Entrypoints are the root relative modules compilation starts from.
	Entrypoints []string
	Resolver    *resolve.Resolver
	Namer       naming.Namer
	Target      api.Target
	Mode        string
	// Sourcemap inlines source maps into compiled modules.
	Sourcemap   bool
	Concurrency int
	Logger      *zap.Logger
}

// New configures a compiler from cfg. Objects go to "<cacheDir>/obj".
func New(cfg *config.Config, log *zap.Logger) *Compiler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Compiler{
		Root:        cfg.Root,
		ObjDir:      ObjDir(cfg),
		Entrypoints: cfg.Build.Entrypoints,
		Resolver:    resolve.New(cfg.Root, cfg.Resolve.Alias),
		Namer:       cfg.Namer(),
		Target:      cfg.EsbuildTarget(),
		Mode:        ModeProduction,
		Sourcemap:   cfg.Build.Sourcemap,
		Concurrency: cfg.Build.Concurrency,
		Logger:      log,
	}
}

// ObjDir returns the object directory for cfg.
func ObjDir(cfg *config.Config) string {
	return filepath.Join(cfg.Path(cfg.OptimizeDeps.CacheDir), "obj")
}

func (c *Compiler) log() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

// fingerprint changes whenever an option that affects compiled output does.
func (c *Compiler) fingerprint() string {
	return fmt.Sprintf("target=%d mode=%s sourcemap=%t assets=%s resolve=%s",
		c.Target, c.Mode, c.Sourcemap, c.Namer.AssetTemplate, c.Resolver.Fingerprint())
}

func (c *Compiler) loadState() map[string]string {
	m := map[string]string{}
	data, err := os.ReadFile(filepath.Join(c.ObjDir, stateFile))
	if err != nil {
		return m
	}
	if err := json.Unmarshal(data, &m); err != nil {
		c.log().Warn("failed to read compile state", zap.Error(err))
		return map[string]string{}
	}
	return m
}

func (c *Compiler) saveState(state map[string]string) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(c.ObjDir, stateFile), data, 0o644)
}

// Compile compiles every module reachable from Entrypoints. A module whose
// source and compile options are unchanged keeps its previous object unless
// that object recorded imports which failed to resolve. The compile state is
// only saved when every module compiled, so a failed build is fully retried.
func (c *Compiler) Compile(ctx context.Context) error {
	if err := os.MkdirAll(c.ObjDir, 0o755); err != nil {
		return err
	}
	state := c.loadState()
	fp := c.fingerprint()

	var (
		mu       sync.Mutex
		compiled int
		cached   int
	)

	concurrency := c.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	seen := map[string]bool{}
	var frontier []string
	for _, e := range c.Entrypoints {
		id := path.Clean(filepath.ToSlash(e))
		if !seen[id] {
			seen[id] = true
			frontier = append(frontier, id)
		}
	}

	t0 := time.Now()
	for len(frontier) > 0 {
		var next []string
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(concurrency)
		for _, id := range frontier {
			mu.Lock()
			prev := state[id]
			mu.Unlock()

			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				t1 := time.Now()
				o, h, hit, err := c.object(id, fp, prev)
				if err != nil {
					return err
				}

				mu.Lock()
				defer mu.Unlock()
				if hit {
					cached++
				} else {
					c.log().Debug("compiled", zap.String("id", id), zap.Duration("took", time.Since(t1)))
					compiled++
				}
				state[id] = h
				for _, imp := range o.Imports {
					if !seen[imp] {
						seen[imp] = true
						next = append(next, imp)
					}
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		frontier = next
	}

	c.log().Info("compile finished",
		zap.Int("compiled", compiled),
		zap.Int("cached", cached),
		zap.Duration("took", time.Since(t0)))
	return c.saveState(state)
}

// object returns the object for id and the state hash it was built under.
// The previous object is reused only when prev matches and it resolved every
// import.
func (c *Compiler) object(id, fp, prev string) (Object, string, bool, error) {
	h, err := hash(filepath.Join(c.Root, filepath.FromSlash(id)))
	if err != nil {
		return Object{}, "", false, err
	}
	h = hashBytes([]byte(h), []byte(fp))
	if prev == h {
		if o, err := ReadObjectFile(c.ObjDir, id); err == nil && len(o.Unresolved) == 0 {
			return o, h, true, nil
		}
	}
	o, err := c.CompileFile(id)
	return o, h, false, err
}

// CompileFile compiles a single module and writes its code and object file.
func (c *Compiler) CompileFile(id string) (Object, error) {
	src := filepath.Join(c.Root, filepath.FromSlash(id))
	data, err := os.ReadFile(src)
	if err != nil {
		return Object{}, err
	}

	var (
		code   string
		assets []string
	)
	k, loader := classify(id)
	switch k {
	case kindScript:
		code, err = c.transform(id, data, loader)
	case kindStyle:
		code, err = c.style(id, data)
	case kindAsset:
		ext := path.Ext(id)
		name := c.Namer.Asset(naming.Descriptor{
			Name: strings.TrimSuffix(path.Base(id), ext),
			Hash: hashBytes(data),
			Ext:  ext,
		})
		code = assetModule("/" + name)
		assets = []string{name}
	default:
		return Object{}, fmt.Errorf("compile %s: unsupported file type", id)
	}
	if err != nil {
		return Object{}, err
	}

	dir := path.Dir(id)
	var unresolved []string
	code, imports := rewriteRequires(code,
		func(specifier string) (string, error) { return c.Resolver.Resolve(dir, specifier) },
		func(specifier string, err error) {
			c.log().Warn("failed to resolve import", zap.String("id", id), zap.String("specifier", specifier), zap.Error(err))
			unresolved = append(unresolved, specifier)
		})

	dst := filepath.Join(c.ObjDir, filepath.FromSlash(id))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return Object{}, err
	}
	if err := os.WriteFile(dst, []byte(code), 0o644); err != nil {
		return Object{}, err
	}

	o := Object{
		Filename:   id,
		Hash:       hashBytes([]byte(code)),
		Imports:    imports,
		Assets:     assets,
		Unresolved: unresolved,
	}
	return o, WriteObjectFile(c.ObjDir, o)
}

func (c *Compiler) transform(id string, data []byte, loader api.Loader) (string, error) {
	opts := api.TransformOptions{
		Loader:     loader,
		Format:     api.FormatCommonJS,
		Target:     c.Target,
		JSX:        api.JSXAutomatic,
		Sourcefile: id,
		Define: map[string]string{
			"process.env.NODE_ENV": `"` + c.mode() + `"`,
		},
		LogLevel: api.LogLevelSilent,
	}
	if c.Sourcemap {
		opts.Sourcemap = api.SourceMapInline
	}
	res := api.Transform(string(data), opts)
	if err := messagesError(id, res.Errors); err != nil {
		return "", err
	}
	return string(res.Code), nil
}

func (c *Compiler) style(id string, data []byte) (string, error) {
	res := api.Transform(string(data), api.TransformOptions{
		Loader:           api.LoaderCSS,
		Sourcefile:       id,
		MinifyWhitespace: c.mode() == ModeProduction,
		LogLevel:         api.LogLevelSilent,
	})
	if err := messagesError(id, res.Errors); err != nil {
		return "", err
	}
	return styleModule(string(res.Code)), nil
}

func (c *Compiler) mode() string {
	if c.Mode == "" {
		return ModeProduction
	}
	return c.Mode
}

func messagesError(id string, msgs []api.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	m := msgs[0]
	if m.Location != nil {
		return fmt.Errorf("compile %s:%d:%d: %s", id, m.Location.Line, m.Location.Column, m.Text)
	}
	return fmt.Errorf("compile %s: %s", id, m.Text)
}
