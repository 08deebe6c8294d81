// Package linker links compiled CommonJS modules into browser bundles. It
// traverses the entrypoints to find the modules they import, groups them
// into chunks and writes the chunks with deterministic, content hashed names.
//
// Architecture:
//   - Traverse entrypoints through object files to find every reachable module.
//   - Group modules into chunks with a Bundler (one per entrypoint, or manual
//     shared chunks keyed by a partition label).
//   - Write shared chunks first, then the entry chunks that load them.
package linker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/coldog/chunkbld/pkg/compiler"
	"github.com/coldog/chunkbld/pkg/config"
	"github.com/coldog/chunkbld/pkg/graph"
	"github.com/coldog/chunkbld/pkg/naming"
)

const ManifestFile = "manifest.json"

type File struct {
	compiler.Object
	Entrypoints []string
}

type Files map[string]File

// Add records that entrypoint reaches file.
func (f Files) Add(file, entrypoint string) {
	cur := f[file]
	for _, e := range cur.Entrypoints {
		if e == entrypoint {
			return
		}
	}
	cur.Entrypoints = append(cur.Entrypoints, entrypoint)
	f[file] = cur
}

func (f Files) SetObject(file string, o compiler.Object) {
	f[file] = File{Entrypoints: f[file].Entrypoints, Object: o}
}

func (f Files) Keys() []string {
	keys := []string{}
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type Chunk struct {
	// Name is the partition label for shared chunks and the entrypoint base
	// name for entry chunks.
	Name       string
	Files      Files
	Entrypoint string
	// Loads are the names of shared chunks to load before the entrypoint.
	Loads []string

	// Output is the file name relative to the output directory, set by Write.
	Output string
	Size   int
}

func (c *Chunk) IsEntry() bool { return c.Entrypoint != "" }

func (c *Chunk) key() string {
	if c.IsEntry() {
		return "entry:" + c.Entrypoint
	}
	return "shared:" + c.Name
}

func (c *Chunk) addLoad(name string) {
	for _, l := range c.Loads {
		if l == name {
			return
		}
	}
	c.Loads = append(c.Loads, name)
	sort.Strings(c.Loads)
}

// Descriptor returns the naming metadata for content with the given hash.
// Shared chunks have no facade module.
func (c *Chunk) Descriptor(hash string) naming.Descriptor {
	return naming.Descriptor{
		Name:           c.Name,
		FacadeModuleID: c.Entrypoint,
		Hash:           hash,
		IsEntry:        c.IsEntry(),
	}
}

type Bundle struct {
	// Root is the project root; assets and index.html are read from here.
	Root string
	// ObjDir holds the compiler output.
	ObjDir      string
	OutDir      string
	Files       Files
	Entrypoints []string
	Chunks      []*Chunk
	Namer       naming.Namer
	Minify      MinifyOptions
	// ChunkSizeWarningLimit is in kB; zero disables the warning.
	ChunkSizeWarningLimit int
	Concurrency           int
	Logger                *zap.Logger

	// Manifest is populated by Write.
	Manifest *Manifest
}

// New configures a bundle from cfg.
func New(cfg *config.Config, log *zap.Logger) *Bundle {
	return &Bundle{
		Root:        cfg.Root,
		ObjDir:      compiler.ObjDir(cfg),
		OutDir:      cfg.Path(cfg.Build.OutDir),
		Entrypoints: cfg.Build.Entrypoints,
		Namer:       cfg.Namer(),
		Minify: MinifyOptions{
			Enabled:      cfg.Minify(),
			DropConsole:  cfg.Build.DropConsole,
			DropDebugger: cfg.Build.DropDebugger,
			Target:       cfg.EsbuildTarget(),
		},
		ChunkSizeWarningLimit: cfg.Build.ChunkSizeWarningLimit,
		Concurrency:           cfg.Build.Concurrency,
		Logger:                log,
	}
}

func (b *Bundle) log() *zap.Logger {
	if b.Logger == nil {
		return zap.NewNop()
	}
	return b.Logger
}

// Link finds, groups and writes the bundle.
func (b *Bundle) Link(ctx context.Context, bundler Bundler) error {
	if err := b.Find(); err != nil {
		return err
	}
	if err := bundler(b); err != nil {
		return err
	}
	return b.Write(ctx)
}

// Find traverses every entrypoint and records which entrypoints reach each
// module.
func (b *Bundle) Find() error {
	b.Files = Files{}
	for _, entrypoint := range b.Entrypoints {
		if err := b.parse(entrypoint, entrypoint, map[string]bool{}); err != nil {
			return err
		}
	}
	return nil
}

// parse loads file into the files map and traverses its imports.
func (b *Bundle) parse(file, entrypoint string, visited map[string]bool) error {
	if visited[file] {
		return nil
	}
	visited[file] = true
	b.Files.Add(file, entrypoint)

	if b.Files[file].Filename == "" {
		o, err := compiler.ReadObjectFile(b.ObjDir, file)
		if err != nil {
			return fmt.Errorf("linker: %s: %w", file, err)
		}
		b.Files.SetObject(file, o)
	}

	for _, imp := range b.Files[file].Imports {
		if err := b.parse(imp, entrypoint, visited); err != nil {
			return err
		}
	}
	return nil
}

// Write renders every chunk, shared chunks before the entries that load
// them, and writes the assets, index.html and the manifest.
func (b *Bundle) Write(ctx context.Context) error {
	if err := os.MkdirAll(b.OutDir, 0o755); err != nil {
		return err
	}

	byKey := map[string]*Chunk{}
	nodes := map[string][]string{}
	for _, c := range b.Chunks {
		byKey[c.key()] = c
		var deps []string
		for _, l := range c.Loads {
			deps = append(deps, "shared:"+l)
		}
		nodes[c.key()] = deps
	}

	var mu sync.Mutex
	g := &graph.Graph[string]{
		Concurrency: b.Concurrency,
		Nodes:       nodes,
		Logger:      b.log(),
		Process: func(ctx context.Context, key string) error {
			c := byKey[key]
			var loads []string
			mu.Lock()
			for _, l := range c.Loads {
				loads = append(loads, "/"+byKey["shared:"+l].Output)
			}
			mu.Unlock()

			out, size, err := b.writeChunk(c, loads)
			if err != nil {
				return err
			}
			mu.Lock()
			c.Output, c.Size = out, size
			mu.Unlock()
			return nil
		},
	}
	if err := g.Solve(ctx); err != nil {
		return err
	}

	assets, err := b.copyAssets()
	if err != nil {
		return err
	}
	if err := b.writeHTML(); err != nil {
		return err
	}
	return b.writeManifest(assets)
}

func (b *Bundle) writeChunk(c *Chunk, loads []string) (string, int, error) {
	var (
		code []byte
		err  error
	)
	if c.IsEntry() {
		code, err = renderEntry(b.ObjDir, c.Files, c.Entrypoint, loads)
	} else {
		code, err = renderShared(b.ObjDir, c.Files)
	}
	if err != nil {
		return "", 0, err
	}
	if code, err = b.Minify.apply(c.Name, code); err != nil {
		return "", 0, err
	}

	sum := sha256.Sum256(code)
	out := b.Namer.File(c.Descriptor(hex.EncodeToString(sum[:])))
	if !filepath.IsLocal(filepath.FromSlash(out)) {
		return "", 0, fmt.Errorf("linker: chunk %q renders to %q outside the output directory", c.Name, out)
	}
	dst := filepath.Join(b.OutDir, filepath.FromSlash(out))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", 0, err
	}
	if err := os.WriteFile(dst, code, 0o644); err != nil {
		return "", 0, err
	}

	b.log().Info("wrote chunk", zap.String("chunk", c.Name), zap.String("file", out), zap.Int("bytes", len(code)))
	if b.ChunkSizeWarningLimit > 0 && len(code) > b.ChunkSizeWarningLimit*1000 {
		b.log().Warn("chunk is larger than the warning limit",
			zap.String("chunk", c.Name),
			zap.Int("kB", len(code)/1000),
			zap.Int("limitKB", b.ChunkSizeWarningLimit))
	}
	return out, len(code), nil
}

// copyAssets copies the assets of every linked module into the output
// directory.
func (b *Bundle) copyAssets() ([]string, error) {
	var assets []string
	for _, id := range b.Files.Keys() {
		for _, a := range b.Files[id].Assets {
			if err := copyFile(
				filepath.Join(b.Root, filepath.FromSlash(id)),
				filepath.Join(b.OutDir, filepath.FromSlash(a)),
			); err != nil {
				return nil, err
			}
			assets = append(assets, a)
		}
	}
	return assets, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

type Manifest struct {
	BuildID string          `json:"buildId"`
	Chunks  []ManifestChunk `json:"chunks"`
	Assets  []string        `json:"assets"`
}

type ManifestChunk struct {
	Name    string   `json:"name"`
	File    string   `json:"file"`
	Entry   bool     `json:"entry"`
	Loads   []string `json:"loads,omitempty"`
	Size    int      `json:"size"`
	Modules []string `json:"modules"`
}

func (b *Bundle) writeManifest(assets []string) error {
	m := &Manifest{BuildID: uuid.NewString(), Assets: assets}
	if m.Assets == nil {
		m.Assets = []string{}
	}
	shared := map[string]string{}
	for _, c := range b.Chunks {
		if !c.IsEntry() {
			shared[c.Name] = c.Output
		}
	}
	for _, c := range b.Chunks {
		mc := ManifestChunk{
			Name:    c.Name,
			File:    c.Output,
			Entry:   c.IsEntry(),
			Size:    c.Size,
			Modules: c.Files.Keys(),
		}
		for _, l := range c.Loads {
			mc.Loads = append(mc.Loads, shared[l])
		}
		m.Chunks = append(m.Chunks, mc)
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	b.Manifest = m
	return os.WriteFile(filepath.Join(b.OutDir, ManifestFile), data, 0o644)
}
