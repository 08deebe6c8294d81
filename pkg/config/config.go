// Package config loads chunkbld.yaml, .env and CHUNKBLD_* overrides into a
// single Config.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"

	"github.com/caarlos0/env/v10"
	"github.com/evanw/esbuild/pkg/api"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/coldog/chunkbld/pkg/naming"
	"github.com/coldog/chunkbld/pkg/partition"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CHUNKBLD_"

// Minify modes. "terser" is accepted for configs ported from other bundlers
// and minifies through esbuild with the same drop options.
const (
	MinifyTerser  = "terser"
	MinifyEsbuild = "esbuild"
	MinifyNone    = "none"
)

// Chunk policies.
const (
	PolicySubstring = "substring"
	PolicyPackage   = "package"
)

var targets = map[string]api.Target{
	"esnext": api.ESNext,
	"es2015": api.ES2015,
	"es2016": api.ES2016,
	"es2017": api.ES2017,
	"es2018": api.ES2018,
	"es2019": api.ES2019,
	"es2020": api.ES2020,
	"es2021": api.ES2021,
	"es2022": api.ES2022,
	"es2023": api.ES2023,
}

type Config struct {
	Root         string         `yaml:"root" env:"ROOT"`
	Resolve      ResolveConfig  `yaml:"resolve"`
	Server       ServerConfig   `yaml:"server" envPrefix:"SERVER_"`
	Build        BuildConfig    `yaml:"build" envPrefix:"BUILD_"`
	OptimizeDeps OptimizeConfig `yaml:"optimizeDeps" envPrefix:"OPTIMIZE_"`
}

type ResolveConfig struct {
	// Alias maps an import prefix to a directory relative to Root.
	Alias map[string]string `yaml:"alias"`
}

type ServerConfig struct {
	Port  string               `yaml:"port" env:"PORT"`
	Proxy map[string]ProxyRule `yaml:"proxy"`
}

// ProxyRule forwards requests under a path prefix to Target.
type ProxyRule struct {
	Target       string `yaml:"target"`
	ChangeOrigin bool   `yaml:"changeOrigin"`
	Secure       bool   `yaml:"secure"`
}

type BuildConfig struct {
	Entrypoints []string `yaml:"entrypoints" env:"ENTRYPOINTS" envSeparator:","`
	// Sources are the directories the dev server watches. Compilation starts
	// at Entrypoints and follows imports.
	Sources []string `yaml:"sources"`
	OutDir  string   `yaml:"outDir" env:"OUT_DIR"`

	// ChunkSizeWarningLimit is in kB.
	ChunkSizeWarningLimit int    `yaml:"chunkSizeWarningLimit" env:"CHUNK_SIZE_WARNING_LIMIT"`
	Minify                string `yaml:"minify" env:"MINIFY"`
	DropConsole           bool   `yaml:"dropConsole" env:"DROP_CONSOLE"`
	DropDebugger          bool   `yaml:"dropDebugger" env:"DROP_DEBUGGER"`
	Sourcemap             bool   `yaml:"sourcemap" env:"SOURCEMAP"`
	Target                string `yaml:"target" env:"TARGET"`
	Concurrency           int    `yaml:"concurrency" env:"CONCURRENCY"`

	AssetFileNames string `yaml:"assetFileNames"`
	ChunkFileNames string `yaml:"chunkFileNames"`
	EntryFileNames string `yaml:"entryFileNames"`

	ManualChunks []partition.Rule `yaml:"manualChunks"`
	// ManualPackages maps declared package names to labels under the
	// package chunk policy. Nil selects partition.DefaultPackages.
	ManualPackages map[string]partition.Label `yaml:"manualPackages"`
	ChunkPolicy    string                     `yaml:"chunkPolicy" env:"CHUNK_POLICY"`
	WarnUnassigned bool                       `yaml:"warnUnassigned" env:"WARN_UNASSIGNED"`
}

type OptimizeConfig struct {
	Include  []string `yaml:"include" env:"INCLUDE" envSeparator:","`
	Exclude  []string `yaml:"exclude" env:"EXCLUDE" envSeparator:","`
	CacheDir string   `yaml:"cacheDir" env:"CACHE_DIR"`
}

// Default mirrors the configuration of a React single page app with a chat
// UI, an editor, animations, a Live2D character and a generative AI client.
func Default() Config {
	alias := map[string]string{"@": "src"}
	for _, d := range []string{"components", "hooks", "services", "store", "utils", "types", "config", "lib", "data", "assets"} {
		alias["@/"+d] = "src/" + d
	}
	return Config{
		Root:    ".",
		Resolve: ResolveConfig{Alias: alias},
		Server: ServerConfig{
			Port: ":5173",
			Proxy: map[string]ProxyRule{
				"/api": {Target: "http://localhost:3001", ChangeOrigin: true, Secure: false},
			},
		},
		Build: BuildConfig{
			Entrypoints:           []string{"src/main.tsx"},
			Sources:               []string{"src"},
			OutDir:                "dist",
			ChunkSizeWarningLimit: 1000,
			Minify:                MinifyTerser,
			DropConsole:           true,
			DropDebugger:          true,
			Sourcemap:             false,
			Target:                "es2023",
			Concurrency:           10,
			AssetFileNames:        naming.DefaultAssetTemplate,
			ChunkFileNames:        naming.DefaultChunkTemplate,
			EntryFileNames:        naming.DefaultEntryTemplate,
			ManualChunks:          partition.DefaultRules(),
			ChunkPolicy:           PolicySubstring,
		},
		OptimizeDeps: OptimizeConfig{
			Include:  []string{"react", "react-dom", "react-router-dom", "framer-motion", "zustand"},
			Exclude:  []string{"pixi-live2d-display-lipsync", "@google/generative-ai"},
			CacheDir: "node_modules/.chunkbld",
		},
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when it
// does not exist), .env in the working directory and the environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	_ = godotenv.Load()
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("config: environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every problem in the configuration at once.
func (c *Config) Validate() error {
	var errs []error
	b := c.Build

	if len(b.Entrypoints) == 0 {
		errs = append(errs, errors.New("config: build.entrypoints is empty"))
	}
	switch b.Minify {
	case MinifyTerser, MinifyEsbuild, MinifyNone, "":
	default:
		errs = append(errs, fmt.Errorf("config: unknown build.minify %q", b.Minify))
	}
	if _, ok := targets[b.Target]; !ok {
		errs = append(errs, fmt.Errorf("config: unknown build.target %q", b.Target))
	}
	switch b.ChunkPolicy {
	case PolicySubstring, PolicyPackage:
	default:
		errs = append(errs, fmt.Errorf("config: unknown build.chunkPolicy %q", b.ChunkPolicy))
	}
	if b.ChunkSizeWarningLimit <= 0 {
		errs = append(errs, fmt.Errorf("config: build.chunkSizeWarningLimit must be positive, got %d", b.ChunkSizeWarningLimit))
	}
	if b.Concurrency <= 0 {
		errs = append(errs, fmt.Errorf("config: build.concurrency must be positive, got %d", b.Concurrency))
	}
	if err := partition.NewPolicy(b.ManualChunks...).Validate(); err != nil {
		errs = append(errs, fmt.Errorf("config: build.manualChunks: %w", err))
	}
	for _, pkg := range sortedKeys(b.ManualPackages) {
		if err := partition.ValidateLabel(b.ManualPackages[pkg]); err != nil {
			errs = append(errs, fmt.Errorf("config: build.manualPackages[%q]: %w", pkg, err))
		}
	}

	for _, prefix := range c.ProxyPrefixes() {
		u, err := url.Parse(c.Server.Proxy[prefix].Target)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("config: server.proxy[%q]: target must be an absolute http(s) URL", prefix))
		}
	}

	excluded := map[string]bool{}
	for _, dep := range c.OptimizeDeps.Exclude {
		excluded[dep] = true
	}
	for _, dep := range c.OptimizeDeps.Include {
		if excluded[dep] {
			errs = append(errs, fmt.Errorf("config: optimizeDeps: %q is both included and excluded", dep))
		}
	}

	return errors.Join(errs...)
}

// EsbuildTarget returns the esbuild language target for Build.Target.
func (c *Config) EsbuildTarget() api.Target {
	if t, ok := targets[c.Build.Target]; ok {
		return t
	}
	return api.ESNext
}

// Minify reports whether output should be minified.
func (c *Config) Minify() bool {
	return c.Build.Minify == MinifyTerser || c.Build.Minify == MinifyEsbuild
}

// Namer returns the file namer for the configured templates.
func (c *Config) Namer() naming.Namer {
	return naming.Namer{
		AssetTemplate: c.Build.AssetFileNames,
		ChunkTemplate: c.Build.ChunkFileNames,
		EntryTemplate: c.Build.EntryFileNames,
	}
}

// Path resolves p against Root.
func (c *Config) Path(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Root, p)
}

// ProxyPrefixes returns the proxy prefixes sorted for stable iteration.
func (c *Config) ProxyPrefixes() []string {
	return sortedKeys(c.Server.Proxy)
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Classifier builds the chunk classifier selected by Build.ChunkPolicy.
func (c *Config) Classifier() (partition.Classifier, error) {
	if c.Build.ChunkPolicy != PolicyPackage {
		return partition.NewPolicy(c.Build.ManualChunks...), nil
	}
	p, _, err := c.PackagePolicy()
	if err != nil {
		return nil, err
	}
	return p, nil
}

// PackagePolicy builds the package chunk policy from Build.ManualPackages and
// validates it against package.json under Root. The manifest is returned so
// callers can report declared packages the policy leaves unmapped.
func (c *Config) PackagePolicy() (*partition.PackagePolicy, partition.Manifest, error) {
	m, err := partition.ReadManifest(c.Path("package.json"))
	if err != nil {
		return nil, partition.Manifest{}, fmt.Errorf("config: chunk policy %q: %w", PolicyPackage, err)
	}
	packages := c.Build.ManualPackages
	if packages == nil {
		packages = partition.DefaultPackages()
	}
	p := partition.NewPackagePolicy(packages)
	if err := p.Validate(m); err != nil {
		return nil, partition.Manifest{}, fmt.Errorf("config: build.manualPackages: %w", err)
	}
	return p, m, nil
}

// Marshal renders the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
