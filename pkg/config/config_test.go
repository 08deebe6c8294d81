package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/evanw/esbuild/pkg/api"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldog/chunkbld/pkg/partition"
)

func writeFile(t *testing.T, path, data string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "src/components", cfg.Resolve.Alias["@/components"])
	assert.Equal(t, "src", cfg.Resolve.Alias["@"])
	assert.Len(t, cfg.Resolve.Alias, 11)

	proxy := cfg.Server.Proxy["/api"]
	assert.Equal(t, "http://localhost:3001", proxy.Target)
	assert.True(t, proxy.ChangeOrigin)
	assert.False(t, proxy.Secure)

	assert.Equal(t, 1000, cfg.Build.ChunkSizeWarningLimit)
	assert.Equal(t, api.ES2023, cfg.EsbuildTarget())
	assert.True(t, cfg.Minify())
	assert.True(t, cfg.Build.DropConsole)
	assert.True(t, cfg.Build.DropDebugger)
	assert.False(t, cfg.Build.Sourcemap)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "chunkbld.yaml"))
	require.NoError(t, err)

	want := Default()
	if diff := cmp.Diff(&want, cfg); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadYAMLOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chunkbld.yaml")
	writeFile(t, path, `
resolve:
  alias:
    "~": lib
server:
  port: ":8080"
build:
  outDir: public
  minify: none
  target: es2020
  manualChunks:
    - label: vendor
      match: ["node_modules/"]
optimizeDeps:
  include: [lodash]
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Port)
	assert.Equal(t, "public", cfg.Build.OutDir)
	assert.False(t, cfg.Minify())
	assert.Equal(t, api.ES2020, cfg.EsbuildTarget())
	assert.Equal(t, "lib", cfg.Resolve.Alias["~"])
	assert.Equal(t, "src", cfg.Resolve.Alias["@"], "yaml maps merge into the defaults")
	assert.Equal(t, []partition.Rule{{Label: "vendor", Match: []string{"node_modules/"}}}, cfg.Build.ManualChunks)
	assert.Equal(t, []string{"lodash"}, cfg.OptimizeDeps.Include)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CHUNKBLD_SERVER_PORT", ":9000")
	t.Setenv("CHUNKBLD_BUILD_OUT_DIR", "out")
	t.Setenv("CHUNKBLD_BUILD_ENTRYPOINTS", "src/a.tsx,src/b.tsx")
	t.Setenv("CHUNKBLD_BUILD_WARN_UNASSIGNED", "true")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Server.Port)
	assert.Equal(t, "out", cfg.Build.OutDir)
	assert.Equal(t, []string{"src/a.tsx", "src/b.tsx"}, cfg.Build.Entrypoints)
	assert.True(t, cfg.Build.WarnUnassigned)
}

func TestLoadInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chunkbld.yaml")
	writeFile(t, path, "build: [")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := Default()
	cfg.Build.Entrypoints = nil
	cfg.Build.Minify = "uglify"
	cfg.Build.Target = "es3"
	cfg.Build.ChunkPolicy = "regex"
	cfg.Build.ChunkSizeWarningLimit = 0
	cfg.Build.ManualChunks = append(cfg.Build.ManualChunks, partition.Rule{Label: "x"})
	cfg.Server.Proxy["/ws"] = ProxyRule{Target: "localhost:3001"}
	cfg.OptimizeDeps.Include = append(cfg.OptimizeDeps.Include, "@google/generative-ai")

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		"entrypoints", "uglify", "es3", "regex", "chunkSizeWarningLimit",
		"manualChunks", `"/ws"`, "@google/generative-ai",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

const appPackageJSON = `{
	"name": "app",
	"dependencies": {
		"@google/generative-ai": "^0.21.0",
		"@monaco-editor/react": "^4.6.0",
		"canvas-confetti": "^1.9.3",
		"framer-motion": "^11.11.17",
		"lucide-react": "^0.460.0",
		"pixi-live2d-display-lipsync": "^0.5.0-ls-7",
		"pixi.js": "^6.5.10",
		"prism-react-renderer": "^2.4.0",
		"react": "^18.3.1",
		"react-dom": "^18.3.1",
		"react-router-dom": "^6.28.0",
		"zustand": "^5.0.1"
	},
	"devDependencies": {"vite": "^6.0.1"}
}`

func TestClassifier(t *testing.T) {
	cfg := Default()
	cfg.Root = t.TempDir()

	c, err := cfg.Classifier()
	require.NoError(t, err)
	l, ok := c.Classify("node_modules/react-dom/index.js")
	require.True(t, ok)
	assert.Equal(t, partition.Label("react-vendor"), l)

	cfg.Build.ChunkPolicy = PolicyPackage
	_, err = cfg.Classifier()
	require.Error(t, err, "package policy needs package.json")

	writeFile(t, cfg.Path("package.json"), `{"dependencies": {"react": "19"}}`)
	_, err = cfg.Classifier()
	require.Error(t, err)
	assert.True(t, errors.Is(err, partition.ErrUndeclared))

	cfg.Build.ManualPackages = map[string]partition.Label{"react": "react-vendor"}
	c, err = cfg.Classifier()
	require.NoError(t, err)
	l, ok = c.Classify("node_modules/react/index.js")
	require.True(t, ok)
	assert.Equal(t, partition.Label("react-vendor"), l)
}

func TestDefaultPackagePolicyMatchesApp(t *testing.T) {
	cfg := Default()
	cfg.Root = t.TempDir()
	cfg.Build.ChunkPolicy = PolicyPackage
	writeFile(t, cfg.Path("package.json"), appPackageJSON)

	p, m, err := cfg.PackagePolicy()
	require.NoError(t, err)
	assert.Equal(t, []string{"vite"}, p.Unmapped(m))

	c, err := cfg.Classifier()
	require.NoError(t, err)
	for id, want := range map[string]partition.Label{
		"node_modules/react-router-dom/dist/index.js":            "react-vendor",
		"node_modules/@monaco-editor/react/dist/index.mjs":       "editor",
		"node_modules/pixi.js/dist/pixi.mjs":                     "live2d",
		"node_modules/pixi-live2d-display-lipsync/dist/index.js": "live2d",
		"node_modules/@google/generative-ai/dist/index.mjs":      "ai-vendor",
	} {
		l, ok := c.Classify(id)
		require.True(t, ok, id)
		assert.Equal(t, want, l, id)
	}
}

func TestValidateRejectsPathLabels(t *testing.T) {
	cfg := Default()
	cfg.Build.ManualChunks = []partition.Rule{{Label: "../../etc", Match: []string{"node_modules/"}}}
	cfg.Build.ManualPackages = map[string]partition.Label{"react": "a/b"}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "build.manualChunks")
	assert.Contains(t, err.Error(), `build.manualPackages["react"]`)
}

func TestPath(t *testing.T) {
	cfg := Default()
	cfg.Root = "/srv/app"
	assert.Equal(t, "/srv/app/dist", cfg.Path("dist"))
	assert.Equal(t, "/tmp/x", cfg.Path("/tmp/x"))
}

func TestMarshalRoundTrip(t *testing.T) {
	cfg := Default()
	data, err := cfg.Marshal()
	require.NoError(t, err)
	assert.Contains(t, string(data), "chunkSizeWarningLimit: 1000")
	assert.Contains(t, string(data), "react-vendor")
}
