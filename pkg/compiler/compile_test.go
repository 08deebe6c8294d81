package compiler

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/coldog/chunkbld/pkg/config"
)

func project(t *testing.T, files map[string]string) *config.Config {
	t.Helper()
	root := t.TempDir()
	for name, data := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(data), 0o644))
	}
	cfg := config.Default()
	cfg.Root = root
	cfg.Build.Concurrency = 2
	return &cfg
}

func example(t *testing.T) *config.Config {
	return project(t, map[string]string{
		"src/main.tsx": `import { createRoot } from "react-dom/client";
import App from "@/App";
import "./index.css";
createRoot(document.getElementById("root")).render(<App />);
`,
		"src/App.tsx": `import logo from "@/assets/logo.svg";
import { missing } from "./nope";
export default function App(): JSX.Element { return <img src={logo} />; }
`,
		"src/index.css":                       "body { margin: 0; }\n",
		"src/assets/logo.svg":                 "<svg></svg>",
		"src/types.d.ts":                      "declare const x: number;",
		"src/README.md":                       "# readme",
		"node_modules/react/package.json":     `{"main": "index.js"}`,
		"node_modules/react/index.js":         `module.exports = { env: process.env.NODE_ENV };`,
		"node_modules/react/jsx-runtime.js":   `module.exports = require("./index");`,
		"node_modules/react-dom/client.js":    `var React = require('react'); exports.createRoot = function() { return { render: function() {} }; };`,
		"node_modules/.chunkbld/obj/stale.js": `garbage(`,
	})
}

func TestCompile(t *testing.T) {
	cfg := example(t)
	c := New(cfg, zaptest.NewLogger(t))

	require.NoError(t, c.Compile(context.Background()))

	main, err := ReadObjectFile(c.ObjDir, "src/main.tsx")
	require.NoError(t, err)
	assert.Equal(t, "src/main.tsx", main.Filename)
	assert.ElementsMatch(t, []string{
		"node_modules/react-dom/client.js",
		"src/App.tsx",
		"src/index.css",
		"node_modules/react/jsx-runtime.js",
	}, main.Imports)

	code, err := os.ReadFile(filepath.Join(c.ObjDir, "src", "main.tsx"))
	require.NoError(t, err)
	assert.Contains(t, string(code), `require("node_modules/react-dom/client.js")`)
	assert.NotContains(t, string(code), "<App")

	app, err := ReadObjectFile(c.ObjDir, "src/App.tsx")
	require.NoError(t, err)
	assert.Contains(t, app.Imports, "src/assets/logo.svg")
	assert.NotContains(t, strings.Join(app.Imports, ","), "nope", "unresolved imports are not recorded")

	logo, err := ReadObjectFile(c.ObjDir, "src/assets/logo.svg")
	require.NoError(t, err)
	require.Len(t, logo.Assets, 1)
	assert.Regexp(t, `^assets/logo-[0-9a-f]{8}\.svg$`, logo.Assets[0])

	react, err := os.ReadFile(filepath.Join(c.ObjDir, "node_modules", "react", "index.js"))
	require.NoError(t, err)
	assert.Contains(t, string(react), `"production"`)

	_, err = ReadObjectFile(c.ObjDir, "src/types.d.ts")
	assert.Error(t, err, "declaration files are skipped")
	_, err = ReadObjectFile(c.ObjDir, "src/README.md")
	assert.Error(t, err)
}

func TestCompileIsIncremental(t *testing.T) {
	cfg := example(t)
	c := New(cfg, nil)
	require.NoError(t, c.Compile(context.Background()))

	obj := filepath.Join(c.ObjDir, "src", "App.tsx")
	require.NoError(t, os.WriteFile(obj, []byte("sentinel"), 0o644))

	require.NoError(t, c.Compile(context.Background()))
	data, err := os.ReadFile(obj)
	require.NoError(t, err)
	assert.Equal(t, "sentinel", string(data), "unchanged sources are not recompiled")

	c.Mode = ModeDevelopment
	require.NoError(t, c.Compile(context.Background()))
	data, err = os.ReadFile(obj)
	require.NoError(t, err)
	assert.NotEqual(t, "sentinel", string(data), "changing the mode invalidates the cache")
}

func TestCompileRetriesUnresolvedImports(t *testing.T) {
	cfg := project(t, map[string]string{
		"src/main.ts": `import pad from "left-pad"; console.log(pad("x", 3));`,
	})
	cfg.Build.Entrypoints = []string{"src/main.ts"}
	c := New(cfg, nil)

	require.NoError(t, c.Compile(context.Background()))
	main, err := ReadObjectFile(c.ObjDir, "src/main.ts")
	require.NoError(t, err)
	assert.Empty(t, main.Imports)
	assert.Equal(t, []string{"left-pad"}, main.Unresolved)

	p := filepath.Join(cfg.Root, "node_modules", "left-pad", "index.js")
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(`module.exports = function(s) { return s; };`), 0o644))

	require.NoError(t, c.Compile(context.Background()))
	main, err = ReadObjectFile(c.ObjDir, "src/main.ts")
	require.NoError(t, err)
	assert.Equal(t, []string{"node_modules/left-pad/index.js"}, main.Imports)
	assert.Empty(t, main.Unresolved)

	_, err = ReadObjectFile(c.ObjDir, "node_modules/left-pad/index.js")
	assert.NoError(t, err, "newly resolved packages are compiled")
}

func TestCompileCacheCoversResolveAndAssetNames(t *testing.T) {
	cfg := example(t)
	c := New(cfg, nil)
	require.NoError(t, c.Compile(context.Background()))
	obj := filepath.Join(c.ObjDir, "src", "App.tsx")

	require.NoError(t, os.WriteFile(obj, []byte("sentinel"), 0o644))
	cfg.Build.AssetFileNames = "static/[name]-[hash][extname]"
	c = New(cfg, nil)
	require.NoError(t, c.Compile(context.Background()))
	data, err := os.ReadFile(obj)
	require.NoError(t, err)
	assert.NotEqual(t, "sentinel", string(data), "changing the asset template invalidates the cache")

	logo, err := ReadObjectFile(c.ObjDir, "src/assets/logo.svg")
	require.NoError(t, err)
	require.Len(t, logo.Assets, 1)
	assert.True(t, strings.HasPrefix(logo.Assets[0], "static/"), logo.Assets[0])

	require.NoError(t, os.WriteFile(obj, []byte("sentinel"), 0o644))
	cfg.Resolve.Alias["~"] = "src"
	c = New(cfg, nil)
	require.NoError(t, c.Compile(context.Background()))
	data, err = os.ReadFile(obj)
	require.NoError(t, err)
	assert.NotEqual(t, "sentinel", string(data), "changing the alias table invalidates the cache")

	app, err := ReadObjectFile(c.ObjDir, "src/App.tsx")
	require.NoError(t, err)
	assert.Empty(t, app.Unresolved)
}

func TestCompileOnlyReachableModules(t *testing.T) {
	cfg := example(t)
	for name, data := range map[string]string{
		"node_modules/broken/index.js": "export const = ;",
		"src/unused.ts":                "let = 1",
	} {
		p := filepath.Join(cfg.Root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(data), 0o644))
	}
	c := New(cfg, nil)
	require.NoError(t, c.Compile(context.Background()))

	_, err := ReadObjectFile(c.ObjDir, "node_modules/broken/index.js")
	assert.Error(t, err)
	_, err = ReadObjectFile(c.ObjDir, "src/index.css")
	assert.NoError(t, err)
}

func TestCompileMissingEntrypoint(t *testing.T) {
	cfg := example(t)
	cfg.Build.Entrypoints = []string{"src/nope.tsx"}
	err := New(cfg, nil).Compile(context.Background())
	require.Error(t, err)
	assert.True(t, os.IsNotExist(err))
}

func TestCompileSyntaxError(t *testing.T) {
	cfg := project(t, map[string]string{
		"src/main.ts": "const = ;",
	})
	cfg.Build.Entrypoints = []string{"src/main.ts"}
	c := New(cfg, nil)
	err := c.Compile(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "src/main.ts:1")

	_, statErr := os.Stat(filepath.Join(c.ObjDir, stateFile))
	assert.True(t, os.IsNotExist(statErr), "state is not saved after a failure")
}

func TestCompileCancelled(t *testing.T) {
	cfg := example(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, New(cfg, nil).Compile(ctx), context.Canceled)
}

func TestRewriteRequires(t *testing.T) {
	resolve := func(specifier string) (string, error) {
		if specifier == "missing" {
			return "", os.ErrNotExist
		}
		return "node_modules/" + specifier + "/index.js", nil
	}
	var unresolved []string
	code, imports := rewriteRequires(
		`var a = require("react"), b = require( 'zustand' ), c = myrequire("x"), d = obj.require("y");
var e = require("react"); var f = require(name); var g = require("missing");`,
		resolve,
		func(specifier string, err error) { unresolved = append(unresolved, specifier) },
	)

	assert.Equal(t, []string{"node_modules/react/index.js", "node_modules/zustand/index.js"}, imports)
	assert.Equal(t, []string{"missing"}, unresolved)
	assert.Contains(t, code, `require("node_modules/react/index.js")`)
	assert.Contains(t, code, `require( 'node_modules/zustand/index.js' )`)
	assert.Contains(t, code, `myrequire("x")`)
	assert.Contains(t, code, `obj.require("y")`)
	assert.Contains(t, code, `require(name)`)
	assert.Contains(t, code, `require("missing")`)
}

func TestClassify(t *testing.T) {
	cases := map[string]kind{
		"src/a.ts":          kindScript,
		"src/a.d.ts":        kindSkip,
		"src/a.json":        kindScript,
		"src/a.css":         kindStyle,
		"src/a.PNG":         kindAsset,
		"src/model.moc3":    kindAsset,
		"src/LICENSE":       kindSkip,
		"node_modules/x.md": kindSkip,
	}
	for id, want := range cases {
		got, _ := classify(id)
		assert.Equal(t, want, got, id)
	}
}
