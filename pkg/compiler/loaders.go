package compiler

import (
	"encoding/json"
	"path"
	"strings"

	"github.com/evanw/esbuild/pkg/api"
)

type kind int

const (
	kindSkip kind = iota
	kindScript
	kindStyle
	kindAsset
)

var scriptLoaders = map[string]api.Loader{
	".js":   api.LoaderJS,
	".mjs":  api.LoaderJS,
	".cjs":  api.LoaderJS,
	".jsx":  api.LoaderJSX,
	".ts":   api.LoaderTS,
	".mts":  api.LoaderTS,
	".tsx":  api.LoaderTSX,
	".json": api.LoaderJSON,
}

var assetExts = map[string]bool{
	".svg": true, ".png": true, ".jpg": true, ".jpeg": true, ".gif": true,
	".webp": true, ".avif": true, ".ico": true,
	".woff": true, ".woff2": true, ".ttf": true, ".otf": true,
	".mp3": true, ".wav": true, ".ogg": true, ".mp4": true, ".webm": true,
	".moc3": true, ".wasm": true,
}

// classify decides how a file is turned into a module.
func classify(id string) (kind, api.Loader) {
	if strings.HasSuffix(id, ".d.ts") || strings.HasSuffix(id, ".d.mts") {
		return kindSkip, api.LoaderNone
	}
	ext := strings.ToLower(path.Ext(id))
	if l, ok := scriptLoaders[ext]; ok {
		return kindScript, l
	}
	if ext == ".css" {
		return kindStyle, api.LoaderCSS
	}
	if assetExts[ext] {
		return kindAsset, api.LoaderFile
	}
	return kindSkip, api.LoaderNone
}

func styleModule(css string) string {
	lit, _ := json.Marshal(css)
	return "var s=document.createElement(\"style\");s.textContent=" + string(lit) +
		";document.head.appendChild(s);module.exports={};\n"
}

func assetModule(url string) string {
	lit, _ := json.Marshal(url)
	return "module.exports=" + string(lit) + ";\n"
}
