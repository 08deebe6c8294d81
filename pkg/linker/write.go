package linker

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/evanw/esbuild/pkg/api"
)

const header = "\"use strict\";\n(function() {\n"
const footer = "})();\n"
const sharedHeader = "window.__modules__ = window.__modules__ || {};\n"

// renderEntry writes the runtime, the chunk's modules and the start call that
// loads the shared chunks before requiring the entrypoint.
func renderEntry(objDir string, files Files, entry string, loads []string) ([]byte, error) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)

	if _, err := w.WriteString(header); err != nil {
		return nil, err
	}
	if _, err := w.WriteString(runtime); err != nil {
		return nil, err
	}
	if err := writeFiles(objDir, files, w); err != nil {
		return nil, err
	}
	if err := writeStart(w, entry, loads); err != nil {
		return nil, err
	}
	if _, err := w.WriteString(footer); err != nil {
		return nil, err
	}
	if err := w.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// renderShared writes a chunk that only registers modules.
func renderShared(objDir string, files Files) ([]byte, error) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)

	if _, err := w.WriteString(header); err != nil {
		return nil, err
	}
	if _, err := w.WriteString(sharedHeader); err != nil {
		return nil, err
	}
	if err := writeFiles(objDir, files, w); err != nil {
		return nil, err
	}
	if _, err := w.WriteString(footer); err != nil {
		return nil, err
	}
	if err := w.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeStart(w *bufio.Writer, entrypoint string, chunkPaths []string) error {
	if chunkPaths == nil {
		chunkPaths = []string{}
	}
	data, err := json.Marshal(chunkPaths)
	if err != nil {
		return err
	}
	entry, err := json.Marshal(entrypoint)
	if err != nil {
		return err
	}
	_, err = w.WriteString("start(" + string(data) + ", " + string(entry) + ");\n")
	return err
}

func writeFiles(objDir string, files Files, w *bufio.Writer) error {
	for _, file := range files.Keys() {
		fm, err := os.Open(filepath.Join(objDir, filepath.FromSlash(file)))
		if err != nil {
			return err
		}
		name, _ := json.Marshal(file)
		w.WriteString("window.__modules__[" + string(name) + "] = function(module, exports, require) {\n")
		_, err = io.Copy(w, fm)
		fm.Close()
		if err != nil {
			return err
		}
		w.WriteString("\n};\n")
	}
	return nil
}

// MinifyOptions controls the final esbuild pass over every chunk.
type MinifyOptions struct {
	Enabled      bool
	DropConsole  bool
	DropDebugger bool
	Target       api.Target
}

func (o MinifyOptions) apply(name string, code []byte) ([]byte, error) {
	if !o.Enabled {
		return code, nil
	}
	var drop api.Drop
	if o.DropConsole {
		drop |= api.DropConsole
	}
	if o.DropDebugger {
		drop |= api.DropDebugger
	}
	res := api.Transform(string(code), api.TransformOptions{
		Loader:            api.LoaderJS,
		Target:            o.Target,
		MinifyWhitespace:  true,
		MinifyIdentifiers: true,
		MinifySyntax:      true,
		Drop:              drop,
		Sourcefile:        name,
		LogLevel:          api.LogLevelSilent,
	})
	if len(res.Errors) > 0 {
		return nil, fmt.Errorf("minify %s: %s", name, res.Errors[0].Text)
	}
	return res.Code, nil
}
