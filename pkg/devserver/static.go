package devserver

import (
	"bytes"
	"errors"
	"io/fs"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// static serves the build output. Unknown paths without an extension fall
// back to index.html so client side routes load the app.
type static struct {
	dir    string
	files  http.Handler
	inject bool
}

func newStatic(dir string, inject bool) *static {
	return &static{dir: dir, files: http.FileServer(http.Dir(dir)), inject: inject}
}

func (s *static) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p := path.Clean("/" + r.URL.Path)
	if p == "/" || p == "/index.html" {
		s.serveIndex(w, r)
		return
	}

	_, err := os.Stat(filepath.Join(s.dir, filepath.FromSlash(p)))
	if errors.Is(err, fs.ErrNotExist) && path.Ext(p) == "" {
		s.serveIndex(w, r)
		return
	}
	w.Header().Set("Cache-Control", "no-cache")
	s.files.ServeHTTP(w, r)
}

func (s *static) serveIndex(w http.ResponseWriter, r *http.Request) {
	data, err := os.ReadFile(filepath.Join(s.dir, "index.html"))
	if errors.Is(err, fs.ErrNotExist) {
		http.Error(w, "index.html has not been built yet", http.StatusServiceUnavailable)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if s.inject {
		if data, err = injectClient(data); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	http.ServeContent(w, r, "index.html", time.Time{}, bytes.NewReader(data))
}

// injectClient appends the live reload script to the body of page.
func injectClient(page []byte) ([]byte, error) {
	doc, err := html.Parse(bytes.NewReader(page))
	if err != nil {
		return nil, err
	}
	script := &html.Node{Type: html.ElementNode, Data: "script", DataAtom: atom.Script}
	script.AppendChild(&html.Node{Type: html.TextNode, Data: clientJS})
	body := findBody(doc)
	if body == nil {
		body = doc
	}
	body.AppendChild(script)

	var out bytes.Buffer
	if err := html.Render(&out, doc); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func findBody(n *html.Node) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == atom.Body {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if b := findBody(c); b != nil {
			return b
		}
	}
	return nil
}
