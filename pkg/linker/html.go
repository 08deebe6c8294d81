package linker

import (
	"bytes"
	"errors"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const defaultHTML = `<!doctype html>
<html lang="en">
  <head>
    <meta charset="UTF-8" />
    <meta name="viewport" content="width=device-width, initial-scale=1.0" />
  </head>
  <body>
    <div id="root"></div>
  </body>
</html>
`

// writeHTML copies index.html from the project root into the output
// directory, pointing the entrypoint script tags at the built entry chunks.
// Entrypoints without a script tag get one appended to the body.
func (b *Bundle) writeHTML() error {
	data, err := os.ReadFile(filepath.Join(b.Root, "index.html"))
	if errors.Is(err, fs.ErrNotExist) {
		data = []byte(defaultHTML)
	} else if err != nil {
		return err
	}

	doc, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return err
	}
	for _, c := range b.Chunks {
		if !c.IsEntry() {
			continue
		}
		if !rewriteEntryScripts(doc, c.Entrypoint, "/"+c.Output) {
			appendScript(doc, "/"+c.Output)
		}
	}

	var out bytes.Buffer
	if err := html.Render(&out, doc); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(b.OutDir, "index.html"), out.Bytes(), 0o644)
}

// rewriteEntryScripts points every script whose src resolves to entrypoint
// at src. The type attribute is dropped since entry chunks are classic
// scripts.
func rewriteEntryScripts(doc *html.Node, entrypoint, src string) bool {
	found := false
	walk(doc, func(n *html.Node) {
		if n.Type != html.ElementNode || n.DataAtom != atom.Script {
			return
		}
		i := attrIndex(n, "src")
		if i < 0 || !sameModule(n.Attr[i].Val, entrypoint) {
			return
		}
		attrs := n.Attr[:0]
		for _, a := range n.Attr {
			switch a.Key {
			case "src":
				a.Val = src
			case "type":
				continue
			}
			attrs = append(attrs, a)
		}
		n.Attr = attrs
		found = true
	})
	return found
}

// sameModule reports whether a script src such as "./src/main.tsx" or
// "/src/main.tsx" names the root relative module id.
func sameModule(src, id string) bool {
	if strings.Contains(src, "://") || strings.HasPrefix(src, "//") {
		return false
	}
	if i := strings.IndexAny(src, "?#"); i >= 0 {
		src = src[:i]
	}
	return strings.TrimPrefix(path.Clean("/"+src), "/") == path.Clean(filepath.ToSlash(id))
}

func appendScript(doc *html.Node, src string) {
	body := findElement(doc, atom.Body)
	if body == nil {
		body = doc
	}
	body.AppendChild(&html.Node{
		Type:     html.ElementNode,
		Data:     "script",
		DataAtom: atom.Script,
		Attr:     []html.Attribute{{Key: "src", Val: src}},
	})
}

func findElement(doc *html.Node, a atom.Atom) *html.Node {
	var found *html.Node
	walk(doc, func(n *html.Node) {
		if found == nil && n.Type == html.ElementNode && n.DataAtom == a {
			found = n
		}
	})
	return found
}

func attrIndex(n *html.Node, key string) int {
	for i, a := range n.Attr {
		if a.Key == key {
			return i
		}
	}
	return -1
}

func walk(n *html.Node, fn func(*html.Node)) {
	fn(n)
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, fn)
	}
}
