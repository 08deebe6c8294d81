package linker

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/coldog/chunkbld/pkg/partition"
)

// A Bundler groups the files of a bundle into chunks.
type Bundler func(b *Bundle) error

// StandardBundler creates one chunk per entrypoint holding every file that
// entrypoint reaches.
func StandardBundler(b *Bundle) error {
	chunks := map[string]*Chunk{}
	for _, entrypoint := range b.Entrypoints {
		chunks[entrypoint] = &Chunk{
			Name:       entryName(entrypoint),
			Entrypoint: entrypoint,
			Files:      Files{},
		}
	}
	for name, file := range b.Files {
		for _, entrypoint := range file.Entrypoints {
			c, ok := chunks[entrypoint]
			if !ok {
				return fmt.Errorf("linker: %s belongs to unknown entrypoint %s", name, entrypoint)
			}
			c.Files[name] = file
		}
	}
	b.Chunks = nil
	for _, entrypoint := range b.Entrypoints {
		b.Chunks = append(b.Chunks, chunks[entrypoint])
	}
	return nil
}

// ManualChunks moves every file c labels out of the entry chunks into a
// shared chunk named after the label. Entry chunks load the shared chunks
// their files moved to before starting. Entrypoints themselves always stay in
// their entry chunk.
func ManualChunks(c partition.Classifier, warnUnassigned bool) Bundler {
	return func(b *Bundle) error {
		if err := StandardBundler(b); err != nil {
			return err
		}

		entries := map[string]*Chunk{}
		for _, ch := range b.Chunks {
			entries[ch.Entrypoint] = ch
		}
		isEntry := map[string]bool{}
		for _, e := range b.Entrypoints {
			isEntry[e] = true
		}

		shared := map[partition.Label]*Chunk{}
		warned := map[string]bool{}
		for _, id := range b.Files.Keys() {
			file := b.Files[id]
			if isEntry[id] {
				continue
			}
			label, ok := c.Classify(id)
			if !ok {
				if warnUnassigned {
					if pkg, isPkg := partition.PackageName(id); isPkg && !warned[pkg] {
						warned[pkg] = true
						b.log().Warn("package has no manual chunk, keeping it in the entry chunk",
							zap.String("package", pkg))
					}
				}
				continue
			}

			sc, ok := shared[label]
			if !ok {
				sc = &Chunk{Name: string(label), Files: Files{}}
				shared[label] = sc
			}
			sc.Files[id] = file
			for _, e := range file.Entrypoints {
				entry := entries[e]
				delete(entry.Files, id)
				entry.addLoad(sc.Name)
			}
		}

		var labels []string
		for l := range shared {
			labels = append(labels, string(l))
		}
		sort.Strings(labels)

		chunks := make([]*Chunk, 0, len(shared)+len(b.Chunks))
		for _, l := range labels {
			chunks = append(chunks, shared[partition.Label(l)])
		}
		b.Chunks = append(chunks, b.Chunks...)
		return nil
	}
}

func entryName(entrypoint string) string {
	base := path.Base(entrypoint)
	if i := strings.IndexByte(base, '.'); i > 0 {
		return base[:i]
	}
	return base
}
