// Package naming derives output file names for chunks and assets from
// templates such as "js/[name]-[hash].js".
package naming

import (
	"path"
	"strings"
)

// Placeholder stands in for the facade segment when a chunk has no facade
// module or the facade identifier ends in a separator.
const Placeholder = "chunk"

// HashLength is the number of hash characters kept in rendered names.
const HashLength = 8

const (
	DefaultAssetTemplate = "assets/[name]-[hash][extname]"
	DefaultChunkTemplate = "js/[name]-[facade]-[hash].js"
	DefaultEntryTemplate = "js/[name]-[hash].js"
)

// Descriptor carries the per-chunk metadata a name is derived from.
type Descriptor struct {
	// Name is the chunk label or the entrypoint base name.
	Name string
	// FacadeModuleID is the module the chunk was created for, if any.
	FacadeModuleID string
	// Hash is the content hash supplied by the caller.
	Hash string
	// Ext is the asset extension including the dot.
	Ext string
	// IsEntry marks entry chunks.
	IsEntry bool
}

// Facade returns the last path segment of the facade module, or Placeholder.
func (d Descriptor) Facade() string {
	if d.FacadeModuleID == "" {
		return Placeholder
	}
	id := strings.ReplaceAll(d.FacadeModuleID, `\`, "/")
	seg := id[strings.LastIndex(id, "/")+1:]
	if seg == "" {
		return Placeholder
	}
	return seg
}

// ChunkFileName returns the chunk template for d with the facade segment
// filled in. [name] and [hash] are left for Render.
func ChunkFileName(d Descriptor) string {
	return strings.ReplaceAll(DefaultChunkTemplate, "[facade]", d.Facade())
}

// Render substitutes [name], [hash], [extname] and [facade] in tmpl.
func Render(tmpl string, d Descriptor) string {
	name := d.Name
	if name == "" {
		name = Placeholder
	}
	hash := d.Hash
	if len(hash) > HashLength {
		hash = hash[:HashLength]
	}
	r := strings.NewReplacer(
		"[name]", name,
		"[hash]", hash,
		"[extname]", d.Ext,
		"[facade]", d.Facade(),
	)
	return path.Clean(r.Replace(tmpl))
}

// Namer renders names from a set of templates.
type Namer struct {
	AssetTemplate string
	ChunkTemplate string
	EntryTemplate string
}

// Default returns a Namer using the default templates.
func Default() Namer {
	return Namer{
		AssetTemplate: DefaultAssetTemplate,
		ChunkTemplate: DefaultChunkTemplate,
		EntryTemplate: DefaultEntryTemplate,
	}
}

func (n Namer) Entry(d Descriptor) string { return Render(or(n.EntryTemplate, DefaultEntryTemplate), d) }

func (n Namer) Chunk(d Descriptor) string { return Render(or(n.ChunkTemplate, DefaultChunkTemplate), d) }

func (n Namer) Asset(d Descriptor) string { return Render(or(n.AssetTemplate, DefaultAssetTemplate), d) }

// File picks the entry or chunk template depending on d.IsEntry.
func (n Namer) File(d Descriptor) string {
	if d.IsEntry {
		return n.Entry(d)
	}
	return n.Chunk(d)
}

func or(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
