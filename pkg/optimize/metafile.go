package optimize

// metafile is the subset of the esbuild metafile JSON the optimizer reads.
type metafile struct {
	Inputs  map[string]metafileInput  `json:"inputs"`
	Outputs map[string]metafileOutput `json:"outputs"`
}

type metafileInput struct {
	Bytes   int              `json:"bytes"`
	Imports []metafileImport `json:"imports"`
}

type metafileImport struct {
	Path     string `json:"path"`
	Kind     string `json:"kind"`
	External bool   `json:"external,omitempty"`
}

type metafileOutput struct {
	Bytes      int                     `json:"bytes"`
	Inputs     map[string]inputContrib `json:"inputs"`
	EntryPoint string                  `json:"entryPoint,omitempty"`
}

type inputContrib struct {
	BytesInOutput int `json:"bytesInOutput"`
}

// externals lists the external imports recorded in the metafile, each once.
func (m metafile) externals() []string {
	seen := map[string]bool{}
	var out []string
	for _, in := range m.Inputs {
		for _, imp := range in.Imports {
			if imp.External && !seen[imp.Path] {
				seen[imp.Path] = true
				out = append(out, imp.Path)
			}
		}
	}
	return out
}
