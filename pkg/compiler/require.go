package compiler

import (
	"strings"
)

const requireCall = "require("

// rewriteRequires sets up require statements for linking. esbuild emits
// CommonJS, so every import ends up as a require call:
//
//  1. Find every require( that is not part of a longer identifier.
//  2. Rewrite the quoted specifier with the resolved identifier:
//     require("react") -> require("node_modules/react/index.js").
//  3. Return the resolved identifiers, each once, in order of appearance.
//
// Specifiers that fail to resolve are reported through unresolved and left
// untouched. Calling such a require in the browser fails, which matches what
// happens when a package is genuinely missing.
func rewriteRequires(code string, resolve func(specifier string) (string, error), unresolved func(specifier string, err error)) (string, []string) {
	var (
		b       strings.Builder
		imports []string
		seen    = map[string]bool{}
	)
	b.Grow(len(code))

	rest := code
	for {
		i := strings.Index(rest, requireCall)
		if i < 0 {
			b.WriteString(rest)
			break
		}
		if i > 0 && isIdentByte(rest[i-1]) {
			b.WriteString(rest[:i+len(requireCall)])
			rest = rest[i+len(requireCall):]
			continue
		}

		b.WriteString(rest[:i+len(requireCall)])
		rest = rest[i+len(requireCall):]

		j := 0
		for j < len(rest) && (rest[j] == ' ' || rest[j] == '\n' || rest[j] == '\t') {
			j++
		}
		if j >= len(rest) || !isQuote(rest[j]) {
			continue
		}
		q := rest[j]
		end := strings.IndexByte(rest[j+1:], q)
		if end < 0 {
			continue
		}
		specifier := rest[j+1 : j+1+end]

		b.WriteString(rest[:j+1])
		id, err := resolve(specifier)
		if err != nil {
			unresolved(specifier, err)
			b.WriteString(specifier)
		} else {
			b.WriteString(id)
			if !seen[id] {
				seen[id] = true
				imports = append(imports, id)
			}
		}
		b.WriteByte(q)
		rest = rest[j+1+end+1:]
	}
	return b.String(), imports
}

func isIdentByte(c byte) bool {
	return c == '_' || c == '$' || c == '.' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func isQuote(c byte) bool {
	return c == '"' || c == '\'' || c == '`'
}
