package compiler

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
)

// Object describes one compiled module. It is stored next to the compiled
// code as "<id>.o" inside the object directory.
type Object struct {
	// Filename is the module identifier.
	Filename string `json:"filename"`
	// Hash is the content hash of the compiled code.
	Hash string `json:"hash"`
	// Imports are the resolved identifiers of every require() in the code.
	Imports []string `json:"imports"`
	// Assets are files emitted into the output directory for this module.
	Assets []string `json:"assets,omitempty"`
	// Unresolved are the require() specifiers that did not resolve. They
	// are left in the code as written.
	Unresolved []string `json:"unresolved,omitempty"`
}

func objectPath(dir, id string) string {
	return filepath.Join(dir, filepath.FromSlash(id)) + ".o"
}

func WriteObjectFile(dir string, o Object) error {
	data, err := json.Marshal(o)
	if err != nil {
		return err
	}
	return os.WriteFile(objectPath(dir, o.Filename), data, 0o644)
}

func ReadObjectFile(dir, id string) (Object, error) {
	data, err := os.ReadFile(objectPath(dir, id))
	if err != nil {
		return Object{}, err
	}
	o := Object{}
	err = json.Unmarshal(data, &o)
	return o, err
}

func hash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func hashBytes(data ...[]byte) string {
	h := sha256.New()
	for _, d := range data {
		h.Write(d)
	}
	return hex.EncodeToString(h.Sum(nil))
}
