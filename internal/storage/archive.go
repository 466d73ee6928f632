package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// LocalArchive keeps working copies of fetched pages, extracted records and
// processed images under a data directory:
//
//	<dir>/html/<id>.html
//	<dir>/json/<id>.json
//	<dir>/images/<name>
type LocalArchive struct {
	dir string
}

func NewLocalArchive(dir string) *LocalArchive {
	return &LocalArchive{dir: dir}
}

// SaveHTML writes the raw page for id and returns its path.
func (a *LocalArchive) SaveHTML(id, html string) (string, error) {
	return a.write("html", id+".html", []byte(html))
}

// SaveJSON writes v as indented JSON for id and returns its path.
func (a *LocalArchive) SaveJSON(id string, v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", id, err)
	}
	return a.write("json", id+".json", data)
}

// SaveImage writes an encoded image under name and returns its path.
func (a *LocalArchive) SaveImage(name string, data []byte) (string, error) {
	return a.write("images", name, data)
}

func (a *LocalArchive) write(kind, name string, data []byte) (string, error) {
	dir := filepath.Join(a.dir, kind)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, filepath.Base(name))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}
