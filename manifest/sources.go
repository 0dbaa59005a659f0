package manifest

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// SourceFile is one script or function file found under the source dirs.
type SourceFile struct {
	Path     string // absolute
	Name     string // base name without extension
	Function bool
}

// SourceDirPaths returns absolute paths for the configured script directories.
func (m *Manifest) SourceDirPaths() []string {
	return m.abs(m.Source.Dirs)
}

// FunctionDirPaths returns absolute paths for the configured function directories.
func (m *Manifest) FunctionDirPaths() []string {
	return m.abs(m.Source.Functions)
}

func (m *Manifest) abs(dirs []string) []string {
	var paths []string
	for _, d := range dirs {
		if filepath.IsAbs(d) {
			paths = append(paths, d)
			continue
		}
		paths = append(paths, filepath.Join(m.Dir, d))
	}
	return paths
}

// Sources lists every source file, functions first so scripts compiled
// after them can call them. Missing directories are skipped. Two files with
// the same name in one category are an error.
func (m *Manifest) Sources() ([]SourceFile, error) {
	funcs, err := collect(m.FunctionDirPaths(), m.Source.Ext, true)
	if err != nil {
		return nil, err
	}
	scripts, err := collect(m.SourceDirPaths(), m.Source.Ext, false)
	if err != nil {
		return nil, err
	}
	return append(funcs, scripts...), nil
}

func collect(dirs []string, ext string, function bool) ([]SourceFile, error) {
	var out []SourceFile
	seen := make(map[string]string)
	for _, dir := range dirs {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			continue
		}
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || filepath.Ext(path) != ext {
				return nil
			}
			name := strings.TrimSuffix(d.Name(), ext)
			if prev, dup := seen[name]; dup {
				return fmt.Errorf("%s: duplicate name %q (also %s)", path, name, prev)
			}
			seen[name] = path
			out = append(out, SourceFile{Path: path, Name: name, Function: function})
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scanning %s: %w", dir, err)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}
