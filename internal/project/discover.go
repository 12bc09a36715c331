package project

import (
	"errors"
	"fmt"
	"io/fs"
	"path"

	"github.com/BurntSushi/toml"
)

// ManifestName is the optional per-project manifest file.
const ManifestName = "project.toml"

// DefaultDiscoverRoots are scanned when no roots are configured.
var DefaultDiscoverRoots = []string{"apps", "packages"}

type manifest struct {
	ID        string   `toml:"id"`
	DependsOn []string `toml:"depends_on"`
}

// Discover treats each directory directly under dirs as a project. A
// project.toml inside the directory may override the id and declare
// dependencies; otherwise the directory name is the id.
func Discover(fsys fs.FS, dirs ...string) ([]Project, error) {
	if len(dirs) == 0 {
		dirs = DefaultDiscoverRoots
	}

	var out []Project
	for _, dir := range dirs {
		entries, err := fs.ReadDir(fsys, dir)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", dir, err)
		}
		for _, e := range entries {
			if !e.IsDir() || e.Name()[0] == '.' {
				continue
			}
			root := path.Join(dir, e.Name())
			p := Project{ID: e.Name(), Root: root}

			var m manifest
			_, err := toml.DecodeFS(fsys, path.Join(root, ManifestName), &m)
			switch {
			case errors.Is(err, fs.ErrNotExist):
			case err != nil:
				return nil, fmt.Errorf("parsing %s: %w", path.Join(root, ManifestName), err)
			default:
				if m.ID != "" {
					p.ID = m.ID
				}
				p.DependsOn = m.DependsOn
			}
			out = append(out, p)
		}
	}
	return out, nil
}
