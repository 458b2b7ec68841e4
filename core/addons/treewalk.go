package addons

import (
	"io/fs"
	"os"
	"path/filepath"
)

// MatchFunc decides whether a tree entry is the one being searched for.
type MatchFunc func(path string, entry fs.DirEntry) bool

// FindFirst searches root breadth-first and returns the path of the first
// entry accepted by match. Shallower entries win; entries at the same depth
// are visited in lexical order. Symlinks are never followed. It returns
// fs.ErrNotExist when nothing matches.
func FindFirst(root string, match MatchFunc) (string, error) {
	queue := []string{root}
	for len(queue) > 0 {
		dir := queue[0]
		queue = queue[1:]
		entries, err := os.ReadDir(dir)
		if err != nil {
			return "", err
		}
		for _, entry := range entries {
			path := filepath.Join(dir, entry.Name())
			if match(path, entry) {
				return path, nil
			}
			if entry.IsDir() && entry.Type()&fs.ModeSymlink == 0 {
				queue = append(queue, path)
			}
		}
	}
	return "", fs.ErrNotExist
}

// FindContainingDir returns the directory holding the first entry accepted
// by match.
func FindContainingDir(root string, match MatchFunc) (string, error) {
	path, err := FindFirst(root, match)
	if err != nil {
		return "", err
	}
	return filepath.Dir(path), nil
}

// NameIn matches regular files whose base name is one of names.
func NameIn(names ...string) MatchFunc {
	set := make(map[string]struct{}, len(names))
	for _, name := range names {
		set[name] = struct{}{}
	}
	return func(_ string, entry fs.DirEntry) bool {
		if !entry.Type().IsRegular() {
			return false
		}
		_, ok := set[entry.Name()]
		return ok
	}
}
