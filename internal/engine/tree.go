package engine

import (
	"path"
	"sort"
	"strings"
)

// Folder is one node of a vault's folder tree. Notes hold the stable
// IDs of the documents directly inside the folder.
type Folder struct {
	Name    string
	Path    string
	Folders []*Folder
	Notes   []string
}

// buildTree assembles a folder tree from document paths. Paths use "/"
// separators relative to the vault root. The root folder has an empty
// name and path.
func buildTree(docs []Document) *Folder {
	root := &Folder{}
	byPath := map[string]*Folder{"": root}

	folderAt := func(p string) *Folder {
		if f, ok := byPath[p]; ok {
			return f
		}
		parts := strings.Split(p, "/")
		cur := root
		acc := ""
		for _, part := range parts {
			if acc == "" {
				acc = part
			} else {
				acc = acc + "/" + part
			}
			next, ok := byPath[acc]
			if !ok {
				next = &Folder{Name: part, Path: acc}
				cur.Folders = append(cur.Folders, next)
				byPath[acc] = next
			}
			cur = next
		}
		return cur
	}

	sorted := make([]Document, len(docs))
	copy(sorted, docs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	for _, d := range sorted {
		dir := path.Dir(d.Path)
		if dir == "." {
			dir = ""
		}
		f := folderAt(dir)
		f.Notes = append(f.Notes, d.StableID)
	}
	sortTree(root)
	return root
}

func sortTree(f *Folder) {
	sort.Slice(f.Folders, func(i, j int) bool { return f.Folders[i].Name < f.Folders[j].Name })
	for _, c := range f.Folders {
		sortTree(c)
	}
}
