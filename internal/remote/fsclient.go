package remote

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// FSClient adapts a local directory to the remote store contract so the
// CLIs and tests run without a cloud dependency. File IDs are cleaned
// root-relative paths; they do not survive renames, which is a limit of
// this dev client, not of the engine.
type FSClient struct {
	Root     string
	PageSize int
}

func NewFSClient(root string) *FSClient {
	return &FSClient{Root: root, PageSize: 100}
}

// RootFolderID is the folder reference a vault should carry for this client.
func (c *FSClient) RootFolderID() string { return "." }

func (c *FSClient) ListChildren(ctx context.Context, folderID, pageToken string) (Page, error) {
	if err := ctx.Err(); err != nil {
		return Page{}, err
	}
	rel, err := c.safeRel(folderID)
	if err != nil {
		return Page{}, err
	}
	entries, err := os.ReadDir(filepath.Join(c.Root, filepath.FromSlash(rel)))
	if err != nil {
		return Page{}, fmt.Errorf("read dir %s: %w", folderID, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	files := make([]File, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return Page{}, err
		}
		files = append(files, File{
			ID:           path.Join(rel, name),
			Name:         name,
			IsFolder:     entry.IsDir(),
			ModifiedTime: info.ModTime().UTC(),
		})
	}

	start := 0
	if pageToken != "" {
		n, err := parsePageToken(pageToken)
		if err != nil {
			return Page{}, err
		}
		start = n
	}
	if start > len(files) {
		start = len(files)
	}
	size := c.PageSize
	if size <= 0 {
		size = 100
	}
	end := start + size
	next := ""
	if end < len(files) {
		next = fmt.Sprintf("%d", end)
	} else {
		end = len(files)
	}
	return Page{Files: files[start:end], NextToken: next}, nil
}

func (c *FSClient) GetContent(ctx context.Context, fileID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rel, err := c.safeRel(fileID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(c.Root, filepath.FromSlash(rel)))
	if err != nil {
		return nil, fmt.Errorf("read file %s: %w", fileID, err)
	}
	return data, nil
}

func (c *FSClient) safeRel(id string) (string, error) {
	if strings.Contains(id, `\`) {
		return "", fmt.Errorf("invalid file id %q", id)
	}
	clean := path.Clean(id)
	if clean == "" {
		clean = "."
	}
	if strings.HasPrefix(clean, "../") || clean == ".." || strings.HasPrefix(clean, "/") {
		return "", fmt.Errorf("invalid file id %q", id)
	}
	return clean, nil
}

func parsePageToken(token string) (int, error) {
	n := 0
	for _, r := range token {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("invalid page token %q", token)
		}
		n = n*10 + int(r-'0')
	}
	return n, nil
}
