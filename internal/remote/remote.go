// Package remote defines the contract to the remote file store and the
// recursive listing used by the sync engine. The Lister performs no retries
// and no caching; remote failures propagate to the caller as-is.
package remote

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"
)

type File struct {
	ID           string
	Name         string
	IsFolder     bool
	ModifiedTime time.Time
}

type Page struct {
	Files     []File
	NextToken string
}

type Client interface {
	// ListChildren returns one page of direct children of folderID.
	// An empty pageToken requests the first page; a returned empty
	// NextToken ends the listing.
	ListChildren(ctx context.Context, folderID, pageToken string) (Page, error)
	GetContent(ctx context.Context, fileID string) ([]byte, error)
}

// Entry is one eligible document below the root, annotated with its
// folder-relative path.
type Entry struct {
	RemoteID     string
	Name         string
	Path         string
	ModifiedTime time.Time
}

func IsDocument(name string) bool {
	return strings.HasSuffix(strings.ToLower(name), ".md")
}

// ListTree enumerates every document file under rootID, depth first,
// draining pagination at each level. Folder depth and fan-out are unbounded.
func ListTree(ctx context.Context, c Client, rootID string) ([]Entry, error) {
	var out []Entry
	err := listFolder(ctx, c, rootID, "", &out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func listFolder(ctx context.Context, c Client, folderID, prefix string, out *[]Entry) error {
	token := ""
	for {
		page, err := c.ListChildren(ctx, folderID, token)
		if err != nil {
			return fmt.Errorf("list folder %s: %w", folderID, err)
		}
		for _, f := range page.Files {
			if f.IsFolder {
				if err := listFolder(ctx, c, f.ID, path.Join(prefix, f.Name), out); err != nil {
					return err
				}
				continue
			}
			if !IsDocument(f.Name) {
				continue
			}
			*out = append(*out, Entry{
				RemoteID:     f.ID,
				Name:         f.Name,
				Path:         path.Join(prefix, f.Name),
				ModifiedTime: f.ModifiedTime,
			})
		}
		if page.NextToken == "" {
			return nil
		}
		token = page.NextToken
	}
}
