package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"mdvault/internal/remote"
	"mdvault/internal/render"
	"mdvault/internal/store"
)

// buildLinkMap maps normalized document names to stable IDs for the
// current remote listing. When two documents share a name the one with
// the lexically smaller path wins, which keeps the mapping stable
// across listings that return entries in a different order.
func buildLinkMap(entries []remote.Entry) render.LinkMap {
	sorted := make([]remote.Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	links := make(render.LinkMap, len(sorted))
	for _, e := range sorted {
		key := render.LinkKey(e.Name)
		if key == "" {
			continue
		}
		if _, ok := links[key]; ok {
			continue
		}
		links[key] = store.StableID(e.RemoteID)
	}
	return links
}

// linkSignature digests the name-to-identity association of a listing.
// It changes exactly when a rename, addition, or removal could alter
// how wiki links resolve, so equal signatures mean cached HTML is
// still correctly linked.
func linkSignature(entries []remote.Entry) string {
	pairs := make([]string, 0, len(entries))
	for _, e := range entries {
		pairs = append(pairs, e.RemoteID+":"+render.LinkKey(e.Name))
	}
	sort.Strings(pairs)
	sum := sha256.Sum256([]byte(strings.Join(pairs, "\n")))
	return hex.EncodeToString(sum[:])
}
