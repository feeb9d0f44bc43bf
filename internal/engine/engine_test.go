package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"mdvault/internal/publish"
	"mdvault/internal/remote"
	"mdvault/internal/render"
	"mdvault/internal/store"
)

type fakeFile struct {
	name    string
	parent  string
	folder  bool
	mtime   time.Time
	content string
}

// fakeRemote is an in-memory remote store that counts list and fetch
// calls so tests can assert which sync branches ran.
type fakeRemote struct {
	mu        sync.Mutex
	files     map[string]fakeFile
	lists     int
	fetches   int
	listErr   error
	listDelay time.Duration
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{files: map[string]fakeFile{}}
}

func (f *fakeRemote) put(id, parent, name, content string, mtime time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[id] = fakeFile{name: name, parent: parent, content: content, mtime: mtime}
}

func (f *fakeRemote) putFolder(id, parent, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[id] = fakeFile{name: name, parent: parent, folder: true}
}

func (f *fakeRemote) remove(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.files, id)
}

func (f *fakeRemote) counts() (lists, fetches int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lists, f.fetches
}

func (f *fakeRemote) ListChildren(ctx context.Context, folderID, pageToken string) (remote.Page, error) {
	f.mu.Lock()
	f.lists++
	err := f.listErr
	delay := f.listDelay
	var out []remote.File
	for id, file := range f.files {
		if file.parent == folderID {
			out = append(out, remote.File{ID: id, Name: file.name, IsFolder: file.folder, ModifiedTime: file.mtime})
		}
	}
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return remote.Page{}, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return remote.Page{Files: out}, nil
}

func (f *fakeRemote) GetContent(ctx context.Context, fileID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	file, ok := f.files[fileID]
	if !ok {
		return nil, fmt.Errorf("no such file %s", fileID)
	}
	return []byte(file.content), nil
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestEngine(t *testing.T) (*Engine, *fakeRemote, *fakeClock, store.Vault) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "vault.sqlite"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.Init(context.Background()); err != nil {
		t.Fatalf("init store: %v", err)
	}
	vault, err := st.CreateVault(context.Background(), store.Vault{Slug: "main", RootFolderID: "root", IsDefault: true})
	if err != nil {
		t.Fatalf("create vault: %v", err)
	}
	client := newFakeRemote()
	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	eng := New(st, client, render.New(0), Options{
		Concurrency: 4,
		CacheTTL:    time.Minute,
		Now:         clock.Now,
	})
	return eng, client, clock, vault
}

func TestSyncRendersVault(t *testing.T) {
	eng, client, clock, vault := newTestEngine(t)
	ctx := context.Background()
	mtime := clock.Now().Add(-time.Hour)
	client.put("a", "root", "Alpha.md", "# Alpha\n\nSee [[Beta]].", mtime)
	client.putFolder("sub", "root", "guides")
	client.put("b", "sub", "Beta.md", "---\ntags: [howto]\n---\n# Beta\n\nBody.", mtime)

	data, err := eng.GetVaultData(ctx, vault.ID, false)
	if err != nil {
		t.Fatalf("get vault data: %v", err)
	}
	if len(data.Documents) != 2 || data.Stats.Rendered != 2 || data.Stale {
		t.Fatalf("unexpected snapshot: stats=%+v docs=%d stale=%v", data.Stats, len(data.Documents), data.Stale)
	}

	alpha, ok := data.Document(store.StableID("a"))
	if !ok {
		t.Fatalf("alpha not resolvable")
	}
	if !strings.Contains(alpha.HTML, `href="/notes/`+store.StableID("b")+`"`) {
		t.Fatalf("wiki link not resolved: %s", alpha.HTML)
	}
	beta, _ := data.Document(store.StableID("b"))
	if len(beta.Tags) != 1 || beta.Tags[0] != "howto" {
		t.Fatalf("frontmatter tags missing: %+v", beta.Tags)
	}
	if beta.Path != "guides/Beta.md" {
		t.Fatalf("unexpected beta path %q", beta.Path)
	}
	if len(data.Tree.Folders) != 1 || data.Tree.Folders[0].Name != "guides" {
		t.Fatalf("unexpected tree %+v", data.Tree)
	}
	if len(data.SearchEntries) != 2 || data.SearchEntries[0].Path != "Alpha.md" {
		t.Fatalf("unexpected search entries %+v", data.SearchEntries)
	}
	if !strings.Contains(data.SearchEntries[0].SearchText, "alpha") {
		t.Fatalf("search text not lowercased: %q", data.SearchEntries[0].SearchText)
	}
}

func TestSecondSyncFetchesNothing(t *testing.T) {
	eng, client, clock, vault := newTestEngine(t)
	ctx := context.Background()
	client.put("a", "root", "Alpha.md", "# Alpha", clock.Now().Add(-time.Hour))
	client.put("b", "root", "Beta.md", "# Beta", clock.Now().Add(-time.Hour))

	if _, err := eng.GetVaultData(ctx, vault.ID, false); err != nil {
		t.Fatalf("first sync: %v", err)
	}
	_, fetchesAfterFirst := client.counts()
	if fetchesAfterFirst != 2 {
		t.Fatalf("expected 2 fetches on first pass, got %d", fetchesAfterFirst)
	}

	clock.Advance(2 * time.Minute)
	data, err := eng.GetVaultData(ctx, vault.ID, false)
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	_, fetches := client.counts()
	if fetches != fetchesAfterFirst {
		t.Fatalf("unchanged vault must not refetch: %d -> %d", fetchesAfterFirst, fetches)
	}
	if data.Stats.Reused != 2 || data.Stats.Rendered != 0 {
		t.Fatalf("expected both documents reused: %+v", data.Stats)
	}
}

func TestRenameKeepsStableIDAndRelinksWithoutFetch(t *testing.T) {
	eng, client, clock, vault := newTestEngine(t)
	ctx := context.Background()
	mtime := clock.Now().Add(-time.Hour)
	client.put("a", "root", "Alpha.md", "Link to [[Beta]].", mtime)
	client.put("b", "root", "Beta.md", "# Beta", mtime)

	first, err := eng.GetVaultData(ctx, vault.ID, false)
	if err != nil {
		t.Fatalf("first sync: %v", err)
	}
	alpha, _ := first.Document(store.StableID("a"))
	if !strings.Contains(alpha.HTML, "/notes/"+store.StableID("b")) {
		t.Fatalf("link not resolved before rename")
	}
	_, fetchesBefore := client.counts()

	// Rename keeps the remote id and mtime; only the name changes.
	client.put("b", "root", "Gamma.md", "# Beta", mtime)

	clock.Advance(2 * time.Minute)
	second, err := eng.GetVaultData(ctx, vault.ID, false)
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if second.LinkSig == first.LinkSig {
		t.Fatalf("link signature must change on rename")
	}

	renamed, ok := second.Document(store.StableID("b"))
	if !ok {
		t.Fatalf("renamed document lost")
	}
	if renamed.Path != "Gamma.md" {
		t.Fatalf("path not updated: %q", renamed.Path)
	}

	// Alpha's body never changed on the remote side, so its relink
	// must come from the cached markdown.
	alpha, _ = second.Document(store.StableID("a"))
	if strings.Contains(alpha.HTML, "/notes/"+store.StableID("b")) {
		t.Fatalf("stale link survived rename: %s", alpha.HTML)
	}
	if !strings.Contains(alpha.HTML, "[[Beta]]") {
		t.Fatalf("unresolved link must stay raw: %s", alpha.HTML)
	}
	_, fetchesAfter := client.counts()
	if fetchesAfter != fetchesBefore+1 {
		t.Fatalf("only the renamed file may be refetched: %d -> %d", fetchesBefore, fetchesAfter)
	}
	if second.Stats.Relinked != 1 {
		t.Fatalf("expected one relinked document: %+v", second.Stats)
	}
}

func TestDeletedDocumentReappearsWithSameID(t *testing.T) {
	eng, client, clock, vault := newTestEngine(t)
	ctx := context.Background()
	mtime := clock.Now().Add(-time.Hour)
	client.put("a", "root", "Alpha.md", "# Alpha", mtime)

	first, err := eng.GetVaultData(ctx, vault.ID, false)
	if err != nil {
		t.Fatalf("first sync: %v", err)
	}
	stableID := store.StableID("a")
	if _, ok := first.Document(stableID); !ok {
		t.Fatalf("document missing after first sync")
	}

	client.remove("a")
	clock.Advance(2 * time.Minute)
	second, err := eng.GetVaultData(ctx, vault.ID, false)
	if err != nil {
		t.Fatalf("sync after delete: %v", err)
	}
	if second.Stats.Deleted != 1 {
		t.Fatalf("expected one soft delete: %+v", second.Stats)
	}
	if _, ok := second.Document(stableID); ok {
		t.Fatalf("deleted document still served")
	}
	// Identity survives the deletion.
	if second.Aliases[stableID] != stableID {
		t.Fatalf("alias for deleted document dropped")
	}

	client.put("a", "root", "Alpha.md", "# Alpha again", mtime.Add(time.Minute))
	clock.Advance(2 * time.Minute)
	third, err := eng.GetVaultData(ctx, vault.ID, false)
	if err != nil {
		t.Fatalf("sync after reappear: %v", err)
	}
	doc, ok := third.Document(stableID)
	if !ok {
		t.Fatalf("reappeared document not served")
	}
	if !strings.Contains(doc.HTML, "Alpha again") {
		t.Fatalf("reappeared content not rendered: %s", doc.HTML)
	}
}

func TestLegacyAliasResolves(t *testing.T) {
	eng, client, clock, vault := newTestEngine(t)
	ctx := context.Background()
	client.put("a", "root", "Alpha.md", "# Alpha", clock.Now().Add(-time.Hour))

	data, err := eng.GetVaultData(ctx, vault.ID, false)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	doc, ok := data.Document(store.LegacyAlias(1))
	if !ok {
		t.Fatalf("legacy alias did not resolve: %v", data.Aliases)
	}
	if doc.StableID != store.StableID("a") {
		t.Fatalf("legacy alias resolved to %q", doc.StableID)
	}
}

func TestDegradedServesStaleSnapshot(t *testing.T) {
	eng, client, clock, vault := newTestEngine(t)
	ctx := context.Background()
	client.put("a", "root", "Alpha.md", "# Alpha", clock.Now().Add(-time.Hour))

	if _, err := eng.GetVaultData(ctx, vault.ID, false); err != nil {
		t.Fatalf("first sync: %v", err)
	}

	client.mu.Lock()
	client.listErr = errors.New("remote unavailable")
	client.mu.Unlock()

	data, err := eng.GetVaultData(ctx, vault.ID, true)
	if err != nil {
		t.Fatalf("degraded call must not error when a snapshot exists: %v", err)
	}
	if !data.Stale || data.SyncError == "" {
		t.Fatalf("expected stale snapshot with error, got stale=%v err=%q", data.Stale, data.SyncError)
	}
	if _, ok := data.Document(store.StableID("a")); !ok {
		t.Fatalf("stale snapshot lost its documents")
	}
}

func TestSyncFailureWithEmptyVaultErrors(t *testing.T) {
	eng, client, _, vault := newTestEngine(t)
	client.listErr = errors.New("remote unavailable")

	if _, err := eng.GetVaultData(context.Background(), vault.ID, false); err == nil {
		t.Fatalf("expected error with no snapshot to fall back on")
	}
}

func TestParseFailureDoesNotAbortPass(t *testing.T) {
	eng, client, clock, vault := newTestEngine(t)
	ctx := context.Background()
	mtime := clock.Now().Add(-time.Hour)
	client.put("a", "root", "Alpha.md", "# Alpha", mtime)
	client.put("bad", "root", "Broken.md", "---\na: [unclosed\n---\nbody", mtime)

	data, err := eng.GetVaultData(ctx, vault.ID, false)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if data.Stats.Failed != 1 || data.Stats.Rendered != 1 {
		t.Fatalf("expected one failure and one render: %+v", data.Stats)
	}
	if _, ok := data.Document(store.StableID("a")); !ok {
		t.Fatalf("healthy document missing")
	}
}

func TestCacheTTLAndForce(t *testing.T) {
	eng, client, clock, vault := newTestEngine(t)
	ctx := context.Background()
	client.put("a", "root", "Alpha.md", "# Alpha", clock.Now().Add(-time.Hour))

	if _, err := eng.GetVaultData(ctx, vault.ID, false); err != nil {
		t.Fatalf("first sync: %v", err)
	}
	listsAfterFirst, _ := client.counts()

	// Within the TTL the snapshot is served without touching the remote.
	if _, err := eng.GetVaultData(ctx, vault.ID, false); err != nil {
		t.Fatalf("cached read: %v", err)
	}
	lists, _ := client.counts()
	if lists != listsAfterFirst {
		t.Fatalf("fresh cache must not list: %d -> %d", listsAfterFirst, lists)
	}

	clock.Advance(2 * time.Minute)
	if _, err := eng.GetVaultData(ctx, vault.ID, false); err != nil {
		t.Fatalf("expired read: %v", err)
	}
	lists, _ = client.counts()
	if lists <= listsAfterFirst {
		t.Fatalf("expired cache must resync")
	}

	// A forced call ignores both the fresh TTL and the render cache.
	_, fetchesBefore := client.counts()
	data, err := eng.GetVaultData(ctx, vault.ID, true)
	if err != nil {
		t.Fatalf("forced read: %v", err)
	}
	_, fetches := client.counts()
	if fetches != fetchesBefore+1 {
		t.Fatalf("forced sync must refetch: %d -> %d", fetchesBefore, fetches)
	}
	if data.Stats.Rendered != 1 || data.Stats.Reused != 0 {
		t.Fatalf("forced sync must rerender, not reuse: %+v", data.Stats)
	}
}

func TestScheduledDocTurnsPublicOnReusePath(t *testing.T) {
	eng, client, clock, vault := newTestEngine(t)
	ctx := context.Background()
	mtime := clock.Now().Add(-time.Hour)
	publishAt := clock.Now().Add(30 * time.Minute).Format("2006-01-02 15:04")
	client.put("a", "root", "Alpha.md", "---\npublished_at: "+publishAt+"\n---\n# Alpha", mtime)

	first, err := eng.GetVaultData(ctx, vault.ID, false)
	if err != nil {
		t.Fatalf("first sync: %v", err)
	}
	if len(first.Stats.NewlyPublic) != 0 {
		t.Fatalf("scheduled document must not be newly public yet: %v", first.Stats.NewlyPublic)
	}

	// The publish time and the cache TTL both elapse; no remote change.
	clock.Advance(2 * time.Hour)
	second, err := eng.GetVaultData(ctx, vault.ID, false)
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if second.Stats.Reused != 1 || second.Stats.Fetched != 0 {
		t.Fatalf("expected a pure reuse pass: %+v", second.Stats)
	}
	stableID := store.StableID("a")
	if len(second.Stats.NewlyPublic) != 1 || second.Stats.NewlyPublic[0] != stableID {
		t.Fatalf("schedule elapsing must register as newly public: %v", second.Stats.NewlyPublic)
	}
	doc, _ := second.Document(stableID)
	if !publish.PubliclyVisible(doc.Publish, clock.Now()) {
		t.Fatalf("document should be publicly visible now: %+v", doc.Publish)
	}

	// The transition reports once, not on every later pass.
	clock.Advance(2 * time.Minute)
	third, err := eng.GetVaultData(ctx, vault.ID, false)
	if err != nil {
		t.Fatalf("third sync: %v", err)
	}
	if len(third.Stats.NewlyPublic) != 0 {
		t.Fatalf("already-public document reported again: %v", third.Stats.NewlyPublic)
	}
}

func TestNewDocumentRepairsBrokenLinkWithoutRefetch(t *testing.T) {
	eng, client, clock, vault := newTestEngine(t)
	ctx := context.Background()
	mtime := clock.Now().Add(-time.Hour)
	client.put("a", "root", "Alpha.md", "See [[Beta]].", mtime)

	first, err := eng.GetVaultData(ctx, vault.ID, false)
	if err != nil {
		t.Fatalf("first sync: %v", err)
	}
	alpha, _ := first.Document(store.StableID("a"))
	if !strings.Contains(alpha.HTML, "[[Beta]]") {
		t.Fatalf("unresolved link must stay raw: %s", alpha.HTML)
	}
	_, fetchesBefore := client.counts()

	client.put("b", "root", "Beta.md", "# Beta", mtime)
	clock.Advance(2 * time.Minute)
	second, err := eng.GetVaultData(ctx, vault.ID, false)
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}

	alpha, _ = second.Document(store.StableID("a"))
	if !strings.Contains(alpha.HTML, `href="/notes/`+store.StableID("b")+`"`) {
		t.Fatalf("link must now resolve: %s", alpha.HTML)
	}
	_, fetchesAfter := client.counts()
	if fetchesAfter != fetchesBefore+1 {
		t.Fatalf("only the new file may be fetched: %d -> %d", fetchesBefore, fetchesAfter)
	}
	if second.Stats.Relinked != 1 || second.Stats.Rendered != 1 {
		t.Fatalf("expected one relink and one render: %+v", second.Stats)
	}
}

func TestRepeatedSyncProducesIdenticalDocuments(t *testing.T) {
	eng, client, clock, vault := newTestEngine(t)
	ctx := context.Background()
	mtime := clock.Now().Add(-time.Hour)
	client.put("a", "root", "Alpha.md", "---\ntags: [x]\n---\n# Alpha\n\nSee [[Beta]].", mtime)
	client.put("b", "root", "Beta.md", "# Beta\n\nBody.", mtime)

	first, err := eng.GetVaultData(ctx, vault.ID, false)
	if err != nil {
		t.Fatalf("first sync: %v", err)
	}
	clock.Advance(2 * time.Minute)
	second, err := eng.GetVaultData(ctx, vault.ID, false)
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if second.Stats.Fetched != 0 {
		t.Fatalf("no-change pass must not fetch: %+v", second.Stats)
	}

	if len(first.Documents) != len(second.Documents) {
		t.Fatalf("document count changed: %d -> %d", len(first.Documents), len(second.Documents))
	}
	for id, a := range first.Documents {
		b, ok := second.Documents[id]
		if !ok {
			t.Fatalf("document %s missing from second pass", id)
		}
		if !a.ModifiedTime.Equal(b.ModifiedTime) {
			t.Fatalf("document %s modified time drifted: %v -> %v", id, a.ModifiedTime, b.ModifiedTime)
		}
		b.ModifiedTime = a.ModifiedTime
		if !reflect.DeepEqual(a, b) {
			t.Fatalf("document %s output not identical:\nfirst:  %+v\nsecond: %+v", id, a, b)
		}
	}
}

func TestConcurrentCallersShareOnePass(t *testing.T) {
	eng, client, clock, vault := newTestEngine(t)
	ctx := context.Background()
	client.put("a", "root", "Alpha.md", "# Alpha", clock.Now().Add(-time.Hour))
	client.listDelay = 30 * time.Millisecond

	var wg sync.WaitGroup
	results := make([]*VaultData, 4)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := eng.GetVaultData(ctx, vault.ID, false)
			if err != nil {
				t.Errorf("concurrent get: %v", err)
				return
			}
			results[i] = d
		}()
	}
	wg.Wait()

	lists, _ := client.counts()
	if lists != 1 {
		t.Fatalf("expected a single listing across concurrent callers, got %d", lists)
	}
	for _, d := range results[1:] {
		if d != results[0] {
			t.Fatalf("callers must share one snapshot")
		}
	}
}
