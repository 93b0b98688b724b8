// Package reconcile merges the local workspace and the remote service
// into a single ordered, de-duplicated view. It owns conflict detection
// and the per-section failure isolation that keeps one bad remote
// listing from blanking the rest of the view.
package reconcile

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/alexjbarnes/pubsync/internal/content"
	"github.com/alexjbarnes/pubsync/internal/state"
)

// Section buckets the reconciled view. Pages and uploads section by
// kind, posts by status.
type Section string

const (
	SectionPublished    Section = "published"
	SectionRemoteDrafts Section = "remote-drafts"
	SectionLocalDrafts  Section = "local-drafts"
	SectionPages        Section = "pages"
	SectionUploads      Section = "uploads"
)

// RemoteSections are the sections backed by a remote listing, fetched
// independently so one failure cannot poison the others.
var RemoteSections = []Section{SectionPublished, SectionRemoteDrafts, SectionPages, SectionUploads}

// AllSections lists every section in presentation order.
var AllSections = []Section{SectionPublished, SectionRemoteDrafts, SectionLocalDrafts, SectionPages, SectionUploads}

// Policy decides whose content a merged entity carries when both sides
// changed since the last sync. Conflicts are surfaced in all cases;
// policy only picks the working copy.
type Policy string

const (
	// PolicyManual keeps the local content and leaves resolution to the
	// caller. The default.
	PolicyManual Policy = "manual"
	// PolicyLocal keeps local content; the conflict is still reported.
	PolicyLocal Policy = "local"
	// PolicyRemote adopts the remote title and body; the conflict is
	// still reported so the overwritten local edit is not silent.
	PolicyRemote Policy = "remote"
)

// Conflict is a stale-local-edit: the remote changed after the last
// sync while the local copy also diverged from what was last pulled.
type Conflict struct {
	ID        string `json:"id"`
	LocalPath string `json:"local_path,omitempty"`
	RemoteURL string `json:"remote_url,omitempty"`
	// Diff is a human-readable remote-to-local diff for the caller's UI.
	Diff string `json:"diff,omitempty"`
}

// View is the reconciled result handed to the presentation layer. A
// view is immutable once built; a refresh builds a new one and swaps.
type View struct {
	Sections map[Section][]*content.Entity `json:"sections"`
	// Unavailable maps sections whose remote fetch failed to the error
	// message. Such sections retain the last successfully reconciled
	// entities rather than masquerading as empty.
	Unavailable map[Section]string `json:"unavailable,omitempty"`
	Conflicts   []Conflict         `json:"conflicts,omitempty"`
	BuiltAt     time.Time          `json:"built_at"`
}

// entities returns the section's entities, never nil.
func (v *View) entities(s Section) []*content.Entity {
	if v == nil || v.Sections == nil {
		return nil
	}
	return v.Sections[s]
}

// Reconciler builds and holds the current view. The view is a
// single-writer structure: Refresh builds a complete replacement and
// swaps it in, so readers never observe a partial merge.
type Reconciler struct {
	store  *state.State
	source Source
	local  LocalLister
	policy Policy
	logger *slog.Logger

	mu   sync.RWMutex
	view *View
}

// LocalLister produces the current local entity snapshot. Implemented
// by localScanner over a workspace; tests substitute fixtures.
type LocalLister interface {
	LocalEntities() ([]*content.Entity, error)
}

// New creates a reconciler with explicit collaborators. No singletons:
// the store, remote source, and local lister all arrive here.
func New(local LocalLister, source Source, store *state.State, policy Policy, logger *slog.Logger) *Reconciler {
	if policy == "" {
		policy = PolicyManual
	}
	return &Reconciler{
		store:  store,
		source: source,
		local:  local,
		policy: policy,
		logger: logger,
	}
}

// View returns the current reconciled view, or an empty one before the
// first refresh.
func (r *Reconciler) View() *View {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.view == nil {
		return emptyView()
	}
	return r.view
}

func emptyView() *View {
	v := &View{
		Sections:    make(map[Section][]*content.Entity, len(AllSections)),
		Unavailable: make(map[Section]string),
		BuiltAt:     time.Now(),
	}
	for _, s := range AllSections {
		v.Sections[s] = nil
	}
	return v
}

// Merge joins a local and a remote snapshot into a fresh view. It is a
// pure function of its inputs plus the persisted sync records: merging
// the same snapshots twice yields an identical view.
func (r *Reconciler) Merge(local, remote []*content.Entity) *View {
	records := map[string]state.SyncRecord{}
	if r.store != nil {
		if recs, err := r.store.AllSync(); err == nil {
			records = recs
		} else if r.logger != nil {
			r.logger.Warn("loading sync records", slog.String("error", err.Error()))
		}
	}

	view := emptyView()

	remoteByID := make(map[string]*content.Entity, len(remote))
	remoteByURL := make(map[string]*content.Entity, len(remote))
	for _, re := range remote {
		remoteByID[re.ID] = re
		if re.RemoteURL != "" {
			remoteByURL[re.RemoteURL] = re
		}
	}

	taken := make(map[*content.Entity]bool, len(remote))
	var merged []*content.Entity

	for _, le := range local {
		// Explicit front-matter linkage wins over slug equality.
		var re *content.Entity
		if le.RemoteURL != "" {
			re = remoteByURL[le.RemoteURL]
		}
		if re == nil {
			re = remoteByID[le.ID]
		}

		if re == nil || taken[re] {
			e := le.Clone()
			if e.RemoteURL == "" {
				// Local only: a draft regardless of what the file claims.
				e.Status = content.StatusLocalDraft
			}
			merged = append(merged, e)
			continue
		}

		taken[re] = true
		e, conflict := r.mergeBoth(le, re, records)
		if conflict != nil {
			view.Conflicts = append(view.Conflicts, *conflict)
		}
		merged = append(merged, e)
	}

	for _, re := range remote {
		if taken[re] {
			continue
		}
		merged = append(merged, re.Clone())
	}

	for _, e := range merged {
		s := sectionOf(e)
		view.Sections[s] = append(view.Sections[s], e)
	}
	for _, s := range AllSections {
		sortSection(view.Sections[s])
	}
	sort.Slice(view.Conflicts, func(i, j int) bool {
		return view.Conflicts[i].ID < view.Conflicts[j].ID
	})

	return view
}

// mergeBoth combines a local and remote counterpart of the same logical
// content. Local title and body are authoritative (policy permitting);
// remote URL, published timestamp, and status are adopted as-is.
func (r *Reconciler) mergeBoth(le, re *content.Entity, records map[string]state.SyncRecord) (*content.Entity, *Conflict) {
	e := le.Clone()
	e.RemoteURL = re.RemoteURL
	e.PublishedAt = re.PublishedAt
	e.Status = re.Status

	conflicted := r.isStaleLocalEdit(le, re, records)
	if conflicted && r.policy == PolicyRemote {
		e.Title = re.Title
		e.Body = re.Body
	}

	if !conflicted {
		return e, nil
	}

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(re.Body, le.Body, false)
	return e, &Conflict{
		ID:        e.ID,
		LocalPath: le.LocalPath,
		RemoteURL: re.RemoteURL,
		Diff:      dmp.DiffPrettyText(diffs),
	}
}

// isStaleLocalEdit reports whether both sides moved since the last
// sync: the remote published timestamp is newer than the recorded sync
// AND the local content no longer matches what was last pulled.
func (r *Reconciler) isStaleLocalEdit(le, re *content.Entity, records map[string]state.SyncRecord) bool {
	rec, ok := records[le.ID]
	if !ok {
		// Never synced but present on both sides: conflicted whenever
		// the two sides disagree on content.
		return le.ContentHash() != re.ContentHash()
	}

	localChanged := le.ContentHash() != rec.ContentHash
	remoteNewer := re.PublishedAt != nil && re.PublishedAt.Unix() > rec.SyncedAt
	return localChanged && remoteNewer
}

func sectionOf(e *content.Entity) Section {
	switch {
	case e.Kind == content.KindUpload:
		return SectionUploads
	case e.Kind == content.KindPage:
		return SectionPages
	case e.Status == content.StatusPublished:
		return SectionPublished
	case e.Status == content.StatusRemoteDraft:
		return SectionRemoteDrafts
	default:
		return SectionLocalDrafts
	}
}

// sortSection orders entities by published timestamp descending when
// present, then by local path ascending. Deterministic ordering keeps
// view snapshots reproducible.
func sortSection(entities []*content.Entity) {
	sort.SliceStable(entities, func(i, j int) bool {
		a, b := entities[i], entities[j]
		switch {
		case a.PublishedAt != nil && b.PublishedAt != nil:
			if !a.PublishedAt.Equal(*b.PublishedAt) {
				return a.PublishedAt.After(*b.PublishedAt)
			}
		case a.PublishedAt != nil:
			return true
		case b.PublishedAt != nil:
			return false
		}
		if a.LocalPath != b.LocalPath {
			return a.LocalPath < b.LocalPath
		}
		return a.ID < b.ID
	})
}
