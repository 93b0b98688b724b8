package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/pubsync/internal/content"
	"github.com/alexjbarnes/pubsync/internal/workspace"
	"github.com/alexjbarnes/pubsync/micropub"
)

// Source fetches one remote section's entities.
type Source interface {
	Section(ctx context.Context, section Section) ([]*content.Entity, error)
}

// Refresh scans the workspace, fetches every remote section
// concurrently, merges, and atomically swaps in the new view. A failed
// remote section is marked unavailable and keeps its previous entities;
// it never aborts the rest of the pass. A failed local scan aborts the
// pass, since every section depends on it.
func (r *Reconciler) Refresh(ctx context.Context) (*View, error) {
	local, err := r.local.LocalEntities()
	if err != nil {
		return nil, fmt.Errorf("scanning workspace: %w", err)
	}

	type fetchResult struct {
		entities []*content.Entity
		err      error
	}

	// Zero-value errgroup: no shared cancellation, so one section's
	// failure or cancellation cannot cancel the others.
	var g errgroup.Group
	var mu sync.Mutex
	results := make(map[Section]fetchResult, len(RemoteSections))

	for _, s := range RemoteSections {
		g.Go(func() error {
			entities, err := r.source.Section(ctx, s)
			mu.Lock()
			results[s] = fetchResult{entities: entities, err: err}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	prev := r.View()

	var remote []*content.Entity
	unavailable := make(map[Section]string)
	for _, s := range RemoteSections {
		res := results[s]
		if res.err != nil {
			unavailable[s] = res.err.Error()
			if r.logger != nil {
				r.logger.Warn("remote section unavailable, retaining previous state",
					slog.String("section", string(s)),
					slog.String("error", res.err.Error()),
				)
			}
			continue
		}
		remote = append(remote, res.entities...)
	}

	view := r.Merge(local, remote)
	for s, msg := range unavailable {
		view.Unavailable[s] = msg
		view.Sections[s] = prev.entities(s)
	}

	// Sync records whose entity vanished from both sources are dropped,
	// but only on a fully successful pass: an unavailable section must
	// not look like deletion.
	if len(unavailable) == 0 {
		r.pruneSyncRecords(view)
	}

	r.mu.Lock()
	r.view = view
	r.mu.Unlock()

	return view, nil
}

func (r *Reconciler) pruneSyncRecords(view *View) {
	if r.store == nil {
		return
	}
	records, err := r.store.AllSync()
	if err != nil {
		return
	}

	live := make(map[string]bool)
	for _, entities := range view.Sections {
		for _, e := range entities {
			live[e.ID] = true
		}
	}

	for id := range records {
		if live[id] {
			continue
		}
		if err := r.store.DeleteSync(id); err != nil && r.logger != nil {
			r.logger.Warn("pruning sync record", slog.String("id", id), slog.String("error", err.Error()))
		}
	}
}

// RemoteSource fetches sections from a Micropub endpoint.
type RemoteSource struct {
	client micropub.Requester
	logger *slog.Logger
}

// NewRemoteSource creates a section source over the given requester.
func NewRemoteSource(client micropub.Requester, logger *slog.Logger) *RemoteSource {
	return &RemoteSource{client: client, logger: logger}
}

// Section lists one remote section. Entries that fail entity conversion
// are skipped with a warning; a malformed listing body or an error
// status fails the whole section.
func (s *RemoteSource) Section(ctx context.Context, section Section) ([]*content.Entity, error) {
	var req micropub.Request
	switch section {
	case SectionPublished:
		req = micropub.NewSectionRequest("post", "published")
	case SectionRemoteDrafts:
		req = micropub.NewSectionRequest("post", "draft")
	case SectionPages:
		req = micropub.NewSectionRequest("page", "")
	case SectionUploads:
		req = micropub.NewMediaListRequest()
	default:
		return nil, micropub.NewError(micropub.KindConfiguration, "section %q has no remote listing", section)
	}

	resp, err := s.client.Do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", section, err)
	}
	if respErr := resp.Err(); respErr != nil {
		return nil, fmt.Errorf("listing %s: %w", section, respErr)
	}

	entries, err := micropub.ParseEntryList(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", section, err)
	}

	entities := make([]*content.Entity, 0, len(entries))
	for _, en := range entries {
		var e *content.Entity
		var convErr error
		if section == SectionUploads {
			e, convErr = micropub.MediaFromItem(en)
		} else {
			e, convErr = micropub.EntityFromEntry(en)
		}
		if convErr != nil {
			if s.logger != nil {
				s.logger.Warn("skipping malformed entry",
					slog.String("section", string(section)),
					slog.String("error", convErr.Error()),
				)
			}
			continue
		}
		if section == SectionPages {
			e.Kind = content.KindPage
		}
		entities = append(entities, e)
	}
	return entities, nil
}

// localScanner loads the local snapshot from a workspace: Markdown
// files decode through the front-matter codec, supported binary assets
// become pending upload entities.
type localScanner struct {
	ws     *workspace.Workspace
	logger *slog.Logger
}

// NewLocalScanner creates a LocalLister over the workspace.
func NewLocalScanner(ws *workspace.Workspace, logger *slog.Logger) LocalLister {
	return &localScanner{ws: ws, logger: logger}
}

func (s *localScanner) LocalEntities() ([]*content.Entity, error) {
	mdPaths, err := s.ws.List(".md", ".markdown")
	if err != nil {
		return nil, err
	}

	var entities []*content.Entity
	for _, p := range mdPaths {
		data, err := s.ws.Read(p)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", p, err)
		}

		e, err := content.Decode(data, p)
		if err != nil {
			// One malformed file degrades to a warning; the rest of the
			// workspace still reconciles.
			if s.logger != nil {
				s.logger.Warn("skipping unparseable file", slog.String("path", p), slog.String("error", err.Error()))
			}
			continue
		}
		entities = append(entities, e)
	}

	exts := make([]string, 0, len(content.UploadExtensions))
	for ext := range content.UploadExtensions {
		exts = append(exts, ext)
	}
	assetPaths, err := s.ws.List(exts...)
	if err != nil {
		return nil, err
	}

	for _, p := range assetPaths {
		ext := strings.ToLower(path.Ext(p))
		entities = append(entities, &content.Entity{
			ID:        content.SlugFromPath(p),
			Title:     path.Base(p),
			Kind:      content.KindUpload,
			Status:    content.StatusLocalDraft,
			LocalPath: p,
			Media: &content.Media{
				Path: p,
				MIME: content.UploadExtensions[ext],
			},
		})
	}

	return entities, nil
}
