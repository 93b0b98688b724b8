// Package publish holds the publish and upload pipelines. Both validate
// locally before touching the network, submit through the micropub
// request abstraction, and return a Result the caller can render
// directly. Neither pipeline retries; retry is a caller decision.
package publish

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/alexjbarnes/pubsync/internal/content"
	"github.com/alexjbarnes/pubsync/internal/reconcile"
	"github.com/alexjbarnes/pubsync/internal/state"
	"github.com/alexjbarnes/pubsync/internal/workspace"
	"github.com/alexjbarnes/pubsync/micropub"
)

// Result is the outcome of a publish or upload, shaped for a
// notification UI. Exactly one of the two forms is populated: OK with a
// URL (plus embed snippets for uploads), or a failure kind and message
// with an optional retry hint in seconds.
type Result struct {
	OK            bool               `json:"ok"`
	URL           string             `json:"url,omitempty"`
	EmbedMarkdown string             `json:"embedMarkdown,omitempty"`
	EmbedHTML     string             `json:"embedHTML,omitempty"`
	Kind          micropub.ErrorKind `json:"kind,omitempty"`
	Message       string             `json:"message,omitempty"`
	RetryAfter    int                `json:"retryAfter,omitempty"`
}

func success(url string) Result {
	return Result{OK: true, URL: url}
}

func failure(err error) Result {
	res := Result{Kind: micropub.KindOf(err), Message: err.Error()}
	var me *micropub.Error
	if errors.As(err, &me) {
		res.Message = me.Message
		res.RetryAfter = me.RetryAfter
	}
	return res
}

// Remerger is the reconciler hook the pipelines call after a successful
// publish so the view reflects the new remote identity.
type Remerger interface {
	Refresh(ctx context.Context) (*reconcile.View, error)
}

// Publisher submits local entities to the service. At most one publish
// per entity ID may be in flight; a second request for the same ID is
// rejected immediately rather than risking a duplicate remote entry.
type Publisher struct {
	client   micropub.Requester
	store    *state.State
	ws       *workspace.Workspace
	remerge  Remerger
	html     bool
	logger   *slog.Logger
	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewPublisher wires a publish pipeline. remerge may be nil when no
// reconciler is attached (one-shot CLI use). html selects pre-rendered
// content.html payloads over raw Markdown.
func NewPublisher(client micropub.Requester, store *state.State, ws *workspace.Workspace, remerge Remerger, html bool, logger *slog.Logger) *Publisher {
	return &Publisher{
		client:   client,
		store:    store,
		ws:       ws,
		remerge:  remerge,
		html:     html,
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// Publish runs the pipeline for one entity: validate, submit, interpret
// the response, then update the entity, the local file, and the sync
// record. On failure the entity is left untouched.
func (p *Publisher) Publish(ctx context.Context, e *content.Entity) Result {
	if err := p.acquire(e.ID); err != nil {
		return failure(err)
	}
	defer p.release(e.ID)

	if err := validate(e); err != nil {
		p.logger.Warn("publish rejected", "id", e.ID, "reason", err.Error())
		return failure(err)
	}

	payload, err := micropub.PublishPayload(e, p.html)
	if err != nil {
		return failure(err)
	}

	resp, err := p.client.Do(ctx, micropub.NewEntryRequest(payload))
	if err != nil {
		p.logger.Error("publish request failed", "id", e.ID, "error", err)
		return failure(err)
	}
	if rerr := resp.Err(); rerr != nil {
		p.logger.Warn("publish refused by service", "id", e.ID, "status", resp.Status, "kind", rerr.Kind)
		return failure(rerr)
	}

	url, publishedAt, err := interpretSuccess(resp)
	if err != nil {
		return failure(err)
	}

	e.RemoteURL = url
	if e.Status != content.StatusRemoteDraft {
		e.Status = content.StatusPublished
		e.PublishedAt = &publishedAt
	}

	p.persist(ctx, e, publishedAt)
	p.logger.Info("published", "id", e.ID, "url", url)
	return success(url)
}

func (p *Publisher) acquire(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.inflight[id]; ok {
		return micropub.NewError(micropub.KindConflict, "publish already in progress")
	}
	p.inflight[id] = struct{}{}
	return nil
}

func (p *Publisher) release(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inflight, id)
}

func validate(e *content.Entity) error {
	if err := validation.Validate(e.Title, validation.Required.Error("Title is required")); err != nil {
		return micropub.NewError(micropub.KindValidation, "%s", err.Error())
	}
	if err := validation.Validate(e.Body, validation.Required.Error("Content is required")); err != nil {
		return micropub.NewError(micropub.KindValidation, "%s", err.Error())
	}
	return nil
}

// interpretSuccess extracts the canonical URL and published timestamp
// from a 2xx response. The URL comes from the Location header or a url
// body field; a success status without either is a schema failure.
func interpretSuccess(resp *micropub.Response) (string, time.Time, error) {
	js, err := resp.JSON()
	if err != nil {
		return "", time.Time{}, err
	}

	url := resp.Header.Get("Location")
	if url == "" {
		url = js.Get("url").String()
	}
	if url == "" {
		return "", time.Time{}, micropub.NewError(micropub.KindSchema, "success response carried no URL")
	}

	publishedAt := time.Now().UTC()
	if raw := js.Get("published").String(); raw != "" {
		if ts, perr := time.Parse(time.RFC3339, raw); perr == nil {
			publishedAt = ts.UTC()
		}
	}
	return url, publishedAt, nil
}

// persist updates everything downstream of a successful submit: the
// backing file gains the url front-matter, the sync record pins the
// agreed content, and the reconciler re-merges. None of these can undo
// the publish, so failures are logged and the Result stays successful.
func (p *Publisher) persist(ctx context.Context, e *content.Entity, publishedAt time.Time) {
	if p.ws != nil && e.LocalPath != "" {
		encoded, err := content.Encode(e)
		if err == nil {
			err = p.ws.Write(e.LocalPath, encoded)
		}
		if err != nil {
			p.logger.Error("updating local file after publish", "path", e.LocalPath, "error", err)
		}
	}

	if p.store != nil {
		rec := state.SyncRecord{
			ID:          e.ID,
			ContentHash: e.ContentHash(),
			SyncedAt:    time.Now().UTC().Unix(),
		}
		if e.PublishedAt != nil {
			rec.RemotePublishedAt = publishedAt.Unix()
		}
		if err := p.store.SetSync(rec); err != nil {
			p.logger.Error("recording sync state", "id", e.ID, "error", err)
		}
	}

	if p.remerge != nil {
		if _, err := p.remerge.Refresh(ctx); err != nil {
			p.logger.Warn("view refresh after publish failed", "error", err)
		}
	}
}
