package publish

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/alexjbarnes/pubsync/internal/content"
	"github.com/alexjbarnes/pubsync/internal/reconcile"
	"github.com/alexjbarnes/pubsync/internal/state"
	"github.com/alexjbarnes/pubsync/internal/workspace"
	"github.com/alexjbarnes/pubsync/micropub"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testState(t *testing.T) *state.State {
	t.Helper()
	st, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func localDraft(id, title, body string) *content.Entity {
	return &content.Entity{
		ID:        id,
		Title:     title,
		Body:      body,
		Kind:      content.KindPost,
		Status:    content.StatusLocalDraft,
		LocalPath: "content/" + id + ".md",
	}
}

func newTestPublisher(t *testing.T, client micropub.Requester) (*Publisher, *state.State, *workspace.Workspace) {
	t.Helper()
	st := testState(t)
	ws := workspace.New(t.TempDir())
	return NewPublisher(client, st, ws, nil, false, discardLogger()), st, ws
}

func TestPublish_EmptyTitleRejectedWithoutNetwork(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := micropub.NewMockRequester(ctrl)
	// No Do expectation: any network call fails the test.

	p, _, _ := newTestPublisher(t, client)
	e := localDraft("my-test-post", "", "some body")

	res := p.Publish(context.Background(), e)

	assert.False(t, res.OK)
	assert.Equal(t, micropub.KindValidation, res.Kind)
	assert.Equal(t, "Title is required", res.Message)
	assert.Equal(t, content.StatusLocalDraft, e.Status)
}

func TestPublish_EmptyBodyRejectedWithoutNetwork(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := micropub.NewMockRequester(ctrl)

	p, _, _ := newTestPublisher(t, client)
	e := localDraft("my-test-post", "My Test Post", "")

	res := p.Publish(context.Background(), e)

	assert.False(t, res.OK)
	assert.Equal(t, micropub.KindValidation, res.Kind)
	assert.Equal(t, "Content is required", res.Message)
}

func TestPublish_RateLimitCarriesRetryAfterAndLeavesStatus(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := micropub.NewMockRequester(ctrl)
	client.EXPECT().Do(gomock.Any(), gomock.Any()).Return(&micropub.Response{
		Status: http.StatusTooManyRequests,
		Header: http.Header{"Retry-After": []string{"60"}},
	}, nil)

	p, _, _ := newTestPublisher(t, client)
	e := localDraft("my-test-post", "My Test Post", "body")

	res := p.Publish(context.Background(), e)

	assert.False(t, res.OK)
	assert.Equal(t, micropub.KindRateLimit, res.Kind)
	assert.Equal(t, 60, res.RetryAfter)
	assert.Equal(t, content.StatusLocalDraft, e.Status)
	assert.Empty(t, e.RemoteURL)
}

func TestPublish_SuccessUpdatesEntityFileAndSyncRecord(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := micropub.NewMockRequester(ctrl)
	client.EXPECT().Do(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, req micropub.Request) (*micropub.Response, error) {
			assert.Equal(t, http.MethodPost, req.Method)
			assert.Contains(t, string(req.Body), "h-entry")
			return &micropub.Response{
				Status: http.StatusOK,
				Body:   []byte(`{"url":"https://x/123"}`),
			}, nil
		})

	p, st, ws := newTestPublisher(t, client)
	e := localDraft("my-test-post", "My Test Post", "Hello world.")
	require.NoError(t, ws.Write(e.LocalPath, []byte("placeholder")))

	res := p.Publish(context.Background(), e)

	require.True(t, res.OK, res.Message)
	assert.Equal(t, "https://x/123", res.URL)
	assert.Equal(t, content.StatusPublished, e.Status)
	assert.Equal(t, "https://x/123", e.RemoteURL)
	require.NotNil(t, e.PublishedAt)

	written, err := ws.Read(e.LocalPath)
	require.NoError(t, err)
	assert.Contains(t, string(written), "url: https://x/123")

	rec, err := st.GetSync(e.ID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, e.ContentHash(), rec.ContentHash)
}

func TestPublish_ThenReconcileSectionsAsPublished(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := micropub.NewMockRequester(ctrl)
	client.EXPECT().Do(gomock.Any(), gomock.Any()).Return(&micropub.Response{
		Status: http.StatusOK,
		Body:   []byte(`{"url":"https://x/123"}`),
	}, nil)

	p, st, _ := newTestPublisher(t, client)
	e := localDraft("my-test-post", "My Test Post", "Hello world.")

	res := p.Publish(context.Background(), e)
	require.True(t, res.OK, res.Message)

	r := reconcile.New(nil, nil, st, reconcile.PolicyManual, discardLogger())
	view := r.Merge([]*content.Entity{e}, nil)

	require.Len(t, view.Sections[reconcile.SectionPublished], 1)
	assert.Empty(t, view.Sections[reconcile.SectionLocalDrafts])
	assert.Equal(t, "my-test-post", view.Sections[reconcile.SectionPublished][0].ID)
}

func TestPublish_LocationHeaderWinsOverBody(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := micropub.NewMockRequester(ctrl)
	client.EXPECT().Do(gomock.Any(), gomock.Any()).Return(&micropub.Response{
		Status: http.StatusCreated,
		Header: http.Header{"Location": []string{"https://x/head"}},
		Body:   []byte(`{"url":"https://x/body"}`),
	}, nil)

	p, _, _ := newTestPublisher(t, client)
	e := localDraft("p", "T", "b")

	res := p.Publish(context.Background(), e)

	require.True(t, res.OK)
	assert.Equal(t, "https://x/head", res.URL)
}

func TestPublish_SuccessWithoutURLIsSchemaError(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := micropub.NewMockRequester(ctrl)
	client.EXPECT().Do(gomock.Any(), gomock.Any()).Return(&micropub.Response{
		Status: http.StatusOK,
		Body:   []byte(`{}`),
	}, nil)

	p, _, _ := newTestPublisher(t, client)
	e := localDraft("p", "T", "b")

	res := p.Publish(context.Background(), e)

	assert.False(t, res.OK)
	assert.Equal(t, micropub.KindSchema, res.Kind)
	assert.Equal(t, content.StatusLocalDraft, e.Status)
}

func TestPublish_ServiceErrorOn500(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := micropub.NewMockRequester(ctrl)
	client.EXPECT().Do(gomock.Any(), gomock.Any()).Return(&micropub.Response{
		Status: http.StatusInternalServerError,
		Body:   []byte(`{"error":"boom"}`),
	}, nil)

	p, _, _ := newTestPublisher(t, client)
	e := localDraft("p", "T", "b")

	res := p.Publish(context.Background(), e)

	assert.False(t, res.OK)
	assert.Equal(t, micropub.KindService, res.Kind)
	assert.Contains(t, res.Message, "boom")
}

func TestPublish_SecondPublishForSameIDRejected(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := micropub.NewMockRequester(ctrl)

	entered := make(chan struct{})
	release := make(chan struct{})
	client.EXPECT().Do(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, _ micropub.Request) (*micropub.Response, error) {
			close(entered)
			<-release
			return &micropub.Response{
				Status: http.StatusOK,
				Body:   []byte(`{"url":"https://x/1"}`),
			}, nil
		})

	p, _, _ := newTestPublisher(t, client)

	done := make(chan Result, 1)
	go func() {
		done <- p.Publish(context.Background(), localDraft("same-id", "T", "b"))
	}()
	<-entered

	second := p.Publish(context.Background(), localDraft("same-id", "T", "b"))
	assert.False(t, second.OK)
	assert.Equal(t, micropub.KindConflict, second.Kind)
	assert.Equal(t, "publish already in progress", second.Message)

	close(release)
	first := <-done
	assert.True(t, first.OK)

	// The guard is per invocation: once released the ID can publish again.
	client.EXPECT().Do(gomock.Any(), gomock.Any()).Return(&micropub.Response{
		Status: http.StatusOK,
		Body:   []byte(`{"url":"https://x/1"}`),
	}, nil)
	third := p.Publish(context.Background(), localDraft("same-id", "T", "b"))
	assert.True(t, third.OK)
}

func TestPublish_RemoteDraftKeepsDraftStatus(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := micropub.NewMockRequester(ctrl)
	client.EXPECT().Do(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, req micropub.Request) (*micropub.Response, error) {
			assert.Contains(t, string(req.Body), `"draft"`)
			return &micropub.Response{
				Status: http.StatusOK,
				Body:   []byte(`{"url":"https://x/d"}`),
			}, nil
		})

	p, _, _ := newTestPublisher(t, client)
	e := localDraft("d", "Draft", "b")
	e.Status = content.StatusRemoteDraft

	res := p.Publish(context.Background(), e)

	require.True(t, res.OK)
	assert.Equal(t, content.StatusRemoteDraft, e.Status)
	assert.Nil(t, e.PublishedAt)
}

func TestPublish_PublishedTimestampFromResponseBody(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := micropub.NewMockRequester(ctrl)
	client.EXPECT().Do(gomock.Any(), gomock.Any()).Return(&micropub.Response{
		Status: http.StatusOK,
		Body:   []byte(`{"url":"https://x/1","published":"2026-08-30T10:00:00Z"}`),
	}, nil)

	p, _, _ := newTestPublisher(t, client)
	e := localDraft("p", "T", "b")

	res := p.Publish(context.Background(), e)

	require.True(t, res.OK)
	require.NotNil(t, e.PublishedAt)
	assert.Equal(t, time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC), *e.PublishedAt)
}

func TestResultJSONShape(t *testing.T) {
	res := failure(micropub.NewError(micropub.KindValidation, "Title is required"))
	assert.False(t, res.OK)
	assert.True(t, strings.HasPrefix(res.Message, "Title"))
	assert.Zero(t, res.RetryAfter)
}
