package server

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/alexjbarnes/pubsync/internal/content"
	"github.com/alexjbarnes/pubsync/internal/reconcile"
)

type fixedViewer struct {
	view *reconcile.View
}

func (v *fixedViewer) View() *reconcile.View { return v.view }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testView() *reconcile.View {
	published := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	return &reconcile.View{
		Sections: map[reconcile.Section][]*content.Entity{
			reconcile.SectionPublished: {
				{
					ID:          "hello-world",
					Title:       "Hello World",
					Kind:        content.KindPost,
					Status:      content.StatusPublished,
					RemoteURL:   "https://example.com/hello-world",
					PublishedAt: &published,
				},
			},
			reconcile.SectionLocalDrafts: {
				{
					ID:        "wip",
					Title:     "WIP",
					Kind:      content.KindPost,
					Status:    content.StatusLocalDraft,
					LocalPath: "content/wip.md",
				},
			},
		},
		Unavailable: map[reconcile.Section]string{
			reconcile.SectionUploads: "service: listing uploads: status 500",
		},
		BuiltAt: published,
	}
}

func TestView_ReturnsReconciledJSON(t *testing.T) {
	mux := NewMux(&fixedViewer{view: testView()}, discardLogger())
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/view")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	js := gjson.ParseBytes(body)
	assert.Equal(t, "hello-world", js.Get("sections.published.0.id").String())
	assert.Equal(t, "content/wip.md", js.Get("sections.local-drafts.0.local_path").String())
	assert.Contains(t, js.Get("unavailable.uploads").String(), "500")
}

func TestView_MethodNotAllowed(t *testing.T) {
	mux := NewMux(&fixedViewer{view: testView()}, discardLogger())
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/view", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	mux := NewMux(&fixedViewer{view: testView()}, discardLogger())
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
}
