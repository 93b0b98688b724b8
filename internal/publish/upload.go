package publish

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"path/filepath"
	"strings"

	"github.com/alexjbarnes/pubsync/internal/content"
	"github.com/alexjbarnes/pubsync/internal/state"
	"github.com/alexjbarnes/pubsync/internal/workspace"
	"github.com/alexjbarnes/pubsync/micropub"
)

// Uploader submits binary assets to the media endpoint. The endpoint is
// resolved from explicit configuration first, then the cached value from
// a previous config discovery. Upload itself never probes the service
// for an endpoint; a missing endpoint is a configuration failure, not a
// retry case.
type Uploader struct {
	client   micropub.Requester
	store    *state.State
	ws       *workspace.Workspace
	endpoint string
	logger   *slog.Logger
}

// NewUploader wires an upload pipeline. endpoint is the configured
// media endpoint override; empty means fall back to the cached
// discovered value.
func NewUploader(client micropub.Requester, store *state.State, ws *workspace.Workspace, endpoint string, logger *slog.Logger) *Uploader {
	return &Uploader{
		client:   client,
		store:    store,
		ws:       ws,
		endpoint: endpoint,
		logger:   logger,
	}
}

// DiscoverEndpoint queries the service config for its media endpoint and
// caches the result. Called at startup so Upload never has to block on
// discovery.
func (u *Uploader) DiscoverEndpoint(ctx context.Context) (string, error) {
	resp, err := u.client.Do(ctx, micropub.NewConfigRequest())
	if err != nil {
		return "", err
	}
	if rerr := resp.Err(); rerr != nil {
		return "", rerr
	}

	endpoint := micropub.MediaEndpointFromConfig(resp.Body)
	if endpoint == "" {
		return "", nil
	}
	if u.store != nil {
		if err := u.store.SetMediaEndpoint(endpoint); err != nil {
			u.logger.Error("caching media endpoint", "error", err)
		}
	}
	u.logger.Info("media endpoint discovered", "endpoint", endpoint)
	return endpoint, nil
}

// Upload validates and submits one pending upload entity. The asset
// bytes are read from the workspace unless already attached; the
// media alt text feeds the embed snippets.
func (u *Uploader) Upload(ctx context.Context, e *content.Entity) Result {
	if e.Media == nil {
		return failure(micropub.NewError(micropub.KindValidation, "Invalid file type"))
	}

	mimeType, err := uploadMIME(e.Media)
	if err != nil {
		u.logger.Warn("upload rejected", "path", e.Media.Path, "reason", err.Error())
		return failure(err)
	}

	endpoint := u.resolveEndpoint()
	if endpoint == "" {
		return failure(micropub.NewError(micropub.KindConfiguration, "no media endpoint configured"))
	}

	data := e.Media.Data
	if data == nil {
		data, err = u.ws.Read(e.Media.Path)
		if err != nil {
			return failure(micropub.WrapError(micropub.KindValidation, err, "reading asset"))
		}
	}

	body, contentType, err := multipartBody(filepath.Base(e.Media.Path), mimeType, data)
	if err != nil {
		return failure(err)
	}

	resp, err := u.client.Do(ctx, micropub.Request{
		Method:      http.MethodPost,
		URL:         endpoint,
		Body:        body,
		ContentType: contentType,
	})
	if err != nil {
		u.logger.Error("upload request failed", "path", e.Media.Path, "error", err)
		return failure(err)
	}
	if rerr := resp.Err(); rerr != nil {
		u.logger.Warn("upload refused by service", "path", e.Media.Path, "status", resp.Status, "kind", rerr.Kind)
		return failure(rerr)
	}

	url, _, err := interpretSuccess(resp)
	if err != nil {
		return failure(err)
	}

	e.Media.URL = url
	e.Media.MIME = mimeType
	e.Status = content.StatusPublished
	e.RemoteURL = url

	u.logger.Info("uploaded", "path", e.Media.Path, "url", url)

	res := success(url)
	res.EmbedMarkdown = EmbedMarkdown(url, e.Media.Alt)
	res.EmbedHTML = EmbedHTML(url, e.Media.Alt)
	return res
}

func (u *Uploader) resolveEndpoint() string {
	if u.endpoint != "" {
		return u.endpoint
	}
	if u.store != nil {
		return u.store.MediaEndpoint()
	}
	return ""
}

func uploadMIME(m *content.Media) (string, error) {
	ext := strings.ToLower(filepath.Ext(m.Path))
	mimeType, ok := content.UploadExtensions[ext]
	if !ok {
		return "", micropub.NewError(micropub.KindValidation, "Invalid file type")
	}
	return mimeType, nil
}

func multipartBody(filename, mimeType string, data []byte) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	h.Set("Content-Type", mimeType)
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", micropub.WrapError(micropub.KindService, err, "building multipart body")
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", micropub.WrapError(micropub.KindService, err, "building multipart body")
	}
	if err := w.Close(); err != nil {
		return nil, "", micropub.WrapError(micropub.KindService, err, "building multipart body")
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

// EmbedMarkdown and EmbedHTML are pure functions of the uploaded URL;
// nothing about them is cached remotely.
func EmbedMarkdown(url, alt string) string {
	return fmt.Sprintf("![%s](%s)", alt, url)
}

func EmbedHTML(url, alt string) string {
	return fmt.Sprintf(`<img src=%q alt=%q>`, url, alt)
}
