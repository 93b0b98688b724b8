package micropub

import (
	"bytes"
	"encoding/json"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/alexjbarnes/pubsync/internal/content"
)

const entryType = "h-entry"

// Converters are stateless and safe for concurrent use.
var (
	htmlSanitizer = bluemonday.UGCPolicy()
	textOnly      = bluemonday.StrictPolicy()
	htmlConverter = md.NewConverter("", true, nil)
	mdRenderer    = goldmark.New(goldmark.WithExtensions(extension.GFM))
)

// Entry is one structured remote entry: a microformat type plus a
// properties bag whose values are always arrays.
type Entry struct {
	Type       []string                     `json:"type"`
	Properties map[string][]json.RawMessage `json:"properties"`
}

// ParseEntry decodes a single entry payload. Malformed structure is a
// KindSchema error; missing individual properties are not.
func ParseEntry(data []byte) (*Entry, error) {
	var en Entry
	if err := json.Unmarshal(data, &en); err != nil {
		return nil, WrapError(KindSchema, err, "payload is not a well-formed entry")
	}
	return &en, nil
}

// ParseEntryList decodes a listing response of the shape
// {"items": [entry, ...]}. Individually malformed items are skipped so
// one bad entry does not poison a whole section.
func ParseEntryList(body []byte) ([]*Entry, error) {
	var list struct {
		Items []json.RawMessage `json:"items"`
	}
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, WrapError(KindSchema, err, "listing body is not well-formed")
	}

	entries := make([]*Entry, 0, len(list.Items))
	for _, raw := range list.Items {
		en, err := ParseEntry(raw)
		if err != nil {
			continue
		}
		entries = append(entries, en)
	}
	return entries, nil
}

// stringProp returns the first value of a property as a string, or ""
// when the property is absent or not a string.
func (en *Entry) stringProp(name string) string {
	vals, ok := en.Properties[name]
	if !ok || len(vals) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(vals[0], &s); err != nil {
		return ""
	}
	return s
}

// contentValue is the object form of a content property.
type contentValue struct {
	HTML     string `json:"html"`
	Markdown string `json:"markdown"`
	Value    string `json:"value"`
}

// EntityFromEntry converts a remote entry into the canonical model. The
// entry must declare a recognized type; a missing name property is valid
// (untitled note), a structurally alien payload is not.
func EntityFromEntry(en *Entry) (*content.Entity, error) {
	if !recognizedType(en.Type) {
		return nil, NewError(KindSchema, "unrecognized entry type %v", en.Type)
	}

	e := &content.Entity{
		Kind:   content.KindPost,
		Status: content.StatusPublished,
	}

	e.Title = en.stringProp("name")
	e.RemoteURL = en.stringProp("url")

	body, err := bodyFromContent(en)
	if err != nil {
		return nil, err
	}
	e.Body = body

	// Absence of published leaves the field unset, never "now".
	if p := en.stringProp("published"); p != "" {
		if t, perr := time.Parse(time.RFC3339, p); perr == nil {
			e.PublishedAt = &t
		}
	}

	if en.stringProp("post-status") == "draft" {
		e.Status = content.StatusRemoteDraft
	}

	switch {
	case e.RemoteURL != "":
		e.ID = content.SlugFromURL(e.RemoteURL)
	case e.Title != "":
		e.ID = content.Slugify(e.Title)
	}

	return e, nil
}

// MediaFromItem converts a media listing entry into an upload entity.
func MediaFromItem(en *Entry) (*content.Entity, error) {
	u := en.stringProp("url")
	if u == "" {
		return nil, NewError(KindSchema, "media item has no url")
	}

	e := &content.Entity{
		ID:     content.SlugFromURL(u),
		Kind:   content.KindUpload,
		Status: content.StatusPublished,
		Media: &content.Media{
			URL:  u,
			MIME: en.stringProp("mime-type"),
			Alt:  en.stringProp("alt"),
		},
		RemoteURL: u,
	}
	if p := en.stringProp("published"); p != "" {
		if t, err := time.Parse(time.RFC3339, p); err == nil {
			e.PublishedAt = &t
		}
	}
	return e, nil
}

// bodyFromContent extracts the Markdown body from the content property.
// A bare string is taken as Markdown; an object form prefers markdown,
// then html (rendered down, lossy by design), then plain value.
func bodyFromContent(en *Entry) (string, error) {
	vals, ok := en.Properties["content"]
	if !ok || len(vals) == 0 {
		return "", nil
	}

	var s string
	if err := json.Unmarshal(vals[0], &s); err == nil {
		return s, nil
	}

	var cv contentValue
	if err := json.Unmarshal(vals[0], &cv); err != nil {
		return "", WrapError(KindSchema, err, "content property is neither string nor object")
	}

	switch {
	case cv.Markdown != "":
		return cv.Markdown, nil
	case cv.HTML != "":
		return HTMLToMarkdown(cv.HTML), nil
	default:
		return cv.Value, nil
	}
}

// HTMLToMarkdown renders remote HTML down to Markdown on a best-effort
// basis: the input is sanitized first, block tags map to Markdown
// equivalents, unrecognized tags are stripped but their text retained.
func HTMLToMarkdown(html string) string {
	sanitized := htmlSanitizer.Sanitize(html)
	out, err := htmlConverter.ConvertString(sanitized)
	if err != nil {
		// Conversion is best effort; keep the text even when the
		// structure defeats the converter.
		return textOnly.Sanitize(sanitized)
	}
	return out
}

// MarkdownToHTML renders the local Markdown body for servers configured
// to receive content.html instead of raw Markdown.
func MarkdownToHTML(markdown string) (string, error) {
	var buf bytes.Buffer
	if err := mdRenderer.Convert([]byte(markdown), &buf); err != nil {
		return "", WrapError(KindSchema, err, "rendering markdown")
	}
	return buf.String(), nil
}

// PublishPayload maps an entity to the outbound h-entry JSON. The
// server owns url and published, so they are never included. When html
// is true the body is pre-rendered and sent as content.html.
func PublishPayload(e *content.Entity, html bool) ([]byte, error) {
	props := map[string]any{}

	if e.Title != "" {
		props["name"] = []string{e.Title}
	}

	if html {
		rendered, err := MarkdownToHTML(e.Body)
		if err != nil {
			return nil, err
		}
		props["content"] = []any{map[string]string{"html": rendered}}
	} else {
		props["content"] = []string{e.Body}
	}

	if e.Status == content.StatusRemoteDraft {
		props["post-status"] = []string{"draft"}
	}
	if e.Kind == content.KindPage {
		props["mp-channel"] = []string{"pages"}
	}

	payload := map[string]any{
		"type":       []string{entryType},
		"properties": props,
	}
	out, err := json.Marshal(payload)
	if err != nil {
		return nil, WrapError(KindSchema, err, "encoding publish payload")
	}
	return out, nil
}

func recognizedType(types []string) bool {
	for _, t := range types {
		if t == entryType {
			return true
		}
	}
	return false
}
