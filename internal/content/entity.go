// Package content defines the canonical in-memory representation of a
// post, page, or upload, independent of whether it came from a local
// Markdown file or the remote publishing service, plus the front-matter
// codec that projects it to and from disk.
package content

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"path"
	"strings"
	"time"

	slug "github.com/goliatone/go-slug"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"
)

// Kind classifies what a content entity is.
type Kind string

const (
	KindPost   Kind = "post"
	KindPage   Kind = "page"
	KindUpload Kind = "upload"
)

// Status tracks where an entity lives in the local/remote lifecycle.
type Status string

const (
	// StatusLocalDraft means the entity exists only as a local file.
	StatusLocalDraft Status = "local-draft"
	// StatusRemoteDraft means the remote service holds it with a draft
	// post-status. A local copy may or may not exist.
	StatusRemoteDraft Status = "remote-draft"
	// StatusPublished means the remote service has published it.
	StatusPublished Status = "published"
)

// Media carries the binary side of an upload entity. Uploads never have
// front-matter; they are raw bytes (or a file reference) plus a MIME type.
type Media struct {
	Path string `json:"path,omitempty"`
	Data []byte `json:"-"`
	MIME string `json:"mime,omitempty"`
	URL  string `json:"url,omitempty"`
	Alt  string `json:"alt,omitempty"`
}

// Field is a front-matter key/value pair the codec does not interpret.
// Unknown fields are preserved in their original order so encoding a
// decoded file reproduces it.
type Field struct {
	Key   string
	Value *yaml.Node
}

// Entity is the canonical unit of content. Local files and remote
// entries both decode into this shape; the reconciler joins the two
// populations on ID.
type Entity struct {
	// ID is the join key: the filename slug for local entities, the
	// normalized trailing URL segment for remote ones. An entity present
	// on both sides carries a single ID.
	ID     string `json:"id"`
	Title  string `json:"title"`
	Body   string `json:"body,omitempty"`
	Kind   Kind   `json:"kind"`
	Status Status `json:"status"`

	// LocalPath is set iff a workspace file backs this entity.
	LocalPath string `json:"local_path,omitempty"`

	// RemoteURL and PublishedAt are set iff a remote counterpart exists.
	// They are owned by the remote service; only the publish pipeline
	// writes them.
	RemoteURL   string     `json:"remote_url,omitempty"`
	PublishedAt *time.Time `json:"published_at,omitempty"`

	Media *Media `json:"media,omitempty"`

	// Extra holds preserved, uninterpreted front-matter fields.
	Extra []Field `json:"-"`
}

// Clone returns a deep-enough copy for view building: scalar fields are
// copied, Extra and Media are shared (treated as immutable once decoded).
func (e *Entity) Clone() *Entity {
	c := *e
	if e.PublishedAt != nil {
		t := *e.PublishedAt
		c.PublishedAt = &t
	}
	return &c
}

// ContentHash returns a stable digest of the publishable content. The
// reconciler compares it against the hash recorded at last sync to
// detect local edits.
func (e *Entity) ContentHash() string {
	h := sha256.New()
	h.Write([]byte(e.Title))
	h.Write([]byte{0})
	h.Write([]byte(e.Body))
	return hex.EncodeToString(h.Sum(nil))
}

// UploadExtensions maps the supported upload file extensions to their
// MIME types. The upload pipeline rejects anything else before touching
// the network.
var UploadExtensions = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
}

// Slugify normalizes free text (a title, a media filename) into the
// slug alphabet used for IDs.
func Slugify(s string) string {
	return normalizeSlug(s)
}

// SlugFromPath derives an entity ID from a workspace-relative file path.
// The filename stem is NFC-normalized before slugging so that paths
// produced on different platforms hash to the same ID.
func SlugFromPath(relPath string) string {
	base := path.Base(strings.ReplaceAll(relPath, "\\", "/"))
	if i := strings.LastIndex(base, "."); i > 0 {
		base = base[:i]
	}
	return normalizeSlug(base)
}

// SlugFromURL derives an entity ID from a remote canonical URL by taking
// the trailing path segment. It applies the same normalization rules as
// SlugFromPath so the reconciler's join is symmetric.
func SlugFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return normalizeSlug(raw)
	}
	p := strings.Trim(u.Path, "/")
	if p == "" {
		return normalizeSlug(u.Host)
	}
	segs := strings.Split(p, "/")
	return normalizeSlug(segs[len(segs)-1])
}

func normalizeSlug(s string) string {
	s = norm.NFC.String(s)
	out, err := slug.Normalize(s)
	if err != nil || out == "" {
		// Fall back to a conservative lowering when the normalizer
		// rejects the input entirely.
		return strings.ToLower(strings.TrimSpace(s))
	}
	return out
}
