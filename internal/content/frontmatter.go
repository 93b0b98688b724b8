package content

import (
	"bytes"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// delimiter opens and closes the front-matter block. It is part of the
// persisted file contract; changing it breaks previously created drafts.
const delimiter = "---"

// Recognized front-matter keys, in their fixed encode order.
const (
	keyTitle  = "title"
	keyStatus = "status"
	keyType   = "type"
	keyURL    = "url"
)

// ParseError reports front-matter that is present but not valid
// key-value syntax. A missing front-matter block is not an error.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parsing front-matter of %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Decode converts a Markdown file into an Entity.
//
// A leading delimited block is parsed as YAML front-matter. Recognized
// fields are title, status (draft|published), type (post|page), and url
// (explicit remote linkage). Unknown fields are preserved in order and
// round-tripped untouched. When no front-matter block is present the
// first top-level heading becomes the title and the remainder the body.
//
// The body is stored without a leading "# <title>" heading; Encode puts
// it back. This keeps Decode(Encode(e)) == e without tracking whether
// the heading existed on disk.
func Decode(fileText []byte, relPath string) (*Entity, error) {
	e := &Entity{
		ID:     SlugFromPath(relPath),
		Kind:   KindPost,
		Status: StatusLocalDraft,
	}
	e.LocalPath = normalizeRel(relPath)

	s := fileText
	if !bytes.HasPrefix(s, []byte(delimiter)) {
		decodeHeadingFallback(e, s)
		return e, nil
	}

	block, body, ok := splitFrontMatter(s)
	if !ok {
		// Opening marker without a closing one: treat the whole file as
		// body via the heading fallback, matching editors that let you
		// type "---" as a thematic break on line one.
		decodeHeadingFallback(e, s)
		return e, nil
	}

	if err := decodeBlock(e, block); err != nil {
		return nil, &ParseError{Path: relPath, Err: err}
	}

	e.Body = stripTitleHeading(strings.TrimLeft(string(body), "\r\n"), e.Title)
	return e, nil
}

// Encode converts an Entity back into Markdown file text. Fields are
// emitted in a fixed order (title, status, type, url, then preserved
// unknown fields in original order) so output is deterministic. The body
// is prefixed with a "# <title>" heading unless it already starts with
// that exact heading.
func Encode(e *Entity) ([]byte, error) {
	root := &yaml.Node{Kind: yaml.MappingNode}
	appendScalar(root, keyTitle, e.Title)
	appendScalar(root, keyStatus, encodeStatus(e))
	appendScalar(root, keyType, string(e.Kind))
	if e.RemoteURL != "" {
		appendScalar(root, keyURL, e.RemoteURL)
	}
	for _, f := range e.Extra {
		root.Content = append(root.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: f.Key},
			f.Value,
		)
	}

	fm, err := yaml.Marshal(root)
	if err != nil {
		return nil, fmt.Errorf("encoding front-matter: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString(delimiter + "\n")
	buf.Write(fm)
	buf.WriteString(delimiter + "\n\n")

	if e.Title != "" && !strings.HasPrefix(e.Body, "# "+e.Title+"\n") && e.Body != "# "+e.Title {
		buf.WriteString("# " + e.Title + "\n\n")
	}
	buf.WriteString(e.Body)

	return buf.Bytes(), nil
}

// splitFrontMatter separates the front-matter block from the body. The
// closing delimiter must sit at the start of its own line. Returns
// ok=false when no closing delimiter exists.
func splitFrontMatter(s []byte) (block, body []byte, ok bool) {
	rest := s[len(delimiter):]
	nl := bytes.IndexByte(rest, '\n')
	if nl < 0 {
		return nil, nil, false
	}
	rest = rest[nl+1:]

	end := bytes.Index(rest, []byte("\n"+delimiter))
	switch {
	case bytes.HasPrefix(rest, []byte(delimiter+"\n")), bytes.HasPrefix(rest, []byte(delimiter+"\r\n")):
		// Empty block: "---\n---\n".
		end = -1
		block = nil
		rest = rest[len(delimiter):]
	case end < 0:
		return nil, nil, false
	default:
		block = rest[:end]
		rest = rest[end+1+len(delimiter):]
	}

	// Drop the remainder of the closing delimiter line.
	if nl := bytes.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[nl+1:]
	} else {
		rest = nil
	}
	return block, rest, true
}

// decodeBlock applies the parsed YAML mapping to the entity. Unknown
// keys are preserved verbatim, recognized keys are interpreted with the
// documented defaults.
func decodeBlock(e *Entity, block []byte) error {
	var doc yaml.Node
	if err := yaml.Unmarshal(block, &doc); err != nil {
		return err
	}
	if len(doc.Content) == 0 {
		return nil // empty block, all defaults
	}

	m := doc.Content[0]
	if m.Kind != yaml.MappingNode {
		return fmt.Errorf("front-matter is not a key-value mapping")
	}

	var fmStatus, fmType, fmURL string
	for i := 0; i+1 < len(m.Content); i += 2 {
		k, v := m.Content[i], m.Content[i+1]
		switch k.Value {
		case keyTitle:
			e.Title = v.Value
		case keyStatus:
			fmStatus = v.Value
		case keyType:
			fmType = v.Value
		case keyURL:
			fmURL = v.Value
		default:
			e.Extra = append(e.Extra, Field{Key: k.Value, Value: v})
		}
	}

	if fmType == string(KindPage) {
		e.Kind = KindPage
	}
	e.RemoteURL = fmURL
	e.Status = decodeStatus(fmStatus, fmURL)
	return nil
}

// decodeStatus maps the front-matter status field plus remote linkage to
// a lifecycle status. A "published" claim without a remote URL is
// meaningless, so it degrades to local-draft rather than violating the
// invariant that published entities carry a remote identity.
func decodeStatus(fmStatus, fmURL string) Status {
	switch {
	case fmURL == "":
		return StatusLocalDraft
	case fmStatus == "published":
		return StatusPublished
	default:
		return StatusRemoteDraft
	}
}

func encodeStatus(e *Entity) string {
	if e.Status == StatusPublished && e.RemoteURL != "" {
		return "published"
	}
	return "draft"
}

// decodeHeadingFallback populates title and body from a file without a
// front-matter block: the first top-level heading (if it is the first
// non-blank line) becomes the title.
func decodeHeadingFallback(e *Entity, s []byte) {
	text := strings.TrimLeft(string(s), "\r\n")
	line, rest, _ := strings.Cut(text, "\n")
	line = strings.TrimRight(line, "\r")
	if strings.HasPrefix(line, "# ") {
		e.Title = strings.TrimSpace(line[2:])
		e.Body = strings.TrimLeft(rest, "\r\n")
		return
	}
	e.Body = text
}

// stripTitleHeading removes a leading "# <title>" heading that matches
// the title exactly. Encode re-emits it.
func stripTitleHeading(body, title string) string {
	if title == "" {
		return body
	}
	line, rest, found := strings.Cut(body, "\n")
	if strings.TrimRight(line, "\r") != "# "+title {
		return body
	}
	if !found {
		return ""
	}
	return strings.TrimLeft(rest, "\r\n")
}

func appendScalar(m *yaml.Node, key, value string) {
	m.Content = append(m.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Value: key},
		&yaml.Node{Kind: yaml.ScalarNode, Value: value},
	)
}

func normalizeRel(p string) string {
	return strings.Trim(strings.ReplaceAll(p, "\\", "/"), "/")
}
