package graw

import (
	"bytes"
	"context"
	"encoding/gob"
	"encoding/json"
	"html"
	"net/url"
	"reflect"

	pkgerrs "github.com/grawkit/graw/pkg/errors"
	"github.com/grawkit/graw/pkg/types"
)

// Content is the lazy base every domain entity embeds. It carries the raw
// attribute map the server supplied, the kind tag, and a back-reference to
// the owning session so absent attributes can be fetched on demand.
type Content struct {
	reddit    *Reddit
	kind      string
	id        string
	attrs     map[string]any
	populated bool
}

// newContent decodes a payload into an attribute map. populated marks
// whether the payload is a full server representation or a stub created for
// lazy loading.
func newContent(r *Reddit, kind string, data json.RawMessage, populated bool) (Content, error) {
	attrs := make(map[string]any)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &attrs); err != nil {
			return Content{}, &pkgerrs.ClientError{Operation: "decode " + kind + " payload", Err: err}
		}
	}
	if r != nil && r.cfg.DecodeHTMLEntities {
		unescapeAttrs(attrs)
	}

	c := Content{reddit: r, kind: kind, attrs: attrs, populated: populated}
	c.id = idFromAttrs(kind, attrs)
	return c, nil
}

func idFromAttrs(kind string, attrs map[string]any) string {
	if id, ok := attrs["id"].(string); ok && id != "" {
		return id
	}
	if name, ok := attrs["name"].(string); ok {
		if k, id, ok := types.SplitFullname(name); ok && k == kind {
			return id
		}
	}
	return ""
}

// Kind returns the entity's kind tag, e.g. "t3".
func (c *Content) Kind() string { return c.kind }

// ID returns the entity's base36 id, when known.
func (c *Content) ID() string { return c.id }

// Fullname returns the stable "<kind>_<id36>" id string, or "" when the id
// is not yet known.
func (c *Content) Fullname() string {
	return types.Fullname(c.kind, c.id)
}

// Populated reports whether a full server representation has been loaded.
func (c *Content) Populated() bool { return c.populated }

// Session returns the owning session, or nil for unbound entities.
func (c *Content) Session() *Reddit { return c.reddit }

// Bind attaches an entity to a session, re-enabling lazy loads after gob
// decoding.
func (c *Content) Bind(r *Reddit) { c.reddit = r }

// Attrs returns the raw attribute map. Callers must not mutate it.
func (c *Content) Attrs() map[string]any { return c.attrs }

// Attr returns a named attribute, fetching the entity's full representation
// first if the attribute is absent and the entity is not yet populated. A
// miss after population is an AttributeError.
func (c *Content) Attr(ctx context.Context, name string) (any, error) {
	if v, ok := c.attrs[name]; ok {
		return v, nil
	}
	if !c.populated {
		if err := c.Load(ctx); err != nil {
			return nil, err
		}
		if v, ok := c.attrs[name]; ok {
			return v, nil
		}
	}
	return nil, &pkgerrs.AttributeError{Name: name, Fullname: c.Fullname()}
}

// Load fetches the entity's canonical representation and replaces the
// attribute map wholesale. Afterwards the entity is populated.
func (c *Content) Load(ctx context.Context) error {
	if c.reddit == nil {
		return &pkgerrs.ClientError{Operation: "load entity", Message: "entity is not bound to a session"}
	}

	path, params, err := c.aboutLocation()
	if err != nil {
		return err
	}

	result, err := c.reddit.Get(ctx, path, params)
	if err != nil {
		return err
	}

	fetched, ok := contentOf(firstOf(result))
	if !ok {
		return &pkgerrs.ClientError{Operation: "load entity", Message: "response did not contain an entity"}
	}

	c.attrs = fetched.attrs
	if fetched.id != "" {
		c.id = fetched.id
	}
	c.populated = true
	return nil
}

// Refresh re-fetches the entity. When evict is set, cached responses for
// the entity's canonical URL are dropped first so the fetch reaches the
// server.
func (c *Content) Refresh(ctx context.Context, evict bool) error {
	if evict && c.reddit != nil {
		if path, params, err := c.aboutLocation(); err == nil {
			if u, err := c.reddit.AbsoluteURL(path, params); err == nil {
				c.reddit.EvictURLs(u)
			}
		}
	}
	return c.Load(ctx)
}

// aboutLocation returns the endpoint serving this entity's canonical
// representation.
func (c *Content) aboutLocation() (string, url.Values, error) {
	switch c.kind {
	case types.KindRedditor:
		name, _ := c.attrs["name"].(string)
		if name == "" {
			return "", nil, &pkgerrs.ClientError{Operation: "load redditor", Message: "redditor has no name"}
		}
		return "user/" + name + "/about", nil, nil
	case types.KindSubreddit:
		name, _ := c.attrs["display_name"].(string)
		if name == "" {
			return "", nil, &pkgerrs.ClientError{Operation: "load subreddit", Message: "subreddit has no display_name"}
		}
		return "r/" + name + "/about", nil, nil
	default:
		fullname := c.Fullname()
		if fullname == "" {
			return "", nil, &pkgerrs.ClientError{Operation: "load entity", Message: "entity has no fullname"}
		}
		return "api/info", url.Values{"id": {fullname}}, nil
	}
}

// Equal compares entities by (kind, id36) when both ids are known, falling
// back to deep equality of the attribute maps.
func (c *Content) Equal(o *Content) bool {
	if o == nil {
		return false
	}
	if c.id != "" && o.id != "" {
		return c.kind == o.kind && c.id == o.id
	}
	return reflect.DeepEqual(c.attrs, o.attrs)
}

// contentSnapshot is the gob wire form: the attribute map travels as JSON
// so arbitrary nesting survives without gob type registration. The session
// reference is dropped; Bind re-attaches after decoding.
type contentSnapshot struct {
	Kind      string
	ID        string
	Populated bool
	Attrs     []byte
}

// GobEncode serialises the raw attribute map. Decoding alone never touches
// the network.
func (c *Content) GobEncode() ([]byte, error) {
	attrs, err := json.Marshal(c.attrs)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	err = gob.NewEncoder(&buf).Encode(contentSnapshot{
		Kind:      c.kind,
		ID:        c.id,
		Populated: c.populated,
		Attrs:     attrs,
	})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// GobDecode restores the attribute map. The entity is unbound until Bind is
// called with a live session.
func (c *Content) GobDecode(data []byte) error {
	var snap contentSnapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&snap); err != nil {
		return err
	}
	attrs := make(map[string]any)
	if len(snap.Attrs) > 0 {
		if err := json.Unmarshal(snap.Attrs, &attrs); err != nil {
			return err
		}
	}
	c.kind = snap.Kind
	c.id = snap.ID
	c.populated = snap.Populated
	c.attrs = attrs
	c.reddit = nil
	return nil
}

// rawAttrs re-encodes the attribute map so typed payload structs can be
// rebuilt after a load or gob decode.
func (c *Content) rawAttrs() (json.RawMessage, error) {
	return json.Marshal(c.attrs)
}

// contentOf extracts the embedded Content from any entity variant.
func contentOf(v any) (*Content, bool) {
	switch e := v.(type) {
	case *Comment:
		return &e.Content, true
	case *Message:
		return &e.Content, true
	case *Redditor:
		return &e.Content, true
	case *Submission:
		return &e.Content, true
	case *Subreddit:
		return &e.Content, true
	case *MoreComments:
		return &e.Content, true
	case *WikiPage:
		return &e.Content, true
	case *Multireddit:
		return &e.Content, true
	}
	return nil, false
}

// firstOf unwraps single-child listings and two-element responses so Load
// can accept either shape from the info endpoints.
func firstOf(v any) any {
	switch t := v.(type) {
	case *Listing:
		if len(t.Children) > 0 {
			return t.Children[0]
		}
	case []any:
		if len(t) > 0 {
			return firstOf(t[0])
		}
	}
	return v
}

// unescapeAttrs decodes HTML entities in string fields, recursively.
func unescapeAttrs(attrs map[string]any) {
	for k, v := range attrs {
		attrs[k] = unescapeAny(v)
	}
}

func unescapeAny(v any) any {
	switch t := v.(type) {
	case string:
		return html.UnescapeString(t)
	case map[string]any:
		unescapeAttrs(t)
		return t
	case []any:
		for i, e := range t {
			t[i] = unescapeAny(e)
		}
		return t
	}
	return v
}
