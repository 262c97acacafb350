package graw

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	pkgerrs "github.com/grawkit/graw/pkg/errors"
	"github.com/grawkit/graw/pkg/types"
)

// registry turns raw API JSON into typed entities. Kind tags are mapped to
// entity constructors through the session config, so a site can remap the
// tag strings without touching the decode path.
type registry struct {
	r   *Reddit
	log *slog.Logger
}

// decode converts an arbitrary response body into entities: Thing envelopes
// become typed objects, listings become *Listing with decoded children,
// JSON write envelopes are unwrapped (raising API errors), and everything
// else decodes generically with nested Things still materialised.
func (reg *registry) decode(raw json.RawMessage) (any, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, nil
	}

	switch raw[0] {
	case '[':
		var elems []json.RawMessage
		if err := json.Unmarshal(raw, &elems); err != nil {
			return nil, &pkgerrs.ClientError{Operation: "decode response", Err: err}
		}
		out := make([]any, 0, len(elems))
		for _, e := range elems {
			v, err := reg.decode(e)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil

	case '{':
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, &pkgerrs.ClientError{Operation: "decode response", Err: err}
		}

		if kindRaw, ok := fields["kind"]; ok {
			var kind string
			if err := json.Unmarshal(kindRaw, &kind); err == nil && kind != "" {
				return reg.construct(kind, fields["data"])
			}
		}

		if env, ok := fields["json"]; ok {
			return reg.unwrapEnvelope(env, fields)
		}

		if errRaw, ok := fields["error"]; ok && len(fields) == 1 {
			var code int
			if err := json.Unmarshal(errRaw, &code); err == nil && code == 304 {
				return nil, pkgerrs.NotModified
			}
		}

		out := make(map[string]any, len(fields))
		for k, v := range fields {
			dv, err := reg.decode(v)
			if err != nil {
				return nil, err
			}
			out[k] = dv
		}
		return out, nil

	default:
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, &pkgerrs.ClientError{Operation: "decode response", Err: err}
		}
		if s, ok := v.(string); ok && reg.r != nil && reg.r.cfg.DecodeHTMLEntities {
			return unescapeAny(s), nil
		}
		return v, nil
	}
}

// unwrapEnvelope handles {"json": {"errors": [...], "data": {...}}} write
// responses. A non-empty errors list becomes an error; otherwise the data
// payload is decoded recursively.
func (reg *registry) unwrapEnvelope(env json.RawMessage, siblings map[string]json.RawMessage) (any, error) {
	if len(siblings) > 1 {
		keys := make([]string, 0, len(siblings)-1)
		for k := range siblings {
			if k != "json" {
				keys = append(keys, k)
			}
		}
		reg.log.Warn("unexpected keys alongside json envelope", "keys", keys)
	}

	var body struct {
		Errors    [][]json.RawMessage `json:"errors"`
		Data      json.RawMessage     `json:"data"`
		Ratelimit float64             `json:"ratelimit"`
	}
	if err := json.Unmarshal(env, &body); err != nil {
		return nil, &pkgerrs.ClientError{Operation: "decode json envelope", Err: err}
	}

	if len(body.Errors) > 0 {
		return nil, envelopeErrors(body.Errors)
	}
	if len(body.Data) == 0 {
		return nil, nil
	}
	return reg.decode(body.Data)
}

// envelopeErrors translates the wire errors list (triples of code, message,
// field) into a single APIError or an ErrorList aggregate.
func envelopeErrors(raw [][]json.RawMessage) error {
	list := make(pkgerrs.ErrorList, 0, len(raw))
	for _, entry := range raw {
		ae := &pkgerrs.APIError{}
		if len(entry) > 0 {
			_ = json.Unmarshal(entry[0], &ae.Code)
		}
		if len(entry) > 1 {
			_ = json.Unmarshal(entry[1], &ae.Message)
		}
		if len(entry) > 2 {
			_ = json.Unmarshal(entry[2], &ae.Field)
		}
		list = append(list, ae)
	}
	if len(list) == 1 {
		return list[0]
	}
	return list
}

// construct builds the entity for a kind tag. Tags for the five core
// entities resolve through the config's Kinds map; container kinds are
// fixed by the API.
func (reg *registry) construct(kind string, data json.RawMessage) (any, error) {
	switch kind {
	case types.KindListing:
		return reg.newListing(data)
	case types.KindMore:
		return newMoreComments(reg.r, data)
	case types.KindUserList:
		return reg.newUserList(data)
	case types.KindLabeledMulti:
		return newMultireddit(reg.r, data)
	case types.KindWikiPage:
		return newWikiPage(reg.r, data)
	}

	name := ""
	if reg.r != nil {
		name = reg.r.cfg.kinds()[kind]
	} else {
		// Unbound registries (gob rebuilds) resolve the core tags through
		// the defaults.
		name = DefaultKinds()[kind]
	}
	switch name {
	case "comment":
		return reg.newComment(data)
	case "redditor":
		return newRedditor(reg.r, data)
	case "submission":
		return newSubmission(reg.r, data)
	case "message":
		return reg.newMessage(data)
	case "subreddit":
		return newSubreddit(reg.r, data)
	}

	// Unknown kind: surface it generically rather than failing the whole
	// response.
	reg.log.Debug("unknown kind tag", "kind", kind)
	return reg.decode(data)
}

// Listing is a single page of a paginated endpoint: decoded children plus
// the cursor fullnames for the neighbouring pages.
type Listing struct {
	AfterFullname  string
	BeforeFullname string
	Modhash        string
	Children       []any
}

func (reg *registry) newListing(data json.RawMessage) (*Listing, error) {
	var ld types.ListingData
	if err := json.Unmarshal(data, &ld); err != nil {
		return nil, &pkgerrs.ClientError{Operation: "decode listing", Err: err}
	}

	l := &Listing{
		AfterFullname:  ld.AfterFullname,
		BeforeFullname: ld.BeforeFullname,
		Modhash:        ld.Modhash,
		Children:       make([]any, 0, len(ld.Children)),
	}
	for _, th := range ld.Children {
		if th == nil {
			continue
		}
		child, err := reg.construct(th.Kind, th.Data)
		if err != nil {
			return nil, err
		}
		l.Children = append(l.Children, child)
	}

	if l.Modhash != "" && reg.r != nil {
		reg.r.setModhash(l.Modhash)
	}
	return l, nil
}

// UserList is the flat container some moderation endpoints return.
type UserList []*Redditor

func (reg *registry) newUserList(data json.RawMessage) (UserList, error) {
	var ud struct {
		Children []json.RawMessage `json:"children"`
	}
	if err := json.Unmarshal(data, &ud); err != nil {
		return nil, &pkgerrs.ClientError{Operation: "decode user list", Err: err}
	}
	out := make(UserList, 0, len(ud.Children))
	for _, c := range ud.Children {
		r, err := newRedditor(reg.r, c)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// Comment is a single comment within a submission's forest. Replies is
// never nil; an empty slice means no known replies.
type Comment struct {
	Content
	Data    types.CommentData
	Replies []*Comment
	More    []*MoreComments
}

func (reg *registry) newComment(data json.RawMessage) (*Comment, error) {
	c := &Comment{Replies: []*Comment{}}
	content, err := newContent(reg.r, types.KindComment, data, true)
	if err != nil {
		return nil, err
	}
	c.Content = content
	if err := json.Unmarshal(data, &c.Data); err != nil {
		return nil, &pkgerrs.ClientError{Operation: "decode comment", Err: err}
	}

	// The server sends "" instead of an empty Listing when a comment has
	// no replies.
	if err := reg.attachReplies(c, c.Data.RepliesData); err != nil {
		return nil, err
	}
	return c, nil
}

func (reg *registry) attachReplies(c *Comment, repliesData json.RawMessage) error {
	trimmed := bytes.TrimSpace(repliesData)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte(`""`)) || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}

	decoded, err := reg.decode(trimmed)
	if err != nil {
		return err
	}
	listing, ok := decoded.(*Listing)
	if !ok {
		return nil
	}
	for _, child := range listing.Children {
		switch v := child.(type) {
		case *Comment:
			c.Replies = append(c.Replies, v)
		case *MoreComments:
			c.More = append(c.More, v)
		}
	}
	return nil
}

// AuthorRedditor returns a lazy Redditor for the comment's author, or nil
// for deleted authors.
func (c *Comment) AuthorRedditor() *Redditor {
	return lazyRedditor(c.reddit, c.Data.Author)
}

// Permalink builds the comment's site-relative permalink from its link id.
func (c *Comment) Permalink() string {
	_, linkID, ok := types.SplitFullname(c.Data.LinkID)
	if !ok {
		return ""
	}
	return fmt.Sprintf("comments/%s/_/%s", linkID, c.Data.ID)
}

// Submission is a link or self post (t3).
type Submission struct {
	Content
	Data     types.SubmissionData
	comments *CommentForest
}

func newSubmission(r *Reddit, data json.RawMessage) (*Submission, error) {
	s := &Submission{}
	content, err := newContent(r, types.KindSubmission, data, true)
	if err != nil {
		return nil, err
	}
	s.Content = content
	if err := json.Unmarshal(data, &s.Data); err != nil {
		return nil, &pkgerrs.ClientError{Operation: "decode submission", Err: err}
	}
	return s, nil
}

// Comments returns the submission's comment forest, fetching it on first
// use.
func (s *Submission) Comments(ctx context.Context) (*CommentForest, error) {
	if s.comments != nil {
		return s.comments, nil
	}
	if s.reddit == nil {
		return nil, &pkgerrs.ClientError{Operation: "fetch comments", Message: "submission is not bound to a session"}
	}
	full, err := s.reddit.SubmissionByID(ctx, s.id)
	if err != nil {
		return nil, err
	}
	s.comments = full.comments
	if s.comments == nil {
		s.comments = &CommentForest{r: s.reddit, submission: s, roots: []*Comment{}}
	}
	return s.comments, nil
}

// AuthorRedditor returns a lazy Redditor for the submission's author.
func (s *Submission) AuthorRedditor() *Redditor {
	return lazyRedditor(s.reddit, s.Data.Author)
}

// SubredditEntity returns a lazy Subreddit for the submission's home.
func (s *Submission) SubredditEntity() *Subreddit {
	if s.reddit == nil || s.Data.Subreddit == "" {
		return nil
	}
	return s.reddit.Subreddit(s.Data.Subreddit)
}

// Shortlink builds the submission's short URL from the configured short
// domain.
func (s *Submission) Shortlink() (string, error) {
	if s.reddit == nil {
		return "", &pkgerrs.ClientError{Operation: "build shortlink", Message: "submission is not bound to a session"}
	}
	domain, err := s.reddit.cfg.ShortDomain()
	if err != nil {
		return "", err
	}
	return "https://" + domain + "/" + s.id, nil
}

// Subreddit is a community (t5).
type Subreddit struct {
	Content
	Data types.SubredditData
}

func newSubreddit(r *Reddit, data json.RawMessage) (*Subreddit, error) {
	s := &Subreddit{}
	content, err := newContent(r, types.KindSubreddit, data, true)
	if err != nil {
		return nil, err
	}
	s.Content = content
	if err := json.Unmarshal(data, &s.Data); err != nil {
		return nil, &pkgerrs.ClientError{Operation: "decode subreddit", Err: err}
	}
	return s, nil
}

func lazySubreddit(r *Reddit, name string) *Subreddit {
	s := &Subreddit{}
	s.Content = Content{
		reddit: r,
		kind:   types.KindSubreddit,
		attrs:  map[string]any{"display_name": name},
	}
	s.Data.DisplayName = name
	return s
}

// DisplayName returns the subreddit's name without fetching.
func (s *Subreddit) DisplayName() string { return s.Data.DisplayName }

func (s *Subreddit) path() string {
	return "r/" + s.Data.DisplayName + "/"
}

// Hot returns a generator over the subreddit's hot listing.
func (s *Subreddit) Hot(opts *ListingOptions) *ListingGenerator {
	return newListingGenerator(s.reddit, s.path()+"hot", []string{"read"}, opts)
}

// New returns a generator over the subreddit's newest submissions.
func (s *Subreddit) New(opts *ListingOptions) *ListingGenerator {
	return newListingGenerator(s.reddit, s.path()+"new", []string{"read"}, opts)
}

// Top returns a generator over the subreddit's top submissions.
func (s *Subreddit) Top(opts *ListingOptions) *ListingGenerator {
	return newListingGenerator(s.reddit, s.path()+"top", []string{"read"}, opts)
}

// Comments returns a generator over the subreddit's newest comments.
func (s *Subreddit) Comments(opts *ListingOptions) *ListingGenerator {
	return newListingGenerator(s.reddit, s.path()+"comments", []string{"read"}, opts)
}

// Redditor is a user account (t2).
type Redditor struct {
	Content
	Data types.RedditorData
}

func newRedditor(r *Reddit, data json.RawMessage) (*Redditor, error) {
	rd := &Redditor{}
	content, err := newContent(r, types.KindRedditor, data, true)
	if err != nil {
		return nil, err
	}
	rd.Content = content
	if err := json.Unmarshal(data, &rd.Data); err != nil {
		return nil, &pkgerrs.ClientError{Operation: "decode redditor", Err: err}
	}
	if rd.Data.Modhash != "" && r != nil {
		r.setModhash(rd.Data.Modhash)
	}
	return rd, nil
}

func lazyRedditor(r *Reddit, name string) *Redditor {
	if name == "" || name == "[deleted]" {
		return nil
	}
	rd := &Redditor{}
	rd.Content = Content{
		reddit: r,
		kind:   types.KindRedditor,
		attrs:  map[string]any{"name": name},
	}
	rd.Data.Name = name
	return rd
}

// Name returns the account name without fetching.
func (rd *Redditor) Name() string { return rd.Data.Name }

// Submitted returns a generator over the user's submissions.
func (rd *Redditor) Submitted(opts *ListingOptions) *ListingGenerator {
	return newListingGenerator(rd.reddit, "user/"+rd.Data.Name+"/submitted", []string{"history"}, opts)
}

// CommentsListing returns a generator over the user's comments.
func (rd *Redditor) CommentsListing(opts *ListingOptions) *ListingGenerator {
	return newListingGenerator(rd.reddit, "user/"+rd.Data.Name+"/comments", []string{"history"}, opts)
}

// Message is a private message or comment-reply notification (t4).
type Message struct {
	Content
	Data    types.MessageData
	Replies []*Message
}

func (reg *registry) newMessage(data json.RawMessage) (*Message, error) {
	m := &Message{Replies: []*Message{}}
	content, err := newContent(reg.r, types.KindMessage, data, true)
	if err != nil {
		return nil, err
	}
	m.Content = content
	if err := json.Unmarshal(data, &m.Data); err != nil {
		return nil, &pkgerrs.ClientError{Operation: "decode message", Err: err}
	}

	trimmed := bytes.TrimSpace(m.Data.RepliesData)
	if len(trimmed) > 0 && !bytes.Equal(trimmed, []byte(`""`)) && !bytes.Equal(trimmed, []byte("null")) {
		decoded, err := reg.decode(trimmed)
		if err != nil {
			return nil, err
		}
		if listing, ok := decoded.(*Listing); ok {
			for _, child := range listing.Children {
				if reply, ok := child.(*Message); ok {
					m.Replies = append(m.Replies, reply)
				}
			}
		}
	}
	return m, nil
}

// AuthorRedditor returns a lazy Redditor for the message's author.
func (m *Message) AuthorRedditor() *Redditor {
	return lazyRedditor(m.reddit, m.Data.Author)
}

// MoreComments is a placeholder for descendants the server withheld from a
// comment listing. Count 0 marks a "continue this thread" stub.
type MoreComments struct {
	Content
	Count       int
	ParentID    string
	ChildrenIDs []string
}

func newMoreComments(r *Reddit, data json.RawMessage) (*MoreComments, error) {
	m := &MoreComments{}
	content, err := newContent(r, types.KindMore, data, true)
	if err != nil {
		return nil, err
	}
	m.Content = content

	var md types.MoreData
	if err := json.Unmarshal(data, &md); err != nil {
		return nil, &pkgerrs.ClientError{Operation: "decode more placeholder", Err: err}
	}
	m.Count = md.Count
	m.ParentID = md.ParentID
	m.ChildrenIDs = md.Children
	if m.id == "" {
		m.id = md.ID
	}
	return m, nil
}

// WikiPage is a subreddit wiki page.
type WikiPage struct {
	Content
	ContentMD  string
	RevisionBy *Redditor
}

func newWikiPage(r *Reddit, data json.RawMessage) (*WikiPage, error) {
	w := &WikiPage{}
	content, err := newContent(r, types.KindWikiPage, data, true)
	if err != nil {
		return nil, err
	}
	w.Content = content
	w.ContentMD, _ = content.attrs["content_md"].(string)

	var wd struct {
		RevisionBy *types.Thing `json:"revision_by"`
	}
	if err := json.Unmarshal(data, &wd); err == nil && wd.RevisionBy != nil {
		if rd, err := newRedditor(r, wd.RevisionBy.Data); err == nil {
			w.RevisionBy = rd
		}
	}
	return w, nil
}

// Multireddit is a user-curated collection of subreddits.
type Multireddit struct {
	Content
	Name       string
	Path       string
	Subreddits []string
}

func newMultireddit(r *Reddit, data json.RawMessage) (*Multireddit, error) {
	m := &Multireddit{}
	content, err := newContent(r, types.KindLabeledMulti, data, true)
	if err != nil {
		return nil, err
	}
	m.Content = content
	m.Name, _ = content.attrs["name"].(string)
	m.Path, _ = content.attrs["path"].(string)

	var md struct {
		Subreddits []struct {
			Name string `json:"name"`
		} `json:"subreddits"`
	}
	if err := json.Unmarshal(data, &md); err == nil {
		for _, sub := range md.Subreddits {
			m.Subreddits = append(m.Subreddits, sub.Name)
		}
	}
	return m, nil
}

// unboundRegistry decodes without a session: constructed entities stay
// unbound until Bind.
func unboundRegistry() *registry {
	return &registry{log: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// rebuild refreshes the typed payload from the attribute map after a gob
// decode.
func (c *Comment) rebuild(reg *registry) error {
	raw, err := c.rawAttrs()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, &c.Data); err != nil {
		return err
	}
	if c.Replies == nil {
		c.Replies = []*Comment{}
	}
	if reg != nil {
		return reg.attachReplies(c, c.Data.RepliesData)
	}
	return nil
}

func (s *Submission) rebuild() error {
	raw, err := s.rawAttrs()
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, &s.Data)
}

func (s *Subreddit) rebuild() error {
	raw, err := s.rawAttrs()
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, &s.Data)
}

func (rd *Redditor) rebuild() error {
	raw, err := rd.rawAttrs()
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, &rd.Data)
}

func (m *Message) rebuild(reg *registry) error {
	raw, err := m.rawAttrs()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, &m.Data); err != nil {
		return err
	}
	if m.Replies == nil {
		m.Replies = []*Message{}
	}

	trimmed := bytes.TrimSpace(m.Data.RepliesData)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte(`""`)) || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	decoded, err := reg.decode(trimmed)
	if err != nil {
		return err
	}
	if listing, ok := decoded.(*Listing); ok {
		for _, child := range listing.Children {
			if reply, ok := child.(*Message); ok {
				m.Replies = append(m.Replies, reply)
			}
		}
	}
	return nil
}

func (m *MoreComments) rebuild() error {
	raw, err := m.rawAttrs()
	if err != nil {
		return err
	}
	var md types.MoreData
	if err := json.Unmarshal(raw, &md); err != nil {
		return err
	}
	m.Count = md.Count
	m.ParentID = md.ParentID
	m.ChildrenIDs = md.Children
	return nil
}

// GobDecode restores the comment's typed payload alongside the attribute
// map, re-attaching any replies the map carries. The comment is unbound
// until Bind is called.
func (c *Comment) GobDecode(data []byte) error {
	if err := c.Content.GobDecode(data); err != nil {
		return err
	}
	return c.rebuild(unboundRegistry())
}

func (s *Submission) GobDecode(data []byte) error {
	if err := s.Content.GobDecode(data); err != nil {
		return err
	}
	return s.rebuild()
}

func (s *Subreddit) GobDecode(data []byte) error {
	if err := s.Content.GobDecode(data); err != nil {
		return err
	}
	return s.rebuild()
}

func (rd *Redditor) GobDecode(data []byte) error {
	if err := rd.Content.GobDecode(data); err != nil {
		return err
	}
	return rd.rebuild()
}

func (m *Message) GobDecode(data []byte) error {
	if err := m.Content.GobDecode(data); err != nil {
		return err
	}
	return m.rebuild(unboundRegistry())
}

func (m *MoreComments) GobDecode(data []byte) error {
	if err := m.Content.GobDecode(data); err != nil {
		return err
	}
	return m.rebuild()
}

// entityFullname extracts the fullname from any decoded entity, or "" for
// values without one.
func entityFullname(v any) string {
	if c, ok := contentOf(v); ok {
		return c.Fullname()
	}
	return ""
}
