package graw

import (
	"context"
	"net/http"
	"sort"
	"strings"

	"github.com/google/go-querystring/query"
	"golang.org/x/sync/errgroup"

	pkgerrs "github.com/grawkit/graw/pkg/errors"
	"github.com/grawkit/graw/pkg/types"
)

// morechildrenBatch is the most ids one /api/morechildren call accepts.
const morechildrenBatch = 100

// DefaultResolveLimit bounds placeholder expansion when ResolveOptions does
// not say otherwise.
const DefaultResolveLimit = 32

// CommentForest holds the top-level comments of a submission together with
// the placeholders for descendants the server withheld.
type CommentForest struct {
	r          *Reddit
	submission *Submission
	roots      []*Comment
	more       []*MoreComments
	sort       string
}

func newCommentForest(r *Reddit, submission *Submission, listing *Listing) *CommentForest {
	f := &CommentForest{
		r:          r,
		submission: submission,
		roots:      []*Comment{},
	}
	if listing == nil {
		return f
	}
	for _, child := range listing.Children {
		switch v := child.(type) {
		case *Comment:
			f.roots = append(f.roots, v)
		case *MoreComments:
			f.more = append(f.more, v)
		}
	}
	return f
}

// Roots returns the top-level comments. Callers must not mutate the slice.
func (f *CommentForest) Roots() []*Comment { return f.roots }

// Pending returns every placeholder still reachable in the forest.
func (f *CommentForest) Pending() []*MoreComments {
	out := append([]*MoreComments{}, f.more...)
	f.Walk(func(c *Comment) bool {
		out = append(out, c.More...)
		return true
	})
	return out
}

// Flatten returns every comment in the forest, breadth-first.
func (f *CommentForest) Flatten() []*Comment {
	var out []*Comment
	queue := append([]*Comment{}, f.roots...)
	for len(queue) > 0 {
		c := queue[0]
		queue = queue[1:]
		out = append(out, c)
		queue = append(queue, c.Replies...)
	}
	return out
}

// Walk visits every comment breadth-first until fn returns false.
func (f *CommentForest) Walk(fn func(*Comment) bool) {
	queue := append([]*Comment{}, f.roots...)
	for len(queue) > 0 {
		c := queue[0]
		queue = queue[1:]
		if !fn(c) {
			return
		}
		queue = append(queue, c.Replies...)
	}
}

// Find returns the first comment matching pred in breadth-first order, or
// nil.
func (f *CommentForest) Find(pred func(*Comment) bool) *Comment {
	var found *Comment
	f.Walk(func(c *Comment) bool {
		if pred(c) {
			found = c
			return false
		}
		return true
	})
	return found
}

// ResolveOptions control placeholder expansion.
type ResolveOptions struct {
	// Limit caps the number of morechildren requests. Negative means no
	// cap.
	Limit int

	// Threshold skips placeholders promising fewer than this many
	// descendants. Skipped placeholders stay in the forest.
	Threshold int

	// Sort is the comment sort order to request, e.g. "confidence" or
	// "new".
	Sort string
}

// Resolve expands placeholders into real comments, largest first, batching
// ids into morechildren calls of up to 100 and attaching the results under
// their parents. Placeholders left unexpanded by the limit or threshold are
// returned and remain in the forest. With a negative limit no placeholder
// with a positive count survives.
func (f *CommentForest) Resolve(ctx context.Context, opts *ResolveOptions) ([]*MoreComments, error) {
	if f.r == nil {
		return nil, &pkgerrs.ClientError{Operation: "resolve comments", Message: "forest is not bound to a session"}
	}
	limit := DefaultResolveLimit
	threshold := 0
	if opts != nil {
		limit = opts.Limit
		threshold = opts.Threshold
		if opts.Sort != "" {
			f.sort = opts.Sort
		}
	}

	index := make(map[string]*Comment)
	f.Walk(func(c *Comment) bool {
		index[c.Fullname()] = c
		return true
	})
	pending := make(map[string][]*Comment)

	queue := f.Pending()
	var skipped []*MoreComments
	calls := 0

	for len(queue) > 0 {
		sort.SliceStable(queue, func(i, j int) bool { return queue[i].Count > queue[j].Count })
		m := queue[0]
		queue = queue[1:]

		if len(m.ChildrenIDs) == 0 || m.Count < threshold {
			skipped = append(skipped, m)
			continue
		}
		if limit >= 0 && calls >= limit {
			skipped = append(skipped, m)
			continue
		}

		chunks := chunkIDs(m.ChildrenIDs, morechildrenBatch)
		var remainder []string
		if limit >= 0 && calls+len(chunks) > limit {
			for _, rest := range chunks[limit-calls:] {
				remainder = append(remainder, rest...)
			}
			chunks = chunks[:limit-calls]
		}
		calls += len(chunks)

		results := make([][]any, len(chunks))
		grp, gctx := errgroup.WithContext(ctx)
		for i, chunk := range chunks {
			i, chunk := i, chunk
			grp.Go(func() error {
				things, err := f.r.MoreChildren(gctx, f.submission.Fullname(), chunk, f.sort)
				if err != nil {
					return err
				}
				results[i] = things
				return nil
			})
		}
		if err := grp.Wait(); err != nil {
			return skipped, err
		}

		f.detach(m)
		for _, things := range results {
			for _, thing := range things {
				switch v := thing.(type) {
				case *Comment:
					f.attach(v, index, pending)
				case *MoreComments:
					f.attachMore(v, index)
					queue = append(queue, v)
				}
			}
		}

		// A budget cut mid-placeholder leaves the unfetched ids behind as a
		// pruned placeholder the caller can still see and resolve later.
		if len(remainder) > 0 {
			m.Count -= len(m.ChildrenIDs) - len(remainder)
			if m.Count < len(remainder) {
				m.Count = len(remainder)
			}
			m.ChildrenIDs = remainder
			f.attachMore(m, index)
			skipped = append(skipped, m)
		}
	}

	// Orphans whose parents never arrived surface at the top level rather
	// than vanishing.
	for _, orphans := range pending {
		f.roots = append(f.roots, orphans...)
	}
	return skipped, nil
}

// attach links a fetched comment under its parent, holding it in pending
// when the parent has not been seen yet.
func (f *CommentForest) attach(c *Comment, index map[string]*Comment, pending map[string][]*Comment) {
	fullname := c.Fullname()
	index[fullname] = c

	parentID := c.Data.ParentID
	switch {
	case f.submission != nil && parentID == f.submission.Fullname():
		f.roots = append(f.roots, c)
	default:
		if parent, ok := index[parentID]; ok {
			parent.Replies = append(parent.Replies, c)
		} else {
			pending[parentID] = append(pending[parentID], c)
		}
	}

	if waiting, ok := pending[fullname]; ok {
		c.Replies = append(c.Replies, waiting...)
		delete(pending, fullname)
	}
}

// attachMore hangs a new placeholder under its parent so a later detach can
// find it.
func (f *CommentForest) attachMore(m *MoreComments, index map[string]*Comment) {
	if parent, ok := index[m.ParentID]; ok {
		parent.More = append(parent.More, m)
		return
	}
	f.more = append(f.more, m)
}

// detach removes an expanded placeholder from the forest.
func (f *CommentForest) detach(m *MoreComments) {
	if f.submission != nil && m.ParentID == f.submission.Fullname() {
		f.more = removeMore(f.more, m)
		return
	}
	found := false
	f.Walk(func(c *Comment) bool {
		for _, candidate := range c.More {
			if candidate == m {
				c.More = removeMore(c.More, m)
				found = true
				return false
			}
		}
		return true
	})
	if !found {
		f.more = removeMore(f.more, m)
	}
}

func removeMore(list []*MoreComments, m *MoreComments) []*MoreComments {
	out := list[:0]
	for _, e := range list {
		if e != m {
			out = append(out, e)
		}
	}
	return out
}

func chunkIDs(ids []string, size int) [][]string {
	var out [][]string
	for len(ids) > size {
		out = append(out, ids[:size])
		ids = ids[size:]
	}
	if len(ids) > 0 {
		out = append(out, ids)
	}
	return out
}

// MoreChildren fetches comments for explicit child ids under a submission.
// The returned slice holds *Comment and *MoreComments values in server
// order.
func (r *Reddit) MoreChildren(ctx context.Context, linkFullname string, children []string, sortOrder string) ([]any, error) {
	if len(children) == 0 {
		return nil, nil
	}
	form, err := query.Values(types.MoreChildrenParams{
		LinkID:   linkFullname,
		Children: strings.Join(children, ","),
		APIType:  "json",
		Sort:     sortOrder,
	})
	if err != nil {
		return nil, &pkgerrs.ClientError{Operation: "encode morechildren params", Err: err}
	}

	result, err := r.Request(ctx, &Request{
		Method: http.MethodPost,
		Path:   "api/morechildren",
		Form:   form,
		Scopes: []string{"read"},
	})
	if err != nil {
		return nil, err
	}

	payload, ok := result.(map[string]any)
	if !ok {
		return nil, &pkgerrs.ClientError{Operation: "morechildren", Message: "unexpected response shape"}
	}
	things, _ := payload["things"].([]any)
	return things, nil
}
