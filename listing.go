package graw

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/google/go-querystring/query"

	pkgerrs "github.com/grawkit/graw/pkg/errors"
	"github.com/grawkit/graw/pkg/types"
)

// Unlimited requests every item a listing endpoint will serve, paginating
// until the server stops returning a cursor.
const Unlimited = -1

// listingPageMax is the largest page size the API serves per request.
const listingPageMax = 100

// ErrNoMoreItems is returned by Next once a generator is exhausted.
var ErrNoMoreItems = errors.New("no more items in listing")

// ListingOptions control a ListingGenerator.
type ListingOptions struct {
	// Limit caps the total number of items yielded. Zero fetches a single
	// page at the server's default size; Unlimited paginates until the
	// server is exhausted.
	Limit int

	// PlaceHolder stops iteration just before the item with this fullname.
	// The item itself is not yielded.
	PlaceHolder string

	// Params are extra query parameters merged into every page request.
	// Pagination keys (limit, after, count) are overwritten by the
	// generator.
	Params url.Values

	// ObjectFilter selects one element of a multi-part response, such as
	// index 1 for the comments listing of a submission page. Negative means
	// the response is a plain listing.
	ObjectFilter int

	// Scopes are the OAuth scopes the endpoint requires.
	Scopes []string
}

// ListingGenerator walks a paginated endpoint, fetching pages on demand and
// yielding decoded entities one at a time.
type ListingGenerator struct {
	r            *Reddit
	path         string
	scopes       []string
	limit        int
	placeHolder  string
	params       url.Values
	objectFilter int

	buffer    []any
	index     int
	after     string
	yielded   int
	exhausted bool
}

func newListingGenerator(r *Reddit, path string, scopes []string, opts *ListingOptions) *ListingGenerator {
	g := &ListingGenerator{
		r:            r,
		path:         path,
		scopes:       scopes,
		objectFilter: -1,
	}
	if opts != nil {
		g.limit = opts.Limit
		g.placeHolder = opts.PlaceHolder
		if opts.Params != nil {
			g.params = opts.Params
		}
		if opts.ObjectFilter >= 0 {
			g.objectFilter = opts.ObjectFilter
		}
		if len(opts.Scopes) > 0 {
			g.scopes = opts.Scopes
		}
	}
	return g
}

// HasNext reports whether another item may be available. It never triggers
// a fetch; a true result can still be followed by ErrNoMoreItems when the
// next page turns out empty.
func (g *ListingGenerator) HasNext() bool {
	if g.limit > 0 && g.yielded >= g.limit {
		return false
	}
	return g.index < len(g.buffer) || !g.exhausted
}

// Next returns the next item, fetching the next page when the buffer runs
// out. Exhaustion is reported as ErrNoMoreItems.
func (g *ListingGenerator) Next(ctx context.Context) (any, error) {
	for {
		if g.limit > 0 && g.yielded >= g.limit {
			return nil, ErrNoMoreItems
		}

		if g.index < len(g.buffer) {
			item := g.buffer[g.index]
			if g.placeHolder != "" && entityFullname(item) == g.placeHolder {
				g.exhausted = true
				g.buffer = nil
				g.index = 0
				return nil, ErrNoMoreItems
			}
			g.index++
			g.yielded++
			return item, nil
		}

		if g.exhausted {
			return nil, ErrNoMoreItems
		}
		if err := g.fetchPage(ctx); err != nil {
			return nil, err
		}
	}
}

// Collect drains the generator into a slice.
func (g *ListingGenerator) Collect(ctx context.Context) ([]any, error) {
	var out []any
	for {
		item, err := g.Next(ctx)
		if errors.Is(err, ErrNoMoreItems) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, item)
	}
}

// fetchPage requests the next page and refills the buffer. An absent after
// cursor, an empty page, or a zero-limit first page marks the generator
// exhausted.
func (g *ListingGenerator) fetchPage(ctx context.Context) error {
	pageLimit := 0
	switch {
	case g.limit > 0:
		pageLimit = g.limit - g.yielded
		if pageLimit > listingPageMax {
			pageLimit = listingPageMax
		}
	case g.limit == Unlimited:
		pageLimit = listingPageMax
	}

	vals, err := query.Values(types.ListingParams{
		Limit: pageLimit,
		After: g.after,
		Count: g.yielded,
	})
	if err != nil {
		return &pkgerrs.ClientError{Operation: "encode listing params", Err: err}
	}
	for k, vv := range g.params {
		vals[k] = vv
	}

	result, err := g.r.Request(ctx, &Request{
		Method: http.MethodGet,
		Path:   g.path,
		Params: vals,
		Scopes: g.scopes,
	})
	if err != nil {
		return err
	}

	listing, err := g.extract(result)
	if err != nil {
		return err
	}

	g.buffer = listing.Children
	g.index = 0
	g.after = listing.AfterFullname

	if g.after == "" || len(listing.Children) == 0 || g.limit == 0 {
		g.exhausted = true
	}
	return nil
}

func (g *ListingGenerator) extract(result any) (*Listing, error) {
	if parts, ok := result.([]any); ok {
		idx := g.objectFilter
		if idx < 0 {
			idx = 0
		}
		if idx >= len(parts) {
			return nil, &pkgerrs.ClientError{Operation: "fetch listing", Message: "response has fewer parts than expected"}
		}
		result = parts[idx]
	}
	listing, ok := result.(*Listing)
	if !ok {
		return nil, &pkgerrs.ClientError{Operation: "fetch listing", Message: "endpoint did not return a listing"}
	}
	return listing, nil
}

// StreamResult is one delivery from Stream: an item or a fetch error.
type StreamResult struct {
	Value any
	Err   error
}

// Stream polls the listing's first page on an interval and delivers items
// not seen before, oldest first. The channel closes when ctx is cancelled.
// Errors are delivered on the channel and polling continues.
func (g *ListingGenerator) Stream(ctx context.Context, poll time.Duration) <-chan StreamResult {
	out := make(chan StreamResult)
	go func() {
		defer close(out)

		seen := make(map[string]bool)
		var seenOrder []string
		timer := time.NewTimer(0)
		defer timer.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}

			page := newListingGenerator(g.r, g.path, g.scopes, &ListingOptions{
				Limit:        listingPageMax,
				Params:       g.params,
				ObjectFilter: g.objectFilter,
			})
			items, err := page.Collect(ctx)
			if err != nil {
				select {
				case out <- StreamResult{Err: err}:
				case <-ctx.Done():
					return
				}
			}

			// Listings are newest-first; deliver in arrival order.
			for i := len(items) - 1; i >= 0; i-- {
				fullname := entityFullname(items[i])
				if fullname == "" || seen[fullname] {
					continue
				}
				seen[fullname] = true
				seenOrder = append(seenOrder, fullname)
				select {
				case out <- StreamResult{Value: items[i]}:
				case <-ctx.Done():
					return
				}
			}

			// Bound the seen set to roughly ten pages.
			for len(seenOrder) > 10*listingPageMax {
				delete(seen, seenOrder[0])
				seenOrder = seenOrder[1:]
			}

			timer.Reset(poll)
		}
	}()
	return out
}
