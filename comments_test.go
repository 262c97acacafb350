package graw

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const commentPageFixture = `[
	{"kind": "Listing", "data": {"children": [
		{"kind": "t3", "data": {"id": "abc", "name": "t3_abc", "title": "discussion", "num_comments": 7}}
	]}},
	{"kind": "Listing", "data": {"children": [
		{"kind": "t1", "data": {"id": "c1", "name": "t1_c1", "parent_id": "t3_abc", "link_id": "t3_abc", "body": "root comment", "replies": ""}},
		{"kind": "more", "data": {"id": "c2", "name": "t1_c2", "count": 5, "parent_id": "t3_abc", "children": ["c2", "c3", "c6"]}}
	]}}
]`

// morechildrenFixtures maps the requested children form value to the things
// payload served back.
var morechildrenFixtures = map[string]string{
	// The child c4 arrives before its parent c2, and c6's parent never
	// arrives at all. A fresh placeholder under c2 comes along too.
	"c2,c3,c6": `[
		{"kind": "t1", "data": {"id": "c4", "name": "t1_c4", "parent_id": "t1_c2", "link_id": "t3_abc", "body": "early child", "replies": ""}},
		{"kind": "t1", "data": {"id": "c2", "name": "t1_c2", "parent_id": "t1_c1", "link_id": "t3_abc", "body": "late parent", "replies": ""}},
		{"kind": "t1", "data": {"id": "c3", "name": "t1_c3", "parent_id": "t3_abc", "link_id": "t3_abc", "body": "new root", "replies": ""}},
		{"kind": "t1", "data": {"id": "c6", "name": "t1_c6", "parent_id": "t1_ghost", "link_id": "t3_abc", "body": "orphan", "replies": ""}},
		{"kind": "more", "data": {"id": "c7", "name": "t1_c7", "count": 1, "parent_id": "t1_c2", "children": ["c7"]}}
	]`,
	"c7": `[
		{"kind": "t1", "data": {"id": "c7", "name": "t1_c7", "parent_id": "t1_c2", "link_id": "t3_abc", "body": "deep reply", "replies": ""}}
	]`,
}

// commentSession wires /comments/abc and /api/morechildren, counting
// morechildren calls.
func commentSession(t *testing.T, calls *int32) *Reddit {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/comments/abc", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, commentPageFixture)
	})
	mux.HandleFunc("/api/morechildren", func(w http.ResponseWriter, r *http.Request) {
		if calls != nil {
			atomic.AddInt32(calls, 1)
		}
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "t3_abc", r.PostForm.Get("link_id"))
		assert.Equal(t, "json", r.PostForm.Get("api_type"))

		things, ok := morechildrenFixtures[r.PostForm.Get("children")]
		require.True(t, ok, "unexpected children request: %s", r.PostForm.Get("children"))
		fmt.Fprintf(w, `{"json": {"errors": [], "data": {"things": %s}}}`, things)
	})
	r, _ := liveSession(t, mux, nil)
	return r
}

func TestSubmissionCommentForest(t *testing.T) {
	r := commentSession(t, nil)

	sub, err := r.SubmissionByID(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, "t3_abc", sub.Fullname())

	forest, err := sub.Comments(context.Background())
	require.NoError(t, err)
	require.Len(t, forest.Roots(), 1)
	assert.Equal(t, "root comment", forest.Roots()[0].Data.Body)

	pending := forest.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, 5, pending[0].Count)
	assert.Equal(t, []string{"c2", "c3", "c6"}, pending[0].ChildrenIDs)
}

func TestResolveUnbounded(t *testing.T) {
	var calls int32
	r := commentSession(t, &calls)

	sub, err := r.SubmissionByID(context.Background(), "abc")
	require.NoError(t, err)
	forest, err := sub.Comments(context.Background())
	require.NoError(t, err)

	skipped, err := forest.Resolve(context.Background(), &ResolveOptions{Limit: -1})
	require.NoError(t, err)
	assert.Empty(t, skipped)
	assert.Empty(t, forest.Pending(), "an unbounded resolve leaves no placeholders")
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls), "nested placeholder costs a second call")

	// c1 and c3 hang off the submission; the orphan c6 is promoted rather
	// than dropped.
	bodies := func(cs []*Comment) []string {
		var out []string
		for _, c := range cs {
			out = append(out, c.Data.Body)
		}
		return out
	}
	assert.ElementsMatch(t, []string{"root comment", "new root", "orphan"}, bodies(forest.Roots()))

	c2 := forest.Find(func(c *Comment) bool { return c.Fullname() == "t1_c2" })
	require.NotNil(t, c2, "late parent attached under c1")
	assert.ElementsMatch(t, []string{"early child", "deep reply"}, bodies(c2.Replies))

	c1 := forest.Roots()[0]
	require.Len(t, c1.Replies, 1)
	assert.Equal(t, "t1_c2", c1.Replies[0].Fullname())

	assert.Len(t, forest.Flatten(), 6)
}

func TestResolveThresholdSkips(t *testing.T) {
	var calls int32
	r := commentSession(t, &calls)

	sub, err := r.SubmissionByID(context.Background(), "abc")
	require.NoError(t, err)
	forest, err := sub.Comments(context.Background())
	require.NoError(t, err)

	skipped, err := forest.Resolve(context.Background(), &ResolveOptions{Limit: -1, Threshold: 10})
	require.NoError(t, err)
	require.Len(t, skipped, 1)
	assert.Equal(t, 5, skipped[0].Count)
	assert.Len(t, forest.Pending(), 1, "skipped placeholders stay in the forest")
	assert.Zero(t, atomic.LoadInt32(&calls))
}

func TestResolveCallBudget(t *testing.T) {
	var calls int32
	r := commentSession(t, &calls)

	sub, err := r.SubmissionByID(context.Background(), "abc")
	require.NoError(t, err)
	forest, err := sub.Comments(context.Background())
	require.NoError(t, err)

	// One call expands the top-level placeholder; the nested one it
	// produces must wait.
	skipped, err := forest.Resolve(context.Background(), &ResolveOptions{Limit: 1})
	require.NoError(t, err)
	require.Len(t, skipped, 1)
	assert.Equal(t, "t1_c2", skipped[0].ParentID)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestResolveBudgetKeepsUnfetchedIDs(t *testing.T) {
	const total = 150
	ids := make([]string, total)
	for i := range ids {
		ids[i] = fmt.Sprintf("b%03d", i)
	}

	var calls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/comments/big", func(w http.ResponseWriter, r *http.Request) {
		quoted := make([]string, len(ids))
		for i, id := range ids {
			quoted[i] = fmt.Sprintf("%q", id)
		}
		fmt.Fprintf(w, `[
			{"kind": "Listing", "data": {"children": [{"kind": "t3", "data": {"id": "big", "name": "t3_big", "title": "busy thread"}}]}},
			{"kind": "Listing", "data": {"children": [
				{"kind": "more", "data": {"id": "b000", "name": "t1_b000", "count": %d, "parent_id": "t3_big", "children": [%s]}}
			]}}
		]`, total, strings.Join(quoted, ","))
	})
	mux.HandleFunc("/api/morechildren", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		require.NoError(t, r.ParseForm())
		var things []string
		for _, id := range strings.Split(r.PostForm.Get("children"), ",") {
			things = append(things, fmt.Sprintf(
				`{"kind": "t1", "data": {"id": %q, "name": "t1_%s", "parent_id": "t3_big", "link_id": "t3_big", "body": "reply", "replies": ""}}`, id, id))
		}
		fmt.Fprintf(w, `{"json": {"errors": [], "data": {"things": [%s]}}}`, strings.Join(things, ","))
	})
	r, _ := liveSession(t, mux, nil)

	sub, err := r.SubmissionByID(context.Background(), "big")
	require.NoError(t, err)
	forest, err := sub.Comments(context.Background())
	require.NoError(t, err)

	skipped, err := forest.Resolve(context.Background(), &ResolveOptions{Limit: 1})
	require.NoError(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))

	// One call fetches 100 ids; the other 50 stay accounted for in a pruned
	// placeholder rather than vanishing.
	flattened := forest.Flatten()
	assert.Len(t, flattened, 100)

	require.Len(t, skipped, 1)
	assert.Equal(t, ids[100:], skipped[0].ChildrenIDs)
	assert.Equal(t, 50, skipped[0].Count)

	pending := forest.Pending()
	require.Len(t, pending, 1)
	assert.Same(t, skipped[0], pending[0])
	assert.Equal(t, total, len(flattened)+len(pending[0].ChildrenIDs))
}

func TestForestWalkStops(t *testing.T) {
	r := commentSession(t, nil)
	sub, err := r.SubmissionByID(context.Background(), "abc")
	require.NoError(t, err)
	forest, err := sub.Comments(context.Background())
	require.NoError(t, err)

	visits := 0
	forest.Walk(func(c *Comment) bool {
		visits++
		return false
	})
	assert.Equal(t, 1, visits)

	missing := forest.Find(func(c *Comment) bool { return c.Fullname() == "t1_nope" })
	assert.Nil(t, missing)
}

func TestMoreChildrenEmptyInput(t *testing.T) {
	r := offlineSession(t)
	things, err := r.MoreChildren(context.Background(), "t3_abc", nil, "")
	require.NoError(t, err)
	assert.Nil(t, things, "no ids means no request")
}

func TestChunkIDs(t *testing.T) {
	ids := make([]string, 250)
	for i := range ids {
		ids[i] = fmt.Sprintf("c%d", i)
	}
	chunks := chunkIDs(ids, 100)
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0], 100)
	assert.Len(t, chunks[2], 50)

	assert.Nil(t, chunkIDs(nil, 100))
}
