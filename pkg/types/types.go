// Package types defines the wire-level JSON shapes exchanged with the Reddit
// API: the polymorphic Thing envelope, listing containers, and the typed
// payloads for each entity kind.
package types

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind tags used by the API to distinguish entity types in JSON.
const (
	KindComment      = "t1"
	KindRedditor     = "t2"
	KindSubmission   = "t3"
	KindMessage      = "t4"
	KindSubreddit    = "t5"
	KindMore         = "more"
	KindListing      = "Listing"
	KindUserList     = "UserList"
	KindLabeledMulti = "LabeledMulti"
	KindWikiPage     = "wikipage"
)

// Thing is the polymorphic envelope wrapping every API object: a kind tag
// plus an undecoded data payload.
type Thing struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// Fullname joins a kind tag and a base36 id into reddit's stable id string,
// e.g. Fullname("t3", "abc12") == "t3_abc12".
func Fullname(kind, id string) string {
	if kind == "" || id == "" {
		return ""
	}
	return kind + "_" + id
}

// SplitFullname breaks a fullname into its kind prefix and base36 id.
func SplitFullname(fullname string) (kind, id string, ok bool) {
	kind, id, ok = strings.Cut(fullname, "_")
	if !ok || kind == "" || id == "" {
		return "", "", false
	}
	return kind, id, true
}

// Votable is an embeddable struct for things that can be voted on.
type Votable struct {
	Ups   int `json:"ups"`
	Downs int `json:"downs"`
	// Likes indicates the user's vote: true for upvote, false for downvote, null for no vote.
	Likes *bool `json:"likes"`
}

// Created is an embeddable struct for things that have a creation time.
type Created struct {
	Created    float64 `json:"created"`
	CreatedUTC float64 `json:"created_utc"`
}

// Edited represents a field that can be a boolean or a timestamp.
// If IsEdited is true and Timestamp is 0, it was an old edit marked as `true`.
// If IsEdited is true and Timestamp is non-zero, it's a modern edit with a timestamp.
// If IsEdited is false, the item was not edited.
type Edited struct {
	IsEdited  bool
	Timestamp float64
}

// UnmarshalJSON implements json.Unmarshaler to handle mixed types for the "edited" field.
func (e *Edited) UnmarshalJSON(data []byte) error {
	switch strings.ToLower(string(data)) {
	case "false", "null":
		e.IsEdited = false
		e.Timestamp = 0
		return nil
	case "true":
		e.IsEdited = true
		e.Timestamp = 0
		return nil
	}

	var timestamp float64
	if err := json.Unmarshal(data, &timestamp); err == nil {
		e.IsEdited = true
		e.Timestamp = timestamp
		return nil
	}

	return fmt.Errorf("unrecognized type for 'edited' field: %s", string(data))
}

// ListingData contains the data for a Listing, which is used for pagination.
type ListingData struct {
	BeforeFullname string   `json:"before"` // Reddit fullname for pagination (previous page)
	AfterFullname  string   `json:"after"`  // Reddit fullname for pagination (next page)
	Modhash        string   `json:"modhash"`
	Children       []*Thing `json:"children"` // Raw Things with kind+data, parsed by caller
}

// ListingParams are the query parameters shared by listing endpoints,
// encoded with go-querystring tags.
type ListingParams struct {
	// Limit specifies the number of items to retrieve per request.
	// Reddit enforces a maximum of 100 items per request.
	Limit int `url:"limit,omitempty"`

	// After specifies the Reddit fullname after which to get items.
	After string `url:"after,omitempty"`

	// Before specifies the Reddit fullname before which to get items.
	Before string `url:"before,omitempty"`

	// Count is the number of items already seen in this listing.
	Count int `url:"count,omitempty"`
}

// MoreChildrenParams is the form body for the /api/morechildren endpoint.
type MoreChildrenParams struct {
	LinkID   string `url:"link_id"`
	Children string `url:"children"`
	APIType  string `url:"api_type"`
	Sort     string `url:"sort,omitempty"`
	Depth    int    `url:"depth,omitempty"`
}

// SubredditData contains the payload of a t5 Thing.
type SubredditData struct {
	ID                   string  `json:"id"`
	Name                 string  `json:"name"`
	AccountsActive       int     `json:"accounts_active"`
	CommentScoreHideMins int     `json:"comment_score_hide_mins"`
	Description          string  `json:"description"`
	DescriptionHTML      string  `json:"description_html"`
	DisplayName          string  `json:"display_name"`
	HeaderImg            *string `json:"header_img"`
	HeaderTitle          *string `json:"header_title"`
	Over18               bool    `json:"over18"`
	PublicDescription    string  `json:"public_description"`
	Subscribers          int64   `json:"subscribers"`
	SubmissionType       string  `json:"submission_type"`
	SubredditType        string  `json:"subreddit_type"`
	Title                string  `json:"title"`
	URL                  string  `json:"url"`
	UserIsBanned         *bool   `json:"user_is_banned"`
	UserIsContributor    *bool   `json:"user_is_contributor"`
	UserIsModerator      *bool   `json:"user_is_moderator"`
	UserIsSubscriber     *bool   `json:"user_is_subscriber"`
}

// MessageData contains the payload of a t4 Thing.
type MessageData struct {
	Created
	ID               string          `json:"id"`
	Name             string          `json:"name"`
	Author           string          `json:"author"`
	Body             string          `json:"body"`
	BodyHTML         string          `json:"body_html"`
	Context          string          `json:"context"`
	FirstMessageName *string         `json:"first_message_name"`
	LinkTitle        string          `json:"link_title"`
	New              bool            `json:"new"`
	ParentID         *string         `json:"parent_id"`
	RepliesData      json.RawMessage `json:"replies"` // Raw replies data, handled separately
	Subject          string          `json:"subject"`
	Subreddit        *string         `json:"subreddit"`
	WasComment       bool            `json:"was_comment"`
}

// RedditorData contains the payload of a t2 Thing.
type RedditorData struct {
	Created
	ID               string `json:"id"`
	Name             string `json:"name"`
	CommentKarma     int    `json:"comment_karma"`
	HasMail          *bool  `json:"has_mail"`
	HasModMail       *bool  `json:"has_mod_mail"`
	HasVerifiedEmail *bool  `json:"has_verified_email"`
	InboxCount       int    `json:"inbox_count,omitempty"`
	IsFriend         bool   `json:"is_friend"`
	IsGold           bool   `json:"is_gold"`
	IsMod            bool   `json:"is_mod"`
	LinkKarma        int    `json:"link_karma"`
	Modhash          string `json:"modhash,omitempty"`
	Over18           bool   `json:"over_18"`
}

// MoreData contains the payload of a "more" Thing: a placeholder for
// un-fetched descendants within a comment forest.
type MoreData struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Count    int      `json:"count"`
	ParentID string   `json:"parent_id"`
	Children []string `json:"children"`
}

// SubmissionData contains the payload of a t3 Thing.
type SubmissionData struct {
	Votable
	Created
	ID                  string          `json:"id"`
	Name                string          `json:"name"`
	Author              string          `json:"author"`
	AuthorFlairCSSClass *string         `json:"author_flair_css_class"`
	AuthorFlairText     *string         `json:"author_flair_text"`
	Domain              string          `json:"domain"`
	Hidden              bool            `json:"hidden"`
	IsSelf              bool            `json:"is_self"`
	LinkFlairCSSClass   *string         `json:"link_flair_css_class"`
	LinkFlairText       *string         `json:"link_flair_text"`
	Locked              bool            `json:"locked"`
	Media               json.RawMessage `json:"media"`
	NumComments         int             `json:"num_comments"`
	Over18              bool            `json:"over_18"`
	Permalink           string          `json:"permalink"`
	Saved               bool            `json:"saved"`
	Score               int             `json:"score"`
	SelfText            string          `json:"selftext"`
	SelfTextHTML        *string         `json:"selftext_html"`
	Subreddit           string          `json:"subreddit"`
	SubredditID         string          `json:"subreddit_id"`
	Thumbnail           string          `json:"thumbnail"`
	Title               string          `json:"title"`
	URL                 string          `json:"url"`
	Edited              Edited          `json:"edited"` // Can be a boolean or a float64 timestamp
	Distinguished       *string         `json:"distinguished"`
	Stickied            bool            `json:"stickied"`
}

// CommentData contains the payload of a t1 Thing. The replies field is kept
// raw here; the comment forest layer decodes it, because the server sends an
// empty string rather than an empty Listing when there are no replies.
type CommentData struct {
	Votable
	Created
	ID                  string          `json:"id"`
	Name                string          `json:"name"`
	ApprovedBy          *string         `json:"approved_by"`
	Author              string          `json:"author"`
	AuthorFlairCSSClass *string         `json:"author_flair_css_class"`
	AuthorFlairText     *string         `json:"author_flair_text"`
	BannedBy            *string         `json:"banned_by"`
	Body                string          `json:"body"`
	BodyHTML            string          `json:"body_html"`
	Edited              Edited          `json:"edited"`
	Gilded              int             `json:"gilded"`
	LinkID              string          `json:"link_id"`
	NumReports          *int            `json:"num_reports"`
	ParentID            string          `json:"parent_id"`
	RepliesData         json.RawMessage `json:"replies"`
	Saved               bool            `json:"saved"`
	Score               int             `json:"score"`
	ScoreHidden         bool            `json:"score_hidden"`
	Subreddit           string          `json:"subreddit"`
	SubredditID         string          `json:"subreddit_id"`
	Distinguished       *string         `json:"distinguished"`
}

// JSONEnvelope is the wrapper the API puts around write responses:
// {"json": {"errors": [...], "data": {...}}}.
type JSONEnvelope struct {
	JSON struct {
		Errors    [][]string      `json:"errors"`
		Data      json.RawMessage `json:"data"`
		Ratelimit float64         `json:"ratelimit,omitempty"`
	} `json:"json"`
}
