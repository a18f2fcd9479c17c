// Package remote abstracts the hosted database/auth/storage service the sync
// engine replays against. The row shapes (user_id, target_type, target_id)
// are the de facto schema shared with every other client of the service.
package remote

import (
	"context"
	"errors"
	"strconv"
)

// Table names exposed by the hosted service.
const (
	TableLikes            = "likes"
	TableFavorites        = "favorites"
	TableKataComments     = "kata_comments"
	TableOhyoComments     = "ohyo_comments"
	TableForumComments    = "forum_comments"
	TableCommentReactions = "comment_reactions"
	TableKatas            = "katas"
	TableOhyos            = "ohyos"
	TableForumPosts       = "forum_posts"
)

// Row is a single record exchanged with the hosted service.
type Row map[string]any

// Filters maps column names to required values (equality match).
type Filters map[string]any

var (
	// ErrOffline indicates the device has no usable connection to the service.
	ErrOffline = errors.New("remote: offline")
	// ErrNotSignedIn indicates no valid session is available to attribute the call.
	ErrNotSignedIn = errors.New("remote: not signed in")
	// ErrRejected indicates the service refused the mutation (constraint, permission).
	ErrRejected = errors.New("remote: rejected")
)

// Client is the CRUD + auth + storage surface of the hosted service.
type Client interface {
	// Select returns rows from table matching every filter.
	Select(ctx context.Context, table string, filters Filters) ([]Row, error)
	// Insert writes one row into table.
	Insert(ctx context.Context, table string, row Row) error
	// Update patches rows matching filters with the provided columns.
	Update(ctx context.Context, table string, filters Filters, row Row) error
	// Delete removes rows matching filters.
	Delete(ctx context.Context, table string, filters Filters) error
	// CurrentSession returns the signed-in user, or ok=false.
	CurrentSession() (*Session, bool)
	// DownloadObject fetches a storage blob by bucket and path.
	DownloadObject(ctx context.Context, bucket, path string) ([]byte, error)
	// DownloadURL fetches an arbitrary media URL.
	DownloadURL(ctx context.Context, url string) ([]byte, error)
	// Connected reports whether the service is currently reachable.
	Connected(ctx context.Context) bool
}

// StringField reads a string column from a row, tolerating absent values.
// Numeric values are formatted, so ids the service encodes as JSON numbers
// still yield usable keys.
func (r Row) StringField(column string) string {
	switch v := r[column].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(v, 10)
	case int:
		return strconv.Itoa(v)
	default:
		return ""
	}
}

// Int64Field reads a numeric column from a row. JSON decoding produces
// float64 for numbers, so both representations are accepted.
func (r Row) Int64Field(column string) int64 {
	switch v := r[column].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}

// BoolField reads a boolean column from a row.
func (r Row) BoolField(column string) bool {
	value, _ := r[column].(bool)
	return value
}
