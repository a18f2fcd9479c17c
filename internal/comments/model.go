package comments

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// CommentKind discriminates which content collection a comment belongs to.
type CommentKind string

const (
	KindKataComment  CommentKind = "kata"
	KindOhyoComment  CommentKind = "ohyo"
	KindForumComment CommentKind = "forum"
)

var (
	// ErrInvalidCommentKind indicates an unknown comment collection.
	ErrInvalidCommentKind = errors.New("comments: invalid comment kind")
	// ErrInvalidCommentID indicates an empty comment identifier.
	ErrInvalidCommentID = errors.New("comments: invalid comment id")
	// ErrInvalidResolution indicates an unknown conflict resolution value.
	ErrInvalidResolution = errors.New("comments: invalid resolution")
)

// ParseCommentKind validates a raw discriminator value.
func ParseCommentKind(rawInput string) (CommentKind, error) {
	switch CommentKind(strings.TrimSpace(strings.ToLower(rawInput))) {
	case KindKataComment:
		return KindKataComment, nil
	case KindOhyoComment:
		return KindOhyoComment, nil
	case KindForumComment:
		return KindForumComment, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidCommentKind, rawInput)
	}
}

// String returns the underlying discriminator value.
func (k CommentKind) String() string {
	return string(k)
}

// CachedCommentState is the per-comment interaction state cached for instant
// UI feedback, keyed by (comment id, comment kind). TargetID and Body let the
// comment thread render offline; Pending marks a placeholder created by an
// offline add that has not yet been assigned a server id.
type CachedCommentState struct {
	CommentID         string `gorm:"column:comment_id;primaryKey;size:190;not null"`
	CommentKind       string `gorm:"column:comment_kind;primaryKey;size:32;not null"`
	TargetID          string `gorm:"column:target_id;size:190;not null;default:'';index:idx_comment_states_target"`
	AuthorID          string `gorm:"column:author_id;size:190;not null;default:''"`
	Body              string `gorm:"column:body;type:text;not null;default:''"`
	IsLiked           bool   `gorm:"column:is_liked;not null;default:false"`
	IsDisliked        bool   `gorm:"column:is_disliked;not null;default:false"`
	LikeCount         int64  `gorm:"column:like_count;not null;default:0"`
	DislikeCount      int64  `gorm:"column:dislike_count;not null;default:0"`
	Pending           bool   `gorm:"column:pending;not null;default:false"`
	LastSyncedSeconds int64  `gorm:"column:last_synced_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (CachedCommentState) TableName() string {
	return "cached_comment_states"
}

// Snapshot projects the cached state into a ReactionSnapshot.
func (s CachedCommentState) Snapshot() ReactionSnapshot {
	return ReactionSnapshot{
		IsLiked:      s.IsLiked,
		IsDisliked:   s.IsDisliked,
		LikeCount:    s.LikeCount,
		DislikeCount: s.DislikeCount,
	}
}

// ReactionSnapshot is a point-in-time view of a comment's reaction state.
// Queued toggles carry the snapshot taken at optimistic-update time; conflict
// detection compares it against the pre-replay remote state.
type ReactionSnapshot struct {
	IsLiked      bool  `json:"is_liked"`
	IsDisliked   bool  `json:"is_disliked"`
	LikeCount    int64 `json:"like_count"`
	DislikeCount int64 `json:"dislike_count"`
}

// Equal reports whether two snapshots describe the same reaction state.
func (s ReactionSnapshot) Equal(other ReactionSnapshot) bool {
	return s == other
}

// Encode serializes the snapshot for conflict records.
func (s ReactionSnapshot) Encode() string {
	encoded, _ := json.Marshal(s)
	return string(encoded)
}

// DecodeSnapshot parses a serialized snapshot from a conflict record.
func DecodeSnapshot(raw string) (ReactionSnapshot, error) {
	var snapshot ReactionSnapshot
	if err := json.Unmarshal([]byte(raw), &snapshot); err != nil {
		return ReactionSnapshot{}, fmt.Errorf("comments: decode snapshot: %w", err)
	}
	return snapshot, nil
}

// Resolution enumerates the outcomes a user can pick for a conflict.
type Resolution string

const (
	// ResolutionRemoteWins acknowledges the authoritative remote state as final.
	ResolutionRemoteWins Resolution = "remote_wins"
	// ResolutionLocalReapplied indicates the user chose to re-issue their toggle.
	ResolutionLocalReapplied Resolution = "local_reapplied"
	// ResolutionAcknowledged dismisses the prompt without changing state.
	ResolutionAcknowledged Resolution = "acknowledged"
	// resolutionSuperseded marks a record displaced by a newer conflict.
	resolutionSuperseded Resolution = "superseded"
)

// ParseResolution validates a raw resolution value from the UI.
func ParseResolution(rawInput string) (Resolution, error) {
	switch Resolution(strings.TrimSpace(strings.ToLower(rawInput))) {
	case ResolutionRemoteWins:
		return ResolutionRemoteWins, nil
	case ResolutionLocalReapplied:
		return ResolutionLocalReapplied, nil
	case ResolutionAcknowledged:
		return ResolutionAcknowledged, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidResolution, rawInput)
	}
}

// CommentConflict records a divergence between the state a queued toggle
// predicted and the remote state found at replay time. It persists until the
// user resolves it or a newer conflict on the same comment supersedes it.
type CommentConflict struct {
	ConflictID        string `gorm:"column:conflict_id;primaryKey;size:190;not null"`
	CommentID         string `gorm:"column:comment_id;size:190;not null;index:idx_conflicts_comment,priority:1"`
	CommentKind       string `gorm:"column:comment_kind;size:32;not null;index:idx_conflicts_comment,priority:2"`
	LocalJSON         string `gorm:"column:local_json;type:text;not null"`
	RemoteJSON        string `gorm:"column:remote_json;type:text;not null"`
	DetectedAtSeconds int64  `gorm:"column:detected_at_s;not null"`
	Resolved          bool   `gorm:"column:resolved;not null;default:false;index:idx_conflicts_comment,priority:3"`
	Resolution        string `gorm:"column:resolution;size:32;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (CommentConflict) TableName() string {
	return "comment_conflicts"
}
