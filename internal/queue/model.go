package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// OperationType enumerates the mutations that can be queued while offline.
type OperationType string

const (
	OperationToggleLike           OperationType = "toggle_like"
	OperationToggleFavorite       OperationType = "toggle_favorite"
	OperationToggleForumLike      OperationType = "toggle_forum_like"
	OperationToggleForumFavorite  OperationType = "toggle_forum_favorite"
	OperationToggleCommentLike    OperationType = "toggle_comment_like"
	OperationToggleCommentDislike OperationType = "toggle_comment_dislike"
	OperationAddComment           OperationType = "add_comment"
	OperationEditComment          OperationType = "edit_comment"
	OperationDeleteComment        OperationType = "delete_comment"
)

// Status tracks an operation through its replay lifecycle.
type Status string

const (
	StatusPending  Status = "pending"
	StatusInFlight Status = "in_flight"
	StatusFailed   Status = "failed"
)

var (
	// ErrUnknownOperationType indicates a payload discriminator with no decoder.
	ErrUnknownOperationType = errors.New("queue: unknown operation type")
	// ErrInvalidOperation indicates a structurally invalid operation.
	ErrInvalidOperation = errors.New("queue: invalid operation")
	// ErrQueueFull indicates the per-user bound is reached and nothing is evictable.
	ErrQueueFull = errors.New("queue: full")
)

// IsToggle reports whether the type follows the supersede rule: a new toggle
// for the same target replaces a pending one instead of stacking.
func (t OperationType) IsToggle() bool {
	switch t {
	case OperationToggleLike, OperationToggleFavorite,
		OperationToggleForumLike, OperationToggleForumFavorite,
		OperationToggleCommentLike, OperationToggleCommentDislike:
		return true
	default:
		return false
	}
}

// ParseOperationType validates a raw discriminator value.
func ParseOperationType(rawInput string) (OperationType, error) {
	value := OperationType(strings.TrimSpace(strings.ToLower(rawInput)))
	switch value {
	case OperationToggleLike, OperationToggleFavorite,
		OperationToggleForumLike, OperationToggleForumFavorite,
		OperationToggleCommentLike, OperationToggleCommentDislike,
		OperationAddComment, OperationEditComment, OperationDeleteComment:
		return value, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownOperationType, rawInput)
	}
}

// Operation is one durable queue entry awaiting replay against the remote
// service. PayloadJSON holds the typed payload for the operation's type.
type Operation struct {
	ID               string `gorm:"column:id;primaryKey;size:190;not null"`
	UserID           string `gorm:"column:user_id;size:190;not null;index:idx_ops_user_created,priority:1"`
	Type             string `gorm:"column:op_type;size:64;not null"`
	Status           string `gorm:"column:status;size:32;not null;index:idx_ops_status"`
	TargetKey        string `gorm:"column:target_key;size:255;not null;index:idx_ops_target"`
	PayloadJSON      string `gorm:"column:payload_json;type:text;not null"`
	RetryCount       int    `gorm:"column:retry_count;not null;default:0"`
	NextRetrySeconds int64  `gorm:"column:next_retry_s;not null;default:0"`
	LastError        string `gorm:"column:last_error;type:text;not null;default:''"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null;index:idx_ops_user_created,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Operation) TableName() string {
	return "offline_operations"
}

// TogglePayload carries a like/favorite toggle on a content entity, with the
// state snapshot captured at optimistic-update time.
type TogglePayload struct {
	TargetKind     string `json:"target_kind"`
	TargetID       string `json:"target_id"`
	PreviousActive bool   `json:"previous_active"`
	PreviousCount  int64  `json:"previous_count"`
}

// CommentTogglePayload carries a like/dislike toggle on a comment, with the
// full reaction snapshot captured at optimistic-update time. The snapshot is
// what conflict detection compares against the pre-replay remote state.
type CommentTogglePayload struct {
	CommentID            string `json:"comment_id"`
	CommentKind          string `json:"comment_kind"`
	PreviousLiked        bool   `json:"previous_liked"`
	PreviousDisliked     bool   `json:"previous_disliked"`
	PreviousLikeCount    int64  `json:"previous_like_count"`
	PreviousDislikeCount int64  `json:"previous_dislike_count"`
}

// CommentEditPayload carries an add, edit or delete of a comment body.
// CommentID is empty for adds; LocalRef ties the queued add back to the
// placeholder the UI displays until replay assigns a server id.
type CommentEditPayload struct {
	CommentID   string `json:"comment_id,omitempty"`
	CommentKind string `json:"comment_kind"`
	TargetID    string `json:"target_id,omitempty"`
	Body        string `json:"body,omitempty"`
	LocalRef    string `json:"local_ref,omitempty"`
}

// TargetKey identifies the serialization unit for an operation: at most one
// pending toggle may exist per key, and replay is FIFO within a key.
func (p TogglePayload) TargetKey(opType OperationType) string {
	return fmt.Sprintf("%s/%s/%s", opType, p.TargetKind, p.TargetID)
}

// TargetKey for comment toggles; like and dislike are distinct semantic types
// and therefore distinct keys.
func (p CommentTogglePayload) TargetKey(opType OperationType) string {
	return fmt.Sprintf("%s/%s/%s", opType, p.CommentKind, p.CommentID)
}

// TargetKey for comment edits groups all body mutations of one comment so
// add/edit/delete replay in order. Adds key on the local placeholder ref.
func (p CommentEditPayload) TargetKey(opType OperationType) string {
	id := p.CommentID
	if id == "" {
		id = p.LocalRef
	}
	return fmt.Sprintf("comment_body/%s/%s", p.CommentKind, id)
}

// EncodePayload serializes a typed payload and derives the operation's
// target key from it.
func EncodePayload(opType OperationType, payload any) (payloadJSON, targetKey string, err error) {
	switch typed := payload.(type) {
	case TogglePayload:
		if typed.TargetID == "" || typed.TargetKind == "" {
			return "", "", fmt.Errorf("%w: toggle payload missing target", ErrInvalidOperation)
		}
		targetKey = typed.TargetKey(opType)
	case CommentTogglePayload:
		if typed.CommentID == "" || typed.CommentKind == "" {
			return "", "", fmt.Errorf("%w: comment toggle payload missing comment", ErrInvalidOperation)
		}
		targetKey = typed.TargetKey(opType)
	case CommentEditPayload:
		if typed.CommentKind == "" || (typed.CommentID == "" && typed.LocalRef == "") {
			return "", "", fmt.Errorf("%w: comment edit payload missing reference", ErrInvalidOperation)
		}
		targetKey = typed.TargetKey(opType)
	default:
		return "", "", fmt.Errorf("%w: payload %T does not match %s", ErrInvalidOperation, payload, opType)
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", "", fmt.Errorf("queue: encode payload: %w", err)
	}
	return string(encoded), targetKey, nil
}

// DecodePayload deserializes the payload for op's type via explicit
// discriminator matching.
func DecodePayload(op Operation) (any, error) {
	opType, err := ParseOperationType(op.Type)
	if err != nil {
		return nil, err
	}
	switch opType {
	case OperationToggleLike, OperationToggleFavorite,
		OperationToggleForumLike, OperationToggleForumFavorite:
		var payload TogglePayload
		if err := json.Unmarshal([]byte(op.PayloadJSON), &payload); err != nil {
			return nil, fmt.Errorf("queue: decode toggle payload: %w", err)
		}
		return payload, nil
	case OperationToggleCommentLike, OperationToggleCommentDislike:
		var payload CommentTogglePayload
		if err := json.Unmarshal([]byte(op.PayloadJSON), &payload); err != nil {
			return nil, fmt.Errorf("queue: decode comment toggle payload: %w", err)
		}
		return payload, nil
	case OperationAddComment, OperationEditComment, OperationDeleteComment:
		var payload CommentEditPayload
		if err := json.Unmarshal([]byte(op.PayloadJSON), &payload); err != nil {
			return nil, fmt.Errorf("queue: decode comment edit payload: %w", err)
		}
		return payload, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownOperationType, op.Type)
	}
}
