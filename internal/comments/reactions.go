package comments

import (
	"context"

	"github.com/tatamilabs/dojosync/internal/remote"
)

// ReactionStore is the slice of the remote client needed for reaction rows.
type ReactionStore interface {
	Select(ctx context.Context, table string, filters remote.Filters) ([]remote.Row, error)
	Insert(ctx context.Context, table string, row remote.Row) error
	Delete(ctx context.Context, table string, filters remote.Filters) error
}

// FetchReactionState reads the authoritative reaction rows for one comment
// and folds them into a snapshot, marking the calling user's own reaction.
func FetchReactionState(ctx context.Context, api ReactionStore, userID, commentID string, kind CommentKind) (ReactionSnapshot, error) {
	rows, err := api.Select(ctx, remote.TableCommentReactions, remote.Filters{
		"comment_id":   commentID,
		"comment_type": kind.String(),
	})
	if err != nil {
		return ReactionSnapshot{}, err
	}
	var snapshot ReactionSnapshot
	for _, row := range rows {
		mine := row.StringField("user_id") == userID
		switch row.StringField("reaction") {
		case "like":
			snapshot.LikeCount++
			if mine {
				snapshot.IsLiked = true
			}
		case "dislike":
			snapshot.DislikeCount++
			if mine {
				snapshot.IsDisliked = true
			}
		}
	}
	return snapshot, nil
}

// WriteReactionToggle applies one reaction flip to the remote rows, given the
// pre-toggle state. Setting a reaction clears the opposite one first, keeping
// like and dislike mutually exclusive on the wire as well as in the cache.
func WriteReactionToggle(ctx context.Context, api ReactionStore, userID, commentID string, kind CommentKind, current ReactionSnapshot, toggle ReactionToggle) error {
	reaction, opposite := "like", "dislike"
	active, oppositeActive := current.IsLiked, current.IsDisliked
	if toggle == ToggleDislikeReaction {
		reaction, opposite = opposite, reaction
		active, oppositeActive = oppositeActive, active
	}

	filtersFor := func(which string) remote.Filters {
		return remote.Filters{
			"user_id":      userID,
			"comment_id":   commentID,
			"comment_type": kind.String(),
			"reaction":     which,
		}
	}

	if active {
		return api.Delete(ctx, remote.TableCommentReactions, filtersFor(reaction))
	}
	if oppositeActive {
		if err := api.Delete(ctx, remote.TableCommentReactions, filtersFor(opposite)); err != nil {
			return err
		}
	}
	row := remote.Row{
		"user_id":      userID,
		"comment_id":   commentID,
		"comment_type": kind.String(),
		"reaction":     reaction,
	}
	return api.Insert(ctx, remote.TableCommentReactions, row)
}
