package comments

// ReactionToggle identifies which reaction a queued toggle flips.
type ReactionToggle string

const (
	// ToggleLikeReaction flips the like state of a comment.
	ToggleLikeReaction ReactionToggle = "like"
	// ToggleDislikeReaction flips the dislike state of a comment.
	ToggleDislikeReaction ReactionToggle = "dislike"
)

// ReplayOutcome captures the decision from ReconcileReplay.
type ReplayOutcome struct {
	// Diverged is true when another actor mutated the comment between the
	// optimistic update and the replay.
	Diverged bool
	// ApplyToggleRemotely is true when the queued toggle should still be
	// written to the remote service.
	ApplyToggleRemotely bool
	// FinalState is what the local cache must hold after the replay.
	FinalState ReactionSnapshot
}

// ApplyToggle computes the reaction state after flipping one reaction.
// Like and dislike are mutually exclusive: setting one clears the other.
func ApplyToggle(current ReactionSnapshot, toggle ReactionToggle) ReactionSnapshot {
	next := current
	switch toggle {
	case ToggleLikeReaction:
		if next.IsLiked {
			next.IsLiked = false
			next.LikeCount = decrement(next.LikeCount)
		} else {
			next.IsLiked = true
			next.LikeCount++
			if next.IsDisliked {
				next.IsDisliked = false
				next.DislikeCount = decrement(next.DislikeCount)
			}
		}
	case ToggleDislikeReaction:
		if next.IsDisliked {
			next.IsDisliked = false
			next.DislikeCount = decrement(next.DislikeCount)
		} else {
			next.IsDisliked = true
			next.DislikeCount++
			if next.IsLiked {
				next.IsLiked = false
				next.LikeCount = decrement(next.LikeCount)
			}
		}
	}
	return next
}

// ReconcileReplay decides what a queued comment toggle does once connectivity
// returns. predictedPrevious is the snapshot captured at optimistic-update
// time; actualRemote is the authoritative state fetched just before replay.
// When they match, the toggle applies on top of remote state. When they
// differ, another actor intervened: remote wins, the toggle is not applied,
// and the divergence is surfaced as a conflict.
func ReconcileReplay(predictedPrevious, actualRemote ReactionSnapshot, toggle ReactionToggle) ReplayOutcome {
	if predictedPrevious.Equal(actualRemote) {
		return ReplayOutcome{
			Diverged:            false,
			ApplyToggleRemotely: true,
			FinalState:          ApplyToggle(actualRemote, toggle),
		}
	}
	return ReplayOutcome{
		Diverged:            true,
		ApplyToggleRemotely: false,
		FinalState:          actualRemote,
	}
}

func decrement(count int64) int64 {
	if count <= 0 {
		return 0
	}
	return count - 1
}
