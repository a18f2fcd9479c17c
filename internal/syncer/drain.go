package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/tatamilabs/dojosync/internal/comments"
	"github.com/tatamilabs/dojosync/internal/queue"
	"github.com/tatamilabs/dojosync/internal/remote"
	"github.com/tatamilabs/dojosync/internal/store"
)

// Drain replays every due queued operation against the remote service.
// Operations are FIFO within a target and replayed concurrently across
// independent targets; the remote service's per-row constraints are the real
// serialization boundary there. A network failure leaves the current
// operation pending for the next cycle without blocking other targets.
// Draining an empty queue is a no-op and touches no sync metadata.
func (o *Orchestrator) Drain(ctx context.Context) error {
	session, ok := o.remote.CurrentSession()
	if !ok {
		return newServiceError(opDrain, "not_signed_in", remote.ErrNotSignedIn)
	}
	if !o.remote.Connected(ctx) {
		return newServiceError(opDrain, "offline", remote.ErrOffline)
	}

	now := o.clock().UTC()
	ops, err := o.queue.Due(session.UserID, now)
	if err != nil {
		return newServiceError(opDrain, "queue_read_failed", err)
	}
	if len(ops) == 0 {
		return nil
	}

	o.mu.Lock()
	if o.drainPhase != PhaseIdle {
		o.mu.Unlock()
		return nil
	}
	o.drainPhase = PhaseDraining
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.drainPhase = PhaseIdle
		o.lastDrainAt = o.clock().UTC()
		o.mu.Unlock()
	}()

	groups := groupByTarget(ops)
	o.logger.Info("draining offline queue",
		zap.Int("operations", len(ops)),
		zap.Int("targets", len(groups)))

	work := make(chan []queue.Operation)
	var wg sync.WaitGroup
	for i := 0; i < o.drainWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for group := range work {
				o.replayGroup(ctx, session.UserID, group)
			}
		}()
	}
	for _, group := range groups {
		work <- group
	}
	close(work)
	wg.Wait()
	return nil
}

// groupByTarget partitions operations by target key, preserving FIFO order
// both within each group and across group starts.
func groupByTarget(ops []queue.Operation) [][]queue.Operation {
	index := make(map[string]int)
	groups := make([][]queue.Operation, 0)
	for _, op := range ops {
		at, ok := index[op.TargetKey]
		if !ok {
			at = len(groups)
			index[op.TargetKey] = at
			groups = append(groups, nil)
		}
		groups[at] = append(groups[at], op)
	}
	return groups
}

func (o *Orchestrator) replayGroup(ctx context.Context, userID string, group []queue.Operation) {
	for _, op := range group {
		if err := o.queue.MarkInFlight(op.ID); err != nil {
			o.logger.Warn("operation claim failed, skipping",
				zap.String("operation_id", op.ID), zap.Error(err))
			continue
		}

		err := o.replay(ctx, userID, op)
		switch {
		case err == nil:
			if err := o.queue.MarkCompleted(op.ID); err != nil {
				o.logger.Warn("completed operation cleanup failed",
					zap.String("operation_id", op.ID), zap.Error(err))
			}
		case errors.Is(err, remote.ErrOffline):
			// Transient: leave pending for the next cycle and stop this
			// target's replay so FIFO order is preserved.
			if err := o.queue.MarkPending(op.ID); err != nil {
				o.logger.Warn("operation release failed",
					zap.String("operation_id", op.ID), zap.Error(err))
			}
			return
		default:
			o.logger.Warn("operation replay rejected",
				zap.String("operation_id", op.ID),
				zap.String("op_type", op.Type),
				zap.Error(err))
			if err := o.queue.MarkFailed(op.ID, err); err != nil {
				o.logger.Warn("operation failure bookkeeping failed",
					zap.String("operation_id", op.ID), zap.Error(err))
			}
			return
		}
	}
}

func (o *Orchestrator) replay(ctx context.Context, userID string, op queue.Operation) error {
	payload, err := queue.DecodePayload(op)
	if err != nil {
		return err
	}
	opType := queue.OperationType(op.Type)

	switch typed := payload.(type) {
	case queue.TogglePayload:
		return o.replayEntityToggle(ctx, userID, opType, typed)
	case queue.CommentTogglePayload:
		return o.replayCommentToggle(ctx, userID, opType, typed)
	case queue.CommentEditPayload:
		return o.replayCommentEdit(ctx, userID, opType, typed)
	default:
		return fmt.Errorf("%w: %s", queue.ErrUnknownOperationType, op.Type)
	}
}

// replayEntityToggle nets a queued like/favorite toggle against current
// remote state. The desired terminal state is the flip of the snapshot taken
// at optimistic-update time; the replay re-reads remote rows first so
// retrying after a mid-replay drop is safe.
func (o *Orchestrator) replayEntityToggle(ctx context.Context, userID string, opType queue.OperationType, payload queue.TogglePayload) error {
	table := remote.TableFavorites
	isLikeOp := opType == queue.OperationToggleLike || opType == queue.OperationToggleForumLike
	if isLikeOp {
		table = remote.TableLikes
	}

	ownFilters := remote.Filters{
		"user_id":     userID,
		"target_type": payload.TargetKind,
		"target_id":   payload.TargetID,
	}
	rows, err := o.remote.Select(ctx, table, ownFilters)
	if err != nil {
		return err
	}
	exists := len(rows) > 0
	desired := !payload.PreviousActive

	if desired && !exists {
		row := remote.Row{
			"user_id":     userID,
			"target_type": payload.TargetKind,
			"target_id":   payload.TargetID,
		}
		if err := o.remote.Insert(ctx, table, row); err != nil {
			return err
		}
	} else if !desired && exists {
		if err := o.remote.Delete(ctx, table, ownFilters); err != nil {
			return err
		}
	}

	kind, err := store.ParseKind(payload.TargetKind)
	if err != nil {
		return err
	}
	entity := store.CachedEntity{Kind: kind.String(), EntityID: payload.TargetID}
	if cached, ok := o.store.Get(kind, payload.TargetID); ok {
		entity = *cached
	}
	if isLikeOp {
		entity.IsLiked = desired
		allRows, err := o.remote.Select(ctx, table, remote.Filters{
			"target_type": payload.TargetKind,
			"target_id":   payload.TargetID,
		})
		if err == nil {
			entity.LikeCount = int64(len(allRows))
		}
	} else {
		entity.IsFavorite = desired
	}
	entity.NeedsSync = false
	entity.LastSyncedSeconds = o.clock().UTC().Unix()
	if err := o.store.Save(entity); err != nil {
		o.logger.Warn("entity cache update failed after replay",
			zap.String("entity_id", payload.TargetID), zap.Error(err))
	}
	o.notifyEntity(kind, payload.TargetID)
	return nil
}

// replayCommentToggle reconciles a queued comment reaction against the
// authoritative pre-replay remote state. A divergence means another actor
// mutated the comment in between: remote wins, the toggle is dropped, and a
// conflict record surfaces the disagreement for the user.
func (o *Orchestrator) replayCommentToggle(ctx context.Context, userID string, opType queue.OperationType, payload queue.CommentTogglePayload) error {
	kind, err := comments.ParseCommentKind(payload.CommentKind)
	if err != nil {
		return err
	}
	toggle := comments.ToggleLikeReaction
	if opType == queue.OperationToggleCommentDislike {
		toggle = comments.ToggleDislikeReaction
	}

	actual, err := comments.FetchReactionState(ctx, o.remote, userID, payload.CommentID, kind)
	if err != nil {
		return err
	}
	predicted := comments.ReactionSnapshot{
		IsLiked:      payload.PreviousLiked,
		IsDisliked:   payload.PreviousDisliked,
		LikeCount:    payload.PreviousLikeCount,
		DislikeCount: payload.PreviousDislikeCount,
	}

	outcome := comments.ReconcileReplay(predicted, actual, toggle)
	if outcome.Diverged {
		local := comments.ApplyToggle(predicted, toggle)
		if _, err := o.comments.Record(ctx, payload.CommentID, kind, local, actual); err != nil {
			return err
		}
	} else if outcome.ApplyToggleRemotely {
		if err := comments.WriteReactionToggle(ctx, o.remote, userID, payload.CommentID, kind, actual, toggle); err != nil {
			return err
		}
	}

	state := comments.CachedCommentState{
		CommentID:         payload.CommentID,
		CommentKind:       kind.String(),
		IsLiked:           outcome.FinalState.IsLiked,
		IsDisliked:        outcome.FinalState.IsDisliked,
		LikeCount:         outcome.FinalState.LikeCount,
		DislikeCount:      outcome.FinalState.DislikeCount,
		LastSyncedSeconds: o.clock().UTC().Unix(),
	}
	if cached, ok := o.comments.CachedState(payload.CommentID, kind); ok {
		state.TargetID = cached.TargetID
		state.AuthorID = cached.AuthorID
		state.Body = cached.Body
	}
	if err := o.comments.CacheState(state); err != nil {
		o.logger.Warn("comment cache update failed after replay",
			zap.String("comment_id", payload.CommentID), zap.Error(err))
	}
	o.notifyComment(kind, payload.CommentID)
	return nil
}

func (o *Orchestrator) replayCommentEdit(ctx context.Context, userID string, opType queue.OperationType, payload queue.CommentEditPayload) error {
	kind, err := comments.ParseCommentKind(payload.CommentKind)
	if err != nil {
		return err
	}
	table := CommentTable(kind)

	switch opType {
	case queue.OperationAddComment:
		row := remote.Row{
			"user_id":   userID,
			"target_id": payload.TargetID,
			"body":      payload.Body,
		}
		if err := o.remote.Insert(ctx, table, row); err != nil {
			return err
		}
		// The server row supersedes the local placeholder cached at enqueue
		// time; the next populate caches the copy with the durable id.
		if payload.LocalRef != "" {
			if err := o.comments.Delete(payload.LocalRef, kind); err != nil {
				o.logger.Warn("placeholder cleanup failed after comment replay",
					zap.String("local_ref", payload.LocalRef), zap.Error(err))
			}
			o.notifyEntity(EntityKindFor(kind), payload.TargetID)
		}
		return nil
	case queue.OperationEditComment:
		filters := remote.Filters{"id": payload.CommentID, "user_id": userID}
		return o.remote.Update(ctx, table, filters, remote.Row{"body": payload.Body})
	case queue.OperationDeleteComment:
		filters := remote.Filters{"id": payload.CommentID, "user_id": userID}
		return o.remote.Delete(ctx, table, filters)
	default:
		return fmt.Errorf("%w: %s", queue.ErrUnknownOperationType, opType)
	}
}
