package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	retryBaseDelay = 2 * time.Second
	retryMaxDelay  = 5 * time.Minute
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// ServiceError wraps a queue failure with an operation.reason code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opQueueNew    = "queue.new"
	opEnqueue     = "queue.enqueue"
	opTransition  = "queue.transition"
	opListPending = "queue.list_pending"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// IDProvider issues unique operation identifiers. UUIDv7 gives ids whose
// lexical order follows creation order.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the dependencies of the offline operation queue.
type ServiceConfig struct {
	Database    *gorm.DB
	Clock       func() time.Time
	IDProvider  IDProvider
	Logger      *zap.Logger
	Limit       int // per-user bound; oldest frozen entries evicted when full
	RetryBudget int // attempts before an operation freezes as needs-attention
}

// Queue is the durable, ordered list of pending offline mutations.
type Queue struct {
	db          *gorm.DB
	clock       func() time.Time
	idProvider  IDProvider
	logger      *zap.Logger
	limit       int
	retryBudget int
}

// NewQueue validates the configuration and constructs the queue.
func NewQueue(cfg ServiceConfig) (*Queue, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opQueueNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opQueueNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	limit := cfg.Limit
	if limit <= 0 {
		limit = 1000
	}
	retryBudget := cfg.RetryBudget
	if retryBudget <= 0 {
		retryBudget = 8
	}
	return &Queue{
		db:          cfg.Database,
		clock:       clock,
		idProvider:  cfg.IDProvider,
		logger:      logger,
		limit:       limit,
		retryBudget: retryBudget,
	}, nil
}

// Enqueue records an offline mutation. For toggle types, a pending operation
// on the same (user, target, semantic type) is collapsed instead of stacked:
// the pair nets out to a no-op and both entries disappear. collapsed=true and
// a nil operation report that case.
func (q *Queue) Enqueue(ctx context.Context, userID string, opType OperationType, payload any) (*Operation, bool, error) {
	if userID == "" {
		return nil, false, newServiceError(opEnqueue, "missing_user_id", ErrInvalidOperation)
	}
	payloadJSON, targetKey, err := EncodePayload(opType, payload)
	if err != nil {
		return nil, false, newServiceError(opEnqueue, "invalid_payload", err)
	}

	var enqueued *Operation
	collapsed := false
	txErr := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if opType.IsToggle() {
			var existing Operation
			err := tx.
				Where("user_id = ? AND target_key = ? AND status IN ?",
					userID, targetKey, []string{string(StatusPending), string(StatusFailed)}).
				Take(&existing).Error
			if err == nil {
				if err := tx.Delete(&Operation{}, "id = ?", existing.ID).Error; err != nil {
					return newServiceError(opEnqueue, "supersede_failed", err)
				}
				collapsed = true
				return nil
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return newServiceError(opEnqueue, "supersede_lookup_failed", err)
			}
		}

		if err := q.reserveSlot(tx, userID); err != nil {
			return err
		}

		id, err := q.idProvider.NewID()
		if err != nil {
			return newServiceError(opEnqueue, "id_generation_failed", err)
		}
		op := Operation{
			ID:               id,
			UserID:           userID,
			Type:             string(opType),
			Status:           string(StatusPending),
			TargetKey:        targetKey,
			PayloadJSON:      payloadJSON,
			CreatedAtSeconds: q.clock().UTC().Unix(),
		}
		if err := tx.Create(&op).Error; err != nil {
			return newServiceError(opEnqueue, "insert_failed", err)
		}
		enqueued = &op
		return nil
	})
	if txErr != nil {
		return nil, false, txErr
	}

	if collapsed {
		q.logger.Debug("toggle collapsed to net no-op",
			zap.String("user_id", userID),
			zap.String("target_key", targetKey))
	}
	return enqueued, collapsed, nil
}

// reserveSlot enforces the per-user bound. When full, the oldest frozen
// (retry-exhausted) operation is evicted; pending work is never dropped.
func (q *Queue) reserveSlot(tx *gorm.DB, userID string) error {
	var count int64
	if err := tx.Model(&Operation{}).Where("user_id = ?", userID).Count(&count).Error; err != nil {
		return newServiceError(opEnqueue, "count_failed", err)
	}
	if count < int64(q.limit) {
		return nil
	}

	var frozen Operation
	err := tx.
		Where("user_id = ? AND status = ? AND retry_count >= ?",
			userID, string(StatusFailed), q.retryBudget).
		Order("created_at_s ASC, id ASC").
		Take(&frozen).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return newServiceError(opEnqueue, "queue_full", ErrQueueFull)
	}
	if err != nil {
		return newServiceError(opEnqueue, "eviction_lookup_failed", err)
	}
	if err := tx.Delete(&Operation{}, "id = ?", frozen.ID).Error; err != nil {
		return newServiceError(opEnqueue, "eviction_failed", err)
	}
	q.logger.Warn("queue full, evicted oldest frozen operation",
		zap.String("user_id", userID),
		zap.String("operation_id", frozen.ID))
	return nil
}

// Pending returns every live queue entry for the user in creation order.
func (q *Queue) Pending(userID string) ([]Operation, error) {
	var ops []Operation
	if err := q.db.
		Where("user_id = ? AND status IN ?", userID,
			[]string{string(StatusPending), string(StatusInFlight), string(StatusFailed)}).
		Order("created_at_s ASC, id ASC").
		Find(&ops).Error; err != nil {
		return nil, newServiceError(opListPending, "query_failed", err)
	}
	return ops, nil
}

// Due returns the operations eligible for replay now: pending entries plus
// failed entries whose backoff has elapsed and whose retry budget remains.
func (q *Queue) Due(userID string, now time.Time) ([]Operation, error) {
	nowSeconds := now.UTC().Unix()
	var ops []Operation
	err := q.db.
		Where("user_id = ?", userID).
		Where(
			q.db.Where("status = ?", string(StatusPending)).
				Or("status = ? AND retry_count < ? AND next_retry_s <= ?",
					string(StatusFailed), q.retryBudget, nowSeconds),
		).
		Order("created_at_s ASC, id ASC").
		Find(&ops).Error
	if err != nil {
		return nil, newServiceError(opListPending, "query_failed", err)
	}
	return ops, nil
}

// NeedsAttention returns frozen operations: retry budget exhausted, waiting
// for explicit user action.
func (q *Queue) NeedsAttention(userID string) ([]Operation, error) {
	var ops []Operation
	if err := q.db.
		Where("user_id = ? AND status = ? AND retry_count >= ?",
			userID, string(StatusFailed), q.retryBudget).
		Order("created_at_s ASC, id ASC").
		Find(&ops).Error; err != nil {
		return nil, newServiceError(opListPending, "query_failed", err)
	}
	return ops, nil
}

// MarkInFlight transitions an operation to in_flight for the current replay.
func (q *Queue) MarkInFlight(id string) error {
	return q.transition(id, map[string]any{"status": string(StatusInFlight)})
}

// MarkPending returns an aborted in-flight operation to pending so the next
// drain cycle retries it. Used when connectivity drops mid-replay.
func (q *Queue) MarkPending(id string) error {
	return q.transition(id, map[string]any{"status": string(StatusPending)})
}

// MarkCompleted removes a successfully replayed operation.
func (q *Queue) MarkCompleted(id string) error {
	if err := q.db.Delete(&Operation{}, "id = ?", id).Error; err != nil {
		return newServiceError(opTransition, "delete_failed", err)
	}
	return nil
}

// MarkFailed records a replay failure and schedules the capped-backoff retry.
// Past the retry budget the operation freezes until the user acts on it.
func (q *Queue) MarkFailed(id string, cause error) error {
	var op Operation
	if err := q.db.Where("id = ?", id).Take(&op).Error; err != nil {
		return newServiceError(opTransition, "lookup_failed", err)
	}

	retryCount := op.RetryCount + 1
	updates := map[string]any{
		"status":      string(StatusFailed),
		"retry_count": retryCount,
		"last_error":  errorText(cause),
	}
	if retryCount < q.retryBudget {
		updates["next_retry_s"] = q.clock().UTC().Add(RetryDelay(retryCount)).Unix()
	} else {
		q.logger.Warn("operation frozen after exhausting retry budget",
			zap.String("operation_id", id),
			zap.String("op_type", op.Type),
			zap.Int("retries", retryCount))
	}
	return q.transition(id, updates)
}

// Discard removes an operation by explicit user action. The only path that
// drops a frozen entry.
func (q *Queue) Discard(id string) error {
	return q.MarkCompleted(id)
}

// CancelTarget removes any not-in-flight operation on a target key. Used when
// a later local action makes the queued one moot, e.g. deleting a comment
// whose offline add never replayed.
func (q *Queue) CancelTarget(userID, targetKey string) error {
	err := q.db.
		Where("user_id = ? AND target_key = ? AND status IN ?",
			userID, targetKey, []string{string(StatusPending), string(StatusFailed)}).
		Delete(&Operation{}).Error
	if err != nil {
		return newServiceError(opTransition, "cancel_failed", err)
	}
	return nil
}

func (q *Queue) transition(id string, updates map[string]any) error {
	result := q.db.Model(&Operation{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return newServiceError(opTransition, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return newServiceError(opTransition, "not_found", gorm.ErrRecordNotFound)
	}
	return nil
}

// RetryDelay computes the capped exponential backoff for the given attempt.
func RetryDelay(retryCount int) time.Duration {
	delay := retryBaseDelay
	for i := 1; i < retryCount && delay < retryMaxDelay; i++ {
		delay *= 2
	}
	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}
	return delay
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
