package membership

import (
	"context"
	"log/slog"
	"time"

	"github.com/tenderdesk/orggov/internal/apperror"
	"github.com/tenderdesk/orggov/internal/audit"
	"github.com/tenderdesk/orggov/internal/telemetry"
)

// batch accumulates the outcome of one bulk operation while keeping its progress record current.
type batch struct {
	s         *Service
	operation string
	orgID     string
	start     time.Time
	progress  Progress
	result    *BulkResult
	steps     []RollbackStep
}

func (s *Service) startBatch(ctx context.Context, operation, orgID string, total int) *batch {
	id := s.newID()
	b := &batch{
		s:         s,
		operation: operation,
		orgID:     orgID,
		start:     time.Now(),
		progress: Progress{
			OperationID:      id,
			Total:            total,
			CurrentOperation: operation,
		},
		result: &BulkResult{OperationID: id, Errors: []ItemError{}},
	}
	b.saveProgress(ctx)
	return b
}

// record registers the outcome of one item. step is kept for rollback when the item succeeded.
func (b *batch) record(ctx context.Context, itemID string, err error, step *RollbackStep) {
	telemetry.BulkItemsTotal.WithLabelValues(b.operation, telemetry.Outcome(err)).Inc()

	if err != nil {
		e := apperror.From(err)
		if e.Code == apperror.CodeInternal {
			slog.Error("bulk item failed",
				"operation", b.operation,
				"operation_id", b.result.OperationID,
				"organization_id", b.orgID,
				"item", itemID,
				"error", err)
		}
		b.result.Failed++
		b.result.Errors = append(b.result.Errors, ItemError{ID: itemID, Error: e.Message, Code: e.Code})
	} else {
		b.result.Processed++
		if step != nil {
			b.steps = append(b.steps, *step)
		}
	}

	b.progress.Processed = b.result.Processed
	b.progress.Failed = b.result.Failed
	b.saveProgress(ctx)
}

// finish completes the progress record, stores the rollback plan, writes the aggregate audit
// entry and notifies the revalidation hook.
func (b *batch) finish(ctx context.Context, actorID string) *BulkResult {
	s := b.s
	res := b.result
	res.Success = res.Failed == 0

	if b.operation != OperationRollback && len(b.steps) > 0 {
		res.RollbackToken = s.saveRollback(ctx, &RollbackPlan{
			OperationID:    res.OperationID,
			Operation:      b.operation,
			OrganizationID: b.orgID,
			ActorID:        actorID,
			Steps:          b.steps,
			CreatedAt:      s.now(),
		})
	}

	b.progress.IsComplete = true
	b.saveProgress(ctx)

	summary := audit.BulkSummary{
		OperationID: res.OperationID,
		Operation:   b.operation,
		Total:       b.progress.Total,
		Processed:   res.Processed,
		Failed:      res.Failed,
	}
	if b.operation == OperationRollback {
		s.audit.LogBulkRollback(ctx, b.orgID, actorID, summary)
	} else {
		s.audit.LogBulkOperation(ctx, b.orgID, actorID, summary)
	}

	telemetry.BulkOperationDuration.WithLabelValues(b.operation).Observe(time.Since(b.start).Seconds())
	slog.Info("bulk operation completed",
		"operation", b.operation,
		"operation_id", res.OperationID,
		"organization_id", b.orgID,
		"processed", res.Processed,
		"failed", res.Failed)

	if res.Processed > 0 {
		s.changed(ctx, b.orgID)
	}
	return res
}

func (b *batch) saveProgress(ctx context.Context) {
	b.progress.UpdatedAt = b.s.now()
	if err := b.s.progress.SetProgress(ctx, b.progress); err != nil {
		slog.Warn("failed to update bulk progress", "operation_id", b.progress.OperationID, "error", err)
	}
}
