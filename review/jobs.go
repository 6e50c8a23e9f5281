package review

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"atlas.crawlops.org/db"
)

// JobStatus tracks one asynchronous bulk operation. Long-running
// operations write progress every batch; consumers poll JobStatus.
type JobStatus struct {
	JobID        string               `json:"job_id"`
	Status       string               `json:"status"` // pending, processing, completed, failed
	Operation    string               `json:"operation"`
	Total        int                  `json:"total"`
	Processed    int                  `json:"processed"`
	Success      int                  `json:"success"`
	Failed       int                  `json:"failed"`
	ReviewerID   string               `json:"reviewer_id"`
	StartedAt    time.Time            `json:"started_at"`
	CompletedAt  *time.Time           `json:"completed_at,omitempty"`
	ErrorMessage string               `json:"error_message,omitempty"`
	Result       *BulkOperationResult `json:"result,omitempty"`
}

// CreateBulkJob registers a new job record and returns its id.
func (s *Service) CreateBulkJob(ctx context.Context, operation string, total int, reviewerID string) (string, error) {
	now := s.clock()
	jobID := fmt.Sprintf("bulk_%s_%s_%s", operation, now.Format("20060102_150405"), uuid.NewString()[:8])

	_, err := s.store.Collection(db.ColBulkJobs).InsertOne(ctx, db.Document{
		"job_id":      jobID,
		"status":      "pending",
		"operation":   operation,
		"total":       total,
		"processed":   0,
		"success":     0,
		"failed":      0,
		"reviewer_id": reviewerID,
		"started_at":  now,
	})
	if err != nil {
		return "", err
	}
	return jobID, nil
}

// UpdateBulkJob records progress or completion for a job.
func (s *Service) UpdateBulkJob(
	ctx context.Context,
	jobID string,
	processed, success, failed int,
	status, errorMessage string,
	result *BulkOperationResult,
) error {
	update := db.Document{
		"processed": processed,
		"success":   success,
		"failed":    failed,
		"status":    status,
	}
	if status == "completed" || status == "failed" {
		update["completed_at"] = s.clock()
	}
	if errorMessage != "" {
		update["error_message"] = errorMessage
	}
	if result != nil {
		update["result"] = db.Document{
			"total":      result.Total,
			"success":    result.Success,
			"failed":     result.Failed,
			"failed_ids": result.FailedIDs,
			"errors":     result.Errors,
		}
	}

	_, err := s.store.Collection(db.ColBulkJobs).UpdateOne(ctx,
		db.Document{"job_id": jobID},
		db.Document{"$set": update},
	)
	return err
}

// GetBulkJobStatus loads one job by id, or nil when unknown.
func (s *Service) GetBulkJobStatus(ctx context.Context, jobID string) (*JobStatus, error) {
	doc, err := s.store.Collection(db.ColBulkJobs).FindOne(ctx, db.Document{"job_id": jobID})
	if err != nil || doc == nil {
		return nil, err
	}

	job := &JobStatus{
		JobID:        fmt.Sprint(doc["job_id"]),
		Status:       fmt.Sprint(doc["status"]),
		Operation:    fmt.Sprint(doc["operation"]),
		Total:        intOf(doc["total"]),
		Processed:    intOf(doc["processed"]),
		Success:      intOf(doc["success"]),
		Failed:       intOf(doc["failed"]),
		ReviewerID:   stringOr(doc["reviewer_id"]),
		ErrorMessage: stringOr(doc["error_message"]),
	}
	if t, ok := doc["started_at"].(time.Time); ok {
		job.StartedAt = t
	}
	if t, ok := doc["completed_at"].(time.Time); ok {
		job.CompletedAt = &t
	}
	if raw, ok := doc["result"].(db.Document); ok {
		job.Result = &BulkOperationResult{
			Total:   intOf(raw["total"]),
			Success: intOf(raw["success"]),
			Failed:  intOf(raw["failed"]),
		}
	}
	return job, nil
}

// RunBulkApproveJob executes a bulk approval under a tracked job,
// updating progress after every slice of 100.
func (s *Service) RunBulkApproveJob(ctx context.Context, jobID string, reviewIDs []string, reviewerID, comment string) (*BulkOperationResult, error) {
	if err := s.UpdateBulkJob(ctx, jobID, 0, 0, 0, "processing", "", nil); err != nil {
		return nil, err
	}

	total := &BulkOperationResult{Total: len(reviewIDs)}
	processed := 0

	for i := 0; i < len(reviewIDs); i += batchSize {
		end := i + batchSize
		if end > len(reviewIDs) {
			end = len(reviewIDs)
		}
		batch := s.BulkApprove(ctx, reviewIDs[i:end], reviewerID, comment)
		total.Success += batch.Success
		total.Failed += batch.Failed
		total.FailedIDs = append(total.FailedIDs, batch.FailedIDs...)
		total.Errors = append(total.Errors, batch.Errors...)
		processed = end

		if err := s.UpdateBulkJob(ctx, jobID, processed, total.Success, total.Failed, "processing", "", nil); err != nil {
			return total, err
		}
	}

	err := s.UpdateBulkJob(ctx, jobID, processed, total.Success, total.Failed, "completed", "", total)
	return total, err
}

func intOf(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int32:
		return int(n)
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
