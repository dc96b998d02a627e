package tasks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/toolhunt/toolhunt/internal/apperr"
	"github.com/toolhunt/toolhunt/internal/db/models"
	"github.com/toolhunt/toolhunt/internal/toolhub"
)

// urlListFields are annotation fields the upstream API expects as a list of
// {language, url} objects.
var urlListFields = map[string]bool{
	"user_docs_url":      true,
	"developer_docs_url": true,
	"feedback_url":       true,
	"privacy_policy_url": true,
}

// Submission is one completed contribution.
type Submission struct {
	ToolName      string    `json:"tool_name"`
	ToolTitle     string    `json:"tool_title"`
	Field         string    `json:"field"`
	Value         any       `json:"value"`
	CompletedDate time.Time `json:"completed_date"`
}

// Actor identifies the contributor on whose behalf the upstream push runs.
type Actor struct {
	ID       string
	Username string
}

// Receipt acknowledges a recorded submission. Duplicate marks an idempotent
// resubmission: the ledger row already existed and nothing was re-done.
type Receipt struct {
	CompletedTaskID uint `json:"completed_task_id"`
	Duplicate       bool `json:"duplicate,omitempty"`
}

// Submit records a finished contribution. The ledger write, report flag
// update, and task deletion run in one transaction; the upstream annotation
// push runs after commit, best-effort, and its failure never unwinds the
// local record.
func (s *Service) Submit(ctx context.Context, taskID uint, sub Submission, actor Actor) (*Receipt, error) {
	if err := s.validate(sub); err != nil {
		return nil, err
	}
	isReport := ReportFields[sub.Field]

	// The task may already be gone, reclaimed by a concurrent reconciliation
	// sweep; that alone is fine. But if the tool itself vanished locally, the
	// work item no longer exists and the caller should re-select.
	var tool models.Tool
	toolExists := true
	if err := s.db.WithContext(ctx).First(&tool, "name = ?", sub.ToolName).Error; err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("load tool %s: %w", sub.ToolName, err)
		}
		toolExists = false
	}
	if !toolExists {
		var taskCount int64
		s.db.WithContext(ctx).Model(&models.Task{}).Where("id = ?", taskID).Count(&taskCount)
		if taskCount == 0 {
			return nil, fmt.Errorf("tool %s: %w", sub.ToolName, apperr.ErrNotFound)
		}
	}

	receipt := &Receipt{}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		completed := models.CompletedTask{
			ToolName:      sub.ToolName,
			ToolTitle:     sub.ToolTitle,
			Field:         sub.Field,
			User:          actor.Username,
			CompletedDate: sub.CompletedDate,
		}
		if err := tx.Create(&completed).Error; err != nil {
			if isUniqueViolation(err) {
				return apperr.ErrDuplicate
			}
			return fmt.Errorf("append ledger: %w", err)
		}
		receipt.CompletedTaskID = completed.ID

		// Reports flip the local flag directly; no upstream round trip is
		// needed for filtering, but the value is still forwarded upstream
		// after commit for consistency.
		if isReport && toolExists {
			flag, _ := sub.Value.(bool)
			if err := tx.Model(&models.Tool{}).Where("name = ?", sub.ToolName).
				Update(sub.Field, flag).Error; err != nil {
				return fmt.Errorf("apply %s report: %w", sub.Field, err)
			}
		}

		// Best-effort: the task may have been deleted by reconciliation while
		// the contributor worked. Absence is not an error.
		if err := tx.Where("id = ?", taskID).Delete(&models.Task{}).Error; err != nil {
			return fmt.Errorf("retire task %d: %w", taskID, err)
		}
		return nil
	})
	if errors.Is(err, apperr.ErrDuplicate) {
		// Retried submission: the original already recorded everything.
		s.log.Info().Str("tool", sub.ToolName).Str("field", sub.Field).
			Str("user", actor.Username).Msg("duplicate submission, treated as success")
		receipt.Duplicate = true
		return receipt, nil
	}
	if err != nil {
		return nil, err
	}

	s.pushWG.Add(1)
	go s.pushUpstream(sub, actor)

	return receipt, nil
}

func (s *Service) validate(sub Submission) error {
	if sub.ToolName == "" {
		return fmt.Errorf("tool_name is required: %w", apperr.ErrValidation)
	}
	if sub.CompletedDate.IsZero() {
		return fmt.Errorf("completed_date is required: %w", apperr.ErrValidation)
	}
	if !ReportFields[sub.Field] && !s.allowed[sub.Field] {
		return fmt.Errorf("unknown field %q: %w", sub.Field, apperr.ErrValidation)
	}
	if ReportFields[sub.Field] {
		if _, ok := sub.Value.(bool); !ok {
			return fmt.Errorf("field %q takes a boolean: %w", sub.Field, apperr.ErrValidation)
		}
	}
	return nil
}

// pushUpstream forwards the annotation value to the upstream registry as the
// actor. Fire-and-forget with logging: transient failures are retried with
// backoff here and never surfaced to the original caller; the local ledger is
// the durable record either way, and a lost write is re-detected as a fresh
// task by the next reconciliation pass.
func (s *Service) pushUpstream(sub Submission, actor Actor) {
	defer s.pushWG.Done()

	ctx, cancel := context.WithTimeout(context.Background(), s.pushTimeout)
	defer cancel()

	log := s.log.With().Str("tool", sub.ToolName).Str("field", sub.Field).
		Str("actor", actor.ID).Logger()

	token, err := s.tokens.GetValidToken(ctx, actor.ID)
	if err != nil {
		log.Error().Err(err).Msg("upstream push aborted: no usable credential")
		return
	}

	payload := buildAnnotationPayload(sub.Field, sub.Value)

	backoff := time.Second
	for attempt := 1; ; attempt++ {
		_, err = s.upstream.PutAnnotations(ctx, sub.ToolName, payload, token.AccessToken)
		if err == nil {
			log.Info().Msg("annotation pushed upstream")
			return
		}

		var ue *apperr.UpstreamError
		if errors.As(err, &ue) && !ue.Transient() {
			log.Error().Int("status", ue.Status).
				Str("body", toolhub.TruncateForLog(ue.Body, 512)).
				Msg("upstream rejected annotation, not retrying")
			return
		}
		if attempt >= 3 {
			log.Error().Err(err).Int("attempts", attempt).Msg("upstream push failed")
			return
		}

		select {
		case <-ctx.Done():
			log.Error().Err(ctx.Err()).Msg("upstream push timed out")
			return
		case <-time.After(backoff):
			backoff *= 2
		}
	}
}

// buildAnnotationPayload shapes the partial annotations document for the
// upstream PUT, wrapping URL-list fields the way the registry expects.
func buildAnnotationPayload(field string, value any) map[string]any {
	payload := map[string]any{
		"comment": fmt.Sprintf("Updated %s field using Toolhunt", field),
	}
	if urlListFields[field] {
		payload[field] = formatURLList(value)
	} else {
		payload[field] = value
	}
	return payload
}

func formatURLList(value any) []map[string]any {
	items, ok := value.([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, map[string]any{
			"language": m["language"],
			"url":      m["url"],
		})
	}
	return out
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
