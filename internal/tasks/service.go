// Package tasks hands out unclaimed work items to contributors and retires
// them on submission. Collision avoidance is the cooldown stamp on
// last_attempted: probabilistic, not a hard lock, and always subordinate to
// the reconciliation sweep.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/toolhunt/toolhunt/internal/apperr"
	"github.com/toolhunt/toolhunt/internal/db/models"
	"github.com/toolhunt/toolhunt/internal/vault"
)

// ReportFields are the boolean status flags a submission may set instead of
// filling an annotation. They are always accepted regardless of the
// configured allow-list.
var ReportFields = map[string]bool{
	"deprecated":   true,
	"experimental": true,
}

// Upstream is the slice of the catalog client the service needs for the
// post-commit annotation push.
type Upstream interface {
	PutAnnotations(ctx context.Context, toolName string, payload map[string]any, bearer string) (map[string]any, error)
}

// TokenSource yields a valid upstream token for a user. Satisfied by
// *vault.Vault.
type TokenSource interface {
	GetValidToken(ctx context.Context, userID string) (*vault.Token, error)
}

// Options tunes selection behavior.
type Options struct {
	// Cooldown excludes recently claimed tasks from unfiltered selection.
	Cooldown time.Duration
	// FilteredCooldown applies instead when field or tool filters are active.
	FilteredCooldown time.Duration
	// DevMode disables the cooldown filter entirely.
	DevMode bool
	// Annotations is the allow-list of fields accepted in submissions.
	Annotations []string
}

// Service implements task selection and submission.
type Service struct {
	db       *gorm.DB
	upstream Upstream
	tokens   TokenSource
	opts     Options
	allowed  map[string]bool
	log      zerolog.Logger
	now      func() time.Time

	pushTimeout time.Duration
	pushWG      sync.WaitGroup
}

// NewService wires the assignment service.
func NewService(db *gorm.DB, upstream Upstream, tokens TokenSource, opts Options, log zerolog.Logger) *Service {
	allowed := make(map[string]bool, len(opts.Annotations))
	for _, f := range opts.Annotations {
		allowed[f] = true
	}
	return &Service{
		db:          db,
		upstream:    upstream,
		tokens:      tokens,
		opts:        opts,
		allowed:     allowed,
		log:         log.With().Str("component", "tasks").Logger(),
		now:         time.Now,
		pushTimeout: 30 * time.Second,
	}
}

// SelectOptions filters and sizes one selection call.
type SelectOptions struct {
	Fields    []string
	Tools     []string
	Limit     int
	Randomize bool
}

// Select returns up to Limit unclaimed tasks and stamps each one as claimed
// (last_attempted = now, times_attempted incremented) before the caller sees
// the list. That stamp is what the next call's cooldown filter observes. An
// empty result is valid; the caller decides whether it is an error.
func (s *Service) Select(ctx context.Context, opts SelectOptions) ([]models.Task, error) {
	if opts.Limit <= 0 {
		opts.Limit = 10
	}

	query := s.db.WithContext(ctx).Model(&models.Task{}).
		Joins("JOIN tools ON tools.name = tasks.tool_name").
		Where("tools.deprecated = ? AND tools.experimental = ?", false, false).
		Preload("Tool")

	filtered := len(opts.Fields) > 0 || len(opts.Tools) > 0
	if len(opts.Fields) > 0 {
		query = query.Where("tasks.field IN ?", opts.Fields)
	}
	if len(opts.Tools) > 0 {
		query = query.Where("tasks.tool_name IN ?", opts.Tools)
	}

	if !s.opts.DevMode {
		window := s.opts.Cooldown
		if filtered {
			window = s.opts.FilteredCooldown
		}
		cutoff := s.now().Add(-window)
		query = query.Where("tasks.last_attempted IS NULL OR tasks.last_attempted < ?", cutoff)
	}

	var eligible []models.Task
	if err := query.Find(&eligible).Error; err != nil {
		return nil, fmt.Errorf("select tasks: %w", err)
	}
	if len(eligible) == 0 {
		return nil, nil
	}

	// Ties are broken by random sampling without replacement, capped at the
	// requested count.
	if opts.Randomize {
		rand.Shuffle(len(eligible), func(i, j int) {
			eligible[i], eligible[j] = eligible[j], eligible[i]
		})
	}
	if len(eligible) > opts.Limit {
		eligible = eligible[:opts.Limit]
	}

	if err := s.stampClaims(ctx, eligible); err != nil {
		return nil, fmt.Errorf("stamp claims: %w", err)
	}
	return eligible, nil
}

func (s *Service) stampClaims(ctx context.Context, tasks []models.Task) error {
	ids := make([]uint, 0, len(tasks))
	for i := range tasks {
		ids = append(ids, tasks[i].ID)
	}
	claimedAt := s.now()
	err := s.db.WithContext(ctx).Model(&models.Task{}).
		Where("id IN ?", ids).
		Updates(map[string]any{
			"last_attempted":  claimedAt,
			"times_attempted": gorm.Expr("times_attempted + 1"),
		}).Error
	if err != nil {
		return err
	}
	for i := range tasks {
		at := claimedAt
		tasks[i].LastAttempted = &at
		tasks[i].TimesAttempted++
	}
	return nil
}

// Get returns a single task with its tool.
func (s *Service) Get(ctx context.Context, id uint) (*models.Task, error) {
	var task models.Task
	err := s.db.WithContext(ctx).Preload("Tool").First(&task, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("task %d: %w", id, apperr.ErrNotFound)
		}
		return nil, fmt.Errorf("get task %d: %w", id, err)
	}
	return &task, nil
}

// ToolSummary is the grouped name/title listing for the tool picker: each
// title maps to the tool names sharing it.
type ToolSummary struct {
	AllTitles []string            `json:"all_titles"`
	Titles    map[string][]string `json:"titles"`
}

// GetAllToolsSummary lists non-deprecated, non-experimental tools grouped by
// title.
func (s *Service) GetAllToolsSummary(ctx context.Context) (*ToolSummary, error) {
	var tools []models.Tool
	err := s.db.WithContext(ctx).
		Select("name", "title").
		Where("deprecated = ? AND experimental = ?", false, false).
		Order("name").
		Find(&tools).Error
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}

	summary := &ToolSummary{Titles: make(map[string][]string)}
	for _, t := range tools {
		if _, seen := summary.Titles[t.Title]; !seen {
			summary.AllTitles = append(summary.AllTitles, t.Title)
		}
		summary.Titles[t.Title] = append(summary.Titles[t.Title], t.Name)
	}
	return summary, nil
}

// Wait blocks until all in-flight background pushes finish. Used on shutdown
// and in tests.
func (s *Service) Wait() {
	s.pushWG.Wait()
}
