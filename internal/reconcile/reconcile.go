// Package reconcile keeps the local Tool/Task tables a bounded-staleness
// mirror of what annotations are missing upstream. One Run is a full
// extract-transform-load pass; scheduling is the caller's problem, and
// concurrent passes are not a supported mode (single writer).
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/toolhunt/toolhunt/internal/db/models"
	"github.com/toolhunt/toolhunt/internal/toolhub"
)

// Catalog is the slice of the upstream client a pass needs.
type Catalog interface {
	ListAll(ctx context.Context) ([]toolhub.ToolRecord, error)
}

// Stats summarizes one pass for logging and the sync command.
type Stats struct {
	Start        time.Time
	Duration     time.Duration
	ToolsSeen    int
	ToolsKept    int
	TasksStamped int
	ToolsSwept   int64
	TasksSwept   int64
}

// Engine runs reconciliation passes.
type Engine struct {
	db          *gorm.DB
	catalog     Catalog
	annotations []string
	log         zerolog.Logger
	now         func() time.Time
}

// New creates an engine over the given store and upstream catalog. The
// annotations slice is the allow-list of fields that generate tasks.
func New(db *gorm.DB, catalog Catalog, annotations []string, log zerolog.Logger) *Engine {
	return &Engine{
		db:          db,
		catalog:     catalog,
		annotations: annotations,
		log:         log.With().Str("component", "reconcile").Logger(),
		now:         time.Now,
	}
}

// candidate is one upstream tool that survived the transform step: not
// deprecated, not experimental, and missing at least one allowed annotation.
type candidate struct {
	tool    models.Tool
	missing []string
}

// Run executes one full pass. Any error aborts the remaining steps without
// sweeping beyond what already committed; the next scheduled pass retries the
// whole reconciliation.
func (e *Engine) Run(ctx context.Context) (Stats, error) {
	start := e.now().UTC()
	stats := Stats{Start: start}
	e.log.Info().Time("pass_start", start).Msg("reconciliation pass starting")

	records, err := e.catalog.ListAll(ctx)
	if err != nil {
		return stats, fmt.Errorf("snapshot upstream catalog: %w", err)
	}
	stats.ToolsSeen = len(records)

	candidates := e.transform(records, start)
	stats.ToolsKept = len(candidates)

	if err := e.loadTools(ctx, candidates); err != nil {
		return stats, fmt.Errorf("load tools: %w", err)
	}
	stamped, err := e.loadTasks(ctx, candidates, start)
	if err != nil {
		return stats, fmt.Errorf("load tasks: %w", err)
	}
	stats.TasksStamped = stamped

	// Sweeps key on the pass start, not wall clock at delete time, so a row
	// stamped by this pass can never be swept by it.
	tasksSwept, err := e.sweepTasks(ctx, start)
	if err != nil {
		return stats, fmt.Errorf("sweep tasks: %w", err)
	}
	stats.TasksSwept = tasksSwept

	toolsSwept, err := e.sweepTools(ctx, start)
	if err != nil {
		return stats, fmt.Errorf("sweep tools: %w", err)
	}
	stats.ToolsSwept = toolsSwept

	stats.Duration = e.now().UTC().Sub(start)
	e.log.Info().
		Time("pass_start", start).
		Dur("duration", stats.Duration).
		Int("tools_seen", stats.ToolsSeen).
		Int("tools_kept", stats.ToolsKept).
		Int("tasks_stamped", stats.TasksStamped).
		Int64("tools_swept", stats.ToolsSwept).
		Int64("tasks_swept", stats.TasksSwept).
		Msg("reconciliation pass complete")
	return stats, nil
}

func (e *Engine) transform(records []toolhub.ToolRecord, passStart time.Time) []candidate {
	var out []candidate
	for _, rec := range records {
		if rec.IsDeprecated() || rec.IsExperimental() {
			continue
		}
		var missing []string
		for _, field := range e.annotations {
			if rec.MissingField(field) {
				missing = append(missing, field)
			}
		}
		if len(missing) == 0 {
			continue
		}
		out = append(out, candidate{
			tool: models.Tool{
				Name:        rec.Name,
				Title:       rec.Title,
				Description: rec.Description,
				URL:         rec.URL,
				LastUpdated: passStart,
			},
			missing: missing,
		})
	}
	return out
}

// loadTools upserts every surviving tool. The deprecated/experimental columns
// are deliberately left out of the conflict assignment: a locally reported
// flag must survive until the upstream record reflects it.
func (e *Engine) loadTools(ctx context.Context, candidates []candidate) error {
	if len(candidates) == 0 {
		return nil
	}
	tools := make([]models.Tool, 0, len(candidates))
	for _, c := range candidates {
		tools = append(tools, c.tool)
	}
	return e.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"title", "description", "url", "last_updated"}),
	}).CreateInBatches(tools, 200).Error
}

// loadTasks upserts one task per (tool, field) gap. Tools carrying a locally
// reported deprecated/experimental flag get no stamp, so their tasks fall to
// this pass's staleness sweep.
func (e *Engine) loadTasks(ctx context.Context, candidates []candidate, passStart time.Time) (int, error) {
	flagged, err := e.locallyFlagged(ctx)
	if err != nil {
		return 0, err
	}

	var tasks []models.Task
	for _, c := range candidates {
		if _, skip := flagged[c.tool.Name]; skip {
			continue
		}
		for _, field := range c.missing {
			tasks = append(tasks, models.Task{
				ToolName:    c.tool.Name,
				Field:       field,
				LastUpdated: passStart,
			})
		}
	}
	if len(tasks) == 0 {
		return 0, nil
	}

	err = e.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tool_name"}, {Name: "field"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_updated"}),
	}).CreateInBatches(tasks, 200).Error
	if err != nil {
		return 0, err
	}
	return len(tasks), nil
}

func (e *Engine) locallyFlagged(ctx context.Context) (map[string]struct{}, error) {
	var names []string
	err := e.db.WithContext(ctx).Model(&models.Tool{}).
		Where("deprecated = ? OR experimental = ?", true, true).
		Pluck("name", &names).Error
	if err != nil {
		return nil, err
	}
	flagged := make(map[string]struct{}, len(names))
	for _, n := range names {
		flagged[n] = struct{}{}
	}
	return flagged, nil
}

func (e *Engine) sweepTasks(ctx context.Context, passStart time.Time) (int64, error) {
	res := e.db.WithContext(ctx).Where("last_updated < ?", passStart).Delete(&models.Task{})
	return res.RowsAffected, res.Error
}

func (e *Engine) sweepTools(ctx context.Context, passStart time.Time) (int64, error) {
	res := e.db.WithContext(ctx).Where("last_updated < ?", passStart).Delete(&models.Tool{})
	return res.RowsAffected, res.Error
}
