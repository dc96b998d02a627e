package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/toolhunt/toolhunt/internal/db"
	"github.com/toolhunt/toolhunt/internal/db/models"
	"github.com/toolhunt/toolhunt/internal/toolhub"
)

type fakeCatalog struct {
	records []toolhub.ToolRecord
	err     error
}

func (f *fakeCatalog) ListAll(ctx context.Context) ([]toolhub.ToolRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.records, nil
}

func record(t *testing.T, doc string) toolhub.ToolRecord {
	t.Helper()
	var rec toolhub.ToolRecord
	if err := json.Unmarshal([]byte(doc), &rec); err != nil {
		t.Fatalf("unmarshal record: %v", err)
	}
	return rec
}

func newTestEngine(t *testing.T, catalog Catalog) (*Engine, *gorm.DB) {
	t.Helper()
	gdb, err := db.InitDB(filepath.Join(t.TempDir(), "reconcile.db"))
	if err != nil {
		t.Fatalf("init db: %v", err)
	}
	engine := New(gdb, catalog, []string{"icon", "wikidata_qid", "audiences"}, zerolog.Nop())

	// Stepping clock: each pass gets a strictly later, sub-second-precision
	// safe timestamp regardless of how the store rounds.
	clock := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	engine.now = func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}
	return engine, gdb
}

func taskPairs(t *testing.T, gdb *gorm.DB) []string {
	t.Helper()
	var tasks []models.Task
	if err := gdb.Order("tool_name, field").Find(&tasks).Error; err != nil {
		t.Fatalf("load tasks: %v", err)
	}
	pairs := make([]string, 0, len(tasks))
	for _, task := range tasks {
		pairs = append(pairs, task.ToolName+"/"+task.Field)
	}
	return pairs
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	sort.Strings(a)
	sort.Strings(b)
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestRun_CreatesTasksForMissingAnnotations(t *testing.T) {
	catalog := &fakeCatalog{records: []toolhub.ToolRecord{
		record(t, `{"name":"t1","title":"T1","description":"d","url":"u",
			"annotations":{"icon":null,"wikidata_qid":"","audiences":["dev"]}}`),
	}}
	engine, gdb := newTestEngine(t, catalog)

	stats, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.ToolsKept != 1 || stats.TasksStamped != 2 {
		t.Fatalf("stats = %+v, want 1 tool kept, 2 tasks stamped", stats)
	}

	got := taskPairs(t, gdb)
	want := []string{"t1/icon", "t1/wikidata_qid"}
	if !equalStrings(got, want) {
		t.Fatalf("tasks = %v, want %v", got, want)
	}
}

func TestRun_IsIdempotent(t *testing.T) {
	catalog := &fakeCatalog{records: []toolhub.ToolRecord{
		record(t, `{"name":"t1","title":"T1","description":"d","url":"u","annotations":{"icon":null}}`),
		record(t, `{"name":"t2","title":"T2","description":"d","url":"u","annotations":{"wikidata_qid":null}}`),
	}}
	engine, gdb := newTestEngine(t, catalog)
	ctx := context.Background()

	if _, err := engine.Run(ctx); err != nil {
		t.Fatalf("first pass: %v", err)
	}
	firstTasks := taskPairs(t, gdb)

	var firstStamp models.Tool
	if err := gdb.First(&firstStamp, "name = ?", "t1").Error; err != nil {
		t.Fatalf("load tool: %v", err)
	}

	stats, err := engine.Run(ctx)
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if stats.ToolsSwept != 0 || stats.TasksSwept != 0 {
		t.Fatalf("unchanged upstream must sweep nothing, stats = %+v", stats)
	}

	secondTasks := taskPairs(t, gdb)
	if !equalStrings(firstTasks, secondTasks) {
		t.Fatalf("task set changed across identical passes: %v vs %v", firstTasks, secondTasks)
	}

	var secondStamp models.Tool
	if err := gdb.First(&secondStamp, "name = ?", "t1").Error; err != nil {
		t.Fatalf("load tool: %v", err)
	}
	if !secondStamp.LastUpdated.After(firstStamp.LastUpdated) {
		t.Error("last_updated should advance on every pass")
	}

	// The uniqueness invariant holds under repeated reconciliation.
	var count int64
	gdb.Model(&models.Task{}).Where("tool_name = ? AND field = ?", "t1", "icon").Count(&count)
	if count != 1 {
		t.Fatalf("expected exactly one (t1, icon) task, got %d", count)
	}
}

func TestRun_DropsDeprecatedAndExperimental(t *testing.T) {
	catalog := &fakeCatalog{records: []toolhub.ToolRecord{
		record(t, `{"name":"dep","deprecated":true,"annotations":{"icon":null}}`),
		record(t, `{"name":"dep-nested","annotations":{"deprecated":true,"icon":null}}`),
		record(t, `{"name":"exp","experimental":true,"annotations":{"icon":null}}`),
		record(t, `{"name":"complete","annotations":{"icon":"set","wikidata_qid":"Q1","audiences":["a"]}}`),
		record(t, `{"name":"keep","title":"K","description":"d","url":"u","annotations":{"icon":null}}`),
	}}
	engine, gdb := newTestEngine(t, catalog)

	if _, err := engine.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var tools []models.Tool
	gdb.Find(&tools)
	if len(tools) != 1 || tools[0].Name != "keep" {
		t.Fatalf("only 'keep' should survive, got %+v", tools)
	}
	if got := taskPairs(t, gdb); !equalStrings(got, []string{"keep/icon"}) {
		t.Fatalf("tasks = %v", got)
	}
}

func TestRun_SweepsClosedGapsAndVanishedTools(t *testing.T) {
	catalog := &fakeCatalog{records: []toolhub.ToolRecord{
		record(t, `{"name":"t1","title":"T1","description":"d","url":"u","annotations":{"icon":null,"wikidata_qid":null}}`),
		record(t, `{"name":"t2","title":"T2","description":"d","url":"u","annotations":{"icon":null}}`),
	}}
	engine, gdb := newTestEngine(t, catalog)
	ctx := context.Background()

	if _, err := engine.Run(ctx); err != nil {
		t.Fatalf("first pass: %v", err)
	}

	// Upstream drift: t1's icon gap closed, t2 disappeared entirely.
	catalog.records = []toolhub.ToolRecord{
		record(t, `{"name":"t1","title":"T1","description":"d","url":"u","annotations":{"icon":"set","wikidata_qid":null}}`),
	}

	stats, err := engine.Run(ctx)
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if stats.ToolsSwept != 1 {
		t.Errorf("ToolsSwept = %d, want 1", stats.ToolsSwept)
	}

	if got := taskPairs(t, gdb); !equalStrings(got, []string{"t1/wikidata_qid"}) {
		t.Fatalf("tasks = %v, want only t1/wikidata_qid", got)
	}
	var count int64
	gdb.Model(&models.Tool{}).Count(&count)
	if count != 1 {
		t.Fatalf("tool count = %d, want 1", count)
	}
}

func TestRun_LocallyReportedFlagSweepsTasksAndSurvivesUpsert(t *testing.T) {
	catalog := &fakeCatalog{records: []toolhub.ToolRecord{
		record(t, `{"name":"t1","title":"T1","description":"d","url":"u","annotations":{"icon":null,"wikidata_qid":null}}`),
	}}
	engine, gdb := newTestEngine(t, catalog)
	ctx := context.Background()

	if _, err := engine.Run(ctx); err != nil {
		t.Fatalf("first pass: %v", err)
	}

	// A contributor reported the tool deprecated; upstream does not yet agree.
	if err := gdb.Model(&models.Tool{}).Where("name = ?", "t1").
		Update("deprecated", true).Error; err != nil {
		t.Fatalf("flag tool: %v", err)
	}

	if _, err := engine.Run(ctx); err != nil {
		t.Fatalf("second pass: %v", err)
	}

	if got := taskPairs(t, gdb); len(got) != 0 {
		t.Fatalf("reported tool must lose all tasks, still has %v", got)
	}
	var tool models.Tool
	if err := gdb.First(&tool, "name = ?", "t1").Error; err != nil {
		t.Fatalf("load tool: %v", err)
	}
	if !tool.Deprecated {
		t.Fatal("local deprecated flag must survive the upsert")
	}
}

func TestRun_SnapshotFailureAbortsWithoutSweeping(t *testing.T) {
	catalog := &fakeCatalog{records: []toolhub.ToolRecord{
		record(t, `{"name":"t1","title":"T1","description":"d","url":"u","annotations":{"icon":null}}`),
	}}
	engine, gdb := newTestEngine(t, catalog)
	ctx := context.Background()

	if _, err := engine.Run(ctx); err != nil {
		t.Fatalf("first pass: %v", err)
	}

	catalog.err = errors.New("upstream unreachable")
	if _, err := engine.Run(ctx); err == nil {
		t.Fatal("expected pass failure")
	}

	// Nothing was deleted by the aborted pass.
	if got := taskPairs(t, gdb); !equalStrings(got, []string{"t1/icon"}) {
		t.Fatalf("tasks after aborted pass = %v", got)
	}
}
