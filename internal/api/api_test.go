package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/toolhunt/toolhunt/internal/config"
	"github.com/toolhunt/toolhunt/internal/db"
	"github.com/toolhunt/toolhunt/internal/db/models"
	"github.com/toolhunt/toolhunt/internal/tasks"
	"github.com/toolhunt/toolhunt/internal/vault"
)

type stubUpstream struct{}

func (stubUpstream) PutAnnotations(ctx context.Context, toolName string, payload map[string]any, bearer string) (map[string]any, error) {
	return payload, nil
}

type stubTokens struct{}

func (stubTokens) GetValidToken(ctx context.Context, userID string) (*vault.Token, error) {
	return &vault.Token{AccessToken: "access-1"}, nil
}

func newTestServer(t *testing.T) (*Server, *gorm.DB) {
	t.Helper()
	gdb, err := db.InitDB(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("init db: %v", err)
	}

	cfg := &config.Settings{
		SessionSecret: "test-session-secret",
		Annotations:   []string{"icon", "wikidata_qid"},
	}
	svc := tasks.NewService(gdb, stubUpstream{}, stubTokens{}, tasks.Options{
		Cooldown:         24 * time.Hour,
		FilteredCooldown: 20 * time.Minute,
		DevMode:          true,
		Annotations:      cfg.Annotations,
	}, zerolog.Nop())

	return NewServer(gdb, svc, nil, nil, nil, nil, cfg, zerolog.Nop()), gdb
}

func seedToolWithTask(t *testing.T, gdb *gorm.DB, name, field string) models.Task {
	t.Helper()
	if err := gdb.FirstOrCreate(&models.Tool{
		Name:        name,
		Title:       "Title of " + name,
		Description: "desc",
		URL:         "https://example.org/" + name,
		LastUpdated: time.Now(),
	}).Error; err != nil {
		t.Fatalf("seed tool: %v", err)
	}
	task := models.Task{ToolName: name, Field: field, LastUpdated: time.Now()}
	if err := gdb.Create(&task).Error; err != nil {
		t.Fatalf("seed task: %v", err)
	}
	return task
}

func doRequest(t *testing.T, s *Server, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func sessionFor(t *testing.T, s *Server, gdb *gorm.DB, userID, username string) *http.Cookie {
	t.Helper()
	if err := gdb.Create(&models.User{ID: userID, Username: username}).Error; err != nil {
		t.Fatalf("seed user: %v", err)
	}
	signed, err := s.signSession(userID)
	if err != nil {
		t.Fatalf("sign session: %v", err)
	}
	return &http.Cookie{Name: sessionCookie, Value: signed}
}

func TestListTasks_ReturnsTaskViews(t *testing.T) {
	s, gdb := newTestServer(t)
	seedToolWithTask(t, gdb, "t1", "icon")

	rec := doRequest(t, s, httptest.NewRequest(http.MethodGet, "/api/tasks?limit=5", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}

	var views []taskView
	if err := json.Unmarshal(rec.Body.Bytes(), &views); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(views) != 1 || views[0].Field != "icon" || views[0].Tool.Name != "t1" {
		t.Fatalf("views = %+v", views)
	}
}

func TestListTasks_EmptyPoolIs404(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(t, s, httptest.NewRequest(http.MethodGet, "/api/tasks", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestListTasks_LimitValidation(t *testing.T) {
	s, _ := newTestServer(t)

	for _, raw := range []string{"0", "21", "abc"} {
		rec := doRequest(t, s, httptest.NewRequest(http.MethodGet, "/api/tasks?limit="+raw, nil))
		if rec.Code != http.StatusUnprocessableEntity {
			t.Errorf("limit=%s: status = %d, want 422", raw, rec.Code)
		}
	}
}

func TestGetTask_NotFound(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(t, s, httptest.NewRequest(http.MethodGet, "/api/tasks/12345", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestSubmitTask_RequiresSession(t *testing.T) {
	s, gdb := newTestServer(t)
	task := seedToolWithTask(t, gdb, "t1", "icon")

	body := `{"tool_name":"t1","tool_title":"T1","field":"icon","value":"x","completed_date":"2024-06-01T12:00:00Z"}`
	url := "/api/tasks/" + itoa(task.ID) + "/submit"

	rec := doRequest(t, s, httptest.NewRequest(http.MethodPost, url, strings.NewReader(body)))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no cookie: status = %d, want 401", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, url, strings.NewReader(body))
	req.AddCookie(&http.Cookie{Name: sessionCookie, Value: "not-a-jwt"})
	rec = doRequest(t, s, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("garbage session: status = %d, want 401", rec.Code)
	}
}

func TestSubmitTask_RecordsContribution(t *testing.T) {
	s, gdb := newTestServer(t)
	task := seedToolWithTask(t, gdb, "t1", "icon")
	cookie := sessionFor(t, s, gdb, "u1", "alice")

	body := `{"tool_name":"t1","tool_title":"T1","field":"icon","value":"x","completed_date":"2024-06-01T12:00:00Z"}`
	req := httptest.NewRequest(http.MethodPost, "/api/tasks/"+itoa(task.ID)+"/submit", strings.NewReader(body))
	req.AddCookie(cookie)

	rec := doRequest(t, s, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}

	var resp struct {
		Message         string `json:"message"`
		CompletedTaskID uint   `json:"completed_task_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.CompletedTaskID == 0 || resp.Message == "" {
		t.Fatalf("resp = %+v", resp)
	}

	var count int64
	gdb.Model(&models.CompletedTask{}).Where("user = ?", "alice").Count(&count)
	if count != 1 {
		t.Fatalf("ledger rows for alice = %d, want 1", count)
	}
}

func TestSubmitTask_UnknownFieldIs422(t *testing.T) {
	s, gdb := newTestServer(t)
	task := seedToolWithTask(t, gdb, "t1", "icon")
	cookie := sessionFor(t, s, gdb, "u1", "alice")

	body := `{"tool_name":"t1","field":"bogus","value":"x","completed_date":"2024-06-01T12:00:00Z"}`
	req := httptest.NewRequest(http.MethodPost, "/api/tasks/"+itoa(task.ID)+"/submit", strings.NewReader(body))
	req.AddCookie(cookie)

	rec := doRequest(t, s, req)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}
}

func TestRequireUser_StaleSessionForMissingUser(t *testing.T) {
	s, _ := newTestServer(t)

	// Signed with the right secret but the user row no longer exists.
	signed, err := s.signSession("gone")
	if err != nil {
		t.Fatalf("sign session: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/user", nil)
	req.AddCookie(&http.Cookie{Name: sessionCookie, Value: signed})

	rec := doRequest(t, s, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestCurrentUser(t *testing.T) {
	s, gdb := newTestServer(t)
	cookie := sessionFor(t, s, gdb, "u1", "alice")

	req := httptest.NewRequest(http.MethodGet, "/api/user", nil)
	req.AddCookie(cookie)

	rec := doRequest(t, s, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["username"] != "alice" || resp["id"] != "u1" {
		t.Fatalf("resp = %v", resp)
	}
}

func TestListFields(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(t, s, httptest.NewRequest(http.MethodGet, "/api/fields", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var fields []string
	if err := json.Unmarshal(rec.Body.Bytes(), &fields); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(fields) != 2 || fields[0] != "icon" {
		t.Fatalf("fields = %v", fields)
	}
}

func TestContributions_ParamValidation(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(t, s, httptest.NewRequest(http.MethodGet, "/api/metrics/contributions?days=-3", nil))
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}

	rec = doRequest(t, s, httptest.NewRequest(http.MethodGet, "/api/metrics/contributions", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func itoa(n uint) string {
	return strconv.FormatUint(uint64(n), 10)
}
