package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/guildforge/achievement-engine/internal/award"
	"github.com/guildforge/achievement-engine/internal/catalog"
	"github.com/guildforge/achievement-engine/internal/models"
	"github.com/guildforge/achievement-engine/internal/perf"
	"github.com/guildforge/achievement-engine/internal/storage"
)

const testToken = "test-ingest-token"

// Mocks

type MockDispatcher struct {
	DispatchFunc func(ctx context.Context, ev *models.Event) (*models.EventRecord, error)
	Depth        int
}

func (m *MockDispatcher) Dispatch(ctx context.Context, ev *models.Event) (*models.EventRecord, error) {
	if m.DispatchFunc != nil {
		return m.DispatchFunc(ctx, ev)
	}
	return &models.EventRecord{ID: 1, CorrelationID: ev.CorrelationID}, nil
}
func (m *MockDispatcher) QueueDepth() int { return m.Depth }

type MockCatalog struct {
	CreateCategoryFunc func(ctx context.Context, in catalog.CategoryInput) (*models.Category, error)
	GetCategoryFunc    func(ctx context.Context, id int64) (*models.Category, error)
	DeleteCategoryFunc func(ctx context.Context, id int64, force bool) error
}

func (m *MockCatalog) CreateCategory(ctx context.Context, in catalog.CategoryInput) (*models.Category, error) {
	if m.CreateCategoryFunc != nil {
		return m.CreateCategoryFunc(ctx, in)
	}
	return &models.Category{ID: 1, Name: in.Name, Level: 0, IsActive: true}, nil
}
func (m *MockCatalog) GetCategory(ctx context.Context, id int64) (*models.Category, error) {
	if m.GetCategoryFunc != nil {
		return m.GetCategoryFunc(ctx, id)
	}
	return &models.Category{ID: id, Name: "general"}, nil
}
func (m *MockCatalog) UpdateCategory(ctx context.Context, id int64, patch catalog.CategoryPatch) (*models.Category, error) {
	return &models.Category{ID: id}, nil
}
func (m *MockCatalog) DeleteCategory(ctx context.Context, id int64, force bool) error {
	if m.DeleteCategoryFunc != nil {
		return m.DeleteCategoryFunc(ctx, id, force)
	}
	return nil
}
func (m *MockCatalog) ListCategories(ctx context.Context, activeOnly bool) ([]*models.Category, error) {
	return nil, nil
}
func (m *MockCatalog) Children(ctx context.Context, parentID *int64) ([]*models.Category, error) {
	return nil, nil
}
func (m *MockCatalog) GetTree(ctx context.Context, root *int64) ([]*models.CategoryNode, error) {
	return nil, nil
}
func (m *MockCatalog) GetCategoryPath(ctx context.Context, id int64) ([]*models.Category, error) {
	return []*models.Category{{ID: id}}, nil
}
func (m *MockCatalog) CreateAchievement(ctx context.Context, a *models.Achievement) (*models.Achievement, error) {
	return a, nil
}
func (m *MockCatalog) GetAchievement(ctx context.Context, id int64) (*models.Achievement, error) {
	return &models.Achievement{ID: id, Name: "chatterbox", Type: models.TypeCounter}, nil
}
func (m *MockCatalog) UpdateAchievement(ctx context.Context, id int64, patch catalog.AchievementPatch) (*models.Achievement, error) {
	return &models.Achievement{ID: id}, nil
}
func (m *MockCatalog) DeleteAchievement(ctx context.Context, id int64) error { return nil }
func (m *MockCatalog) ListAchievements(ctx context.Context, f storage.AchievementFilter) ([]*models.Achievement, error) {
	return nil, nil
}

type MockProgress struct {
	GetFunc func(ctx context.Context, userID, achievementID int64) (*models.AchievementProgress, error)
}

func (m *MockProgress) Get(ctx context.Context, userID, achievementID int64) (*models.AchievementProgress, error) {
	if m.GetFunc != nil {
		return m.GetFunc(ctx, userID, achievementID)
	}
	return &models.AchievementProgress{UserID: userID, AchievementID: achievementID}, nil
}
func (m *MockProgress) ListForUser(ctx context.Context, userID int64) ([]*models.AchievementProgress, error) {
	return nil, nil
}

type MockAwards struct {
	AwardDirectlyFunc func(ctx context.Context, userID, achievementID, guildID int64) (award.Result, error)
	RevokeFunc        func(ctx context.Context, userID, achievementID int64) (bool, error)
}

func (m *MockAwards) AwardDirectly(ctx context.Context, userID, achievementID, guildID int64) (award.Result, error) {
	if m.AwardDirectlyFunc != nil {
		return m.AwardDirectlyFunc(ctx, userID, achievementID, guildID)
	}
	return award.Result{Outcome: award.OutcomeAwarded}, nil
}
func (m *MockAwards) Revoke(ctx context.Context, userID, achievementID int64) (bool, error) {
	if m.RevokeFunc != nil {
		return m.RevokeFunc(ctx, userID, achievementID)
	}
	return true, nil
}

type MockAwardLog struct{}

func (m *MockAwardLog) ListUserAwards(ctx context.Context, userID int64) ([]*models.UserAchievement, error) {
	return nil, nil
}

type MockEventLog struct{}

func (m *MockEventLog) List(ctx context.Context, f models.EventFilter) ([]*models.EventRecord, error) {
	return nil, nil
}

type MockNotifications struct {
	UpsertPreferenceFunc func(ctx context.Context, p *models.NotificationPreference) error
}

func (m *MockNotifications) GetPreference(ctx context.Context, userID, guildID int64) (*models.NotificationPreference, error) {
	def := models.DefaultPreference(userID, guildID)
	return &def, nil
}
func (m *MockNotifications) UpsertPreference(ctx context.Context, p *models.NotificationPreference) error {
	if m.UpsertPreferenceFunc != nil {
		return m.UpsertPreferenceFunc(ctx, p)
	}
	return nil
}
func (m *MockNotifications) GetGuildSettings(ctx context.Context, guildID int64) (*models.GlobalNotificationSettings, error) {
	return &models.GlobalNotificationSettings{GuildID: guildID, RateLimitSeconds: 60}, nil
}
func (m *MockNotifications) UpsertGuildSettings(ctx context.Context, s *models.GlobalNotificationSettings) error {
	return nil
}
func (m *MockNotifications) ListDeliveries(ctx context.Context, userID int64, limit int) ([]*models.NotificationDeliveryRecord, error) {
	return nil, nil
}

type fixture struct {
	handler       *Handler
	dispatcher    *MockDispatcher
	catalog       *MockCatalog
	awards        *MockAwards
	notifications *MockNotifications
	server        http.Handler
}

func newFixture() *fixture {
	f := &fixture{
		dispatcher:    &MockDispatcher{},
		catalog:       &MockCatalog{},
		awards:        &MockAwards{},
		notifications: &MockNotifications{},
	}
	f.handler = New(Config{
		Engine:        f.dispatcher,
		Catalog:       f.catalog,
		Progress:      &MockProgress{},
		Awards:        f.awards,
		AwardLog:      &MockAwardLog{},
		Events:        &MockEventLog{},
		Notifications: f.notifications,
		Perf:          perf.NewMonitor(true, nil, prometheus.NewRegistry(), zap.NewNop().Sugar()),
		Logger:        zap.NewNop(),
		IngestToken:   testToken,
	})
	f.server = f.handler.Routes()
	return f
}

func (f *fixture) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	return rec
}

func TestIngestEventAccepted(t *testing.T) {
	f := newFixture()
	var got *models.Event
	f.dispatcher.DispatchFunc = func(_ context.Context, ev *models.Event) (*models.EventRecord, error) {
		got = ev
		return &models.EventRecord{ID: 7, CorrelationID: ev.CorrelationID}, nil
	}

	rec := f.do(t, http.MethodPost, "/api/v1/events", testToken, map[string]interface{}{
		"user_id": 42, "guild_id": 9, "event_type": models.EventMessageSent,
	})

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.NotNil(t, got)
	require.False(t, got.Timestamp.IsZero(), "missing timestamp must be defaulted")
	require.NotEmpty(t, got.CorrelationID, "correlation id must be generated")

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.EqualValues(t, 7, resp["id"])
}

func TestIngestRequiresToken(t *testing.T) {
	f := newFixture()

	rec := f.do(t, http.MethodPost, "/api/v1/events", "", map[string]interface{}{"user_id": 1})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/events", "wrong-token", map[string]interface{}{"user_id": 1})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestIngestErrorMapping(t *testing.T) {
	f := newFixture()

	f.dispatcher.DispatchFunc = func(context.Context, *models.Event) (*models.EventRecord, error) {
		return nil, &models.ValidationError{Field: "user_id", Msg: "required"}
	}
	rec := f.do(t, http.MethodPost, "/api/v1/events", testToken, map[string]interface{}{})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	f.dispatcher.DispatchFunc = func(context.Context, *models.Event) (*models.EventRecord, error) {
		return nil, models.ErrBusy
	}
	rec = f.do(t, http.MethodPost, "/api/v1/events", testToken, map[string]interface{}{
		"user_id": 1, "guild_id": 1, "event_type": models.EventMessageSent,
	})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestCategoryErrorMapping(t *testing.T) {
	f := newFixture()

	f.catalog.GetCategoryFunc = func(_ context.Context, id int64) (*models.Category, error) {
		return nil, &models.NotFoundError{Entity: "category", ID: id}
	}
	rec := f.do(t, http.MethodGet, "/api/v1/categories/99", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	f.catalog.CreateCategoryFunc = func(context.Context, catalog.CategoryInput) (*models.Category, error) {
		return nil, &models.ConflictError{Reason: models.ReasonDuplicateName, Msg: "taken"}
	}
	rec = f.do(t, http.MethodPost, "/api/v1/categories", testToken, map[string]interface{}{"name": "dup"})
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/categories/not-a-number", "", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeleteCategoryForceFlag(t *testing.T) {
	f := newFixture()
	var gotForce bool
	f.catalog.DeleteCategoryFunc = func(_ context.Context, _ int64, force bool) error {
		gotForce = force
		return nil
	}

	rec := f.do(t, http.MethodDelete, "/api/v1/categories/3?force=true", testToken, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.True(t, gotForce)

	rec = f.do(t, http.MethodDelete, "/api/v1/categories/3", testToken, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.False(t, gotForce)
}

func TestWritesRequireToken(t *testing.T) {
	f := newFixture()

	rec := f.do(t, http.MethodPost, "/api/v1/categories", "", map[string]interface{}{"name": "x"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodDelete, "/api/v1/achievements/1", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// Reads stay public.
	rec = f.do(t, http.MethodGet, "/api/v1/categories/1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestUpdatePreferencePathWinsOverBody(t *testing.T) {
	f := newFixture()
	var saved *models.NotificationPreference
	f.notifications.UpsertPreferenceFunc = func(_ context.Context, p *models.NotificationPreference) error {
		saved = p
		return nil
	}

	rec := f.do(t, http.MethodPut, "/api/v1/guilds/7/users/42/preferences", testToken,
		map[string]interface{}{"user_id": 999, "guild_id": 888, "dm_enabled": true})

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, saved)
	require.EqualValues(t, 42, saved.UserID)
	require.EqualValues(t, 7, saved.GuildID)
}

func TestGrantAward(t *testing.T) {
	f := newFixture()

	rec := f.do(t, http.MethodPost, "/api/v1/admin/awards", testToken,
		map[string]interface{}{"user_id": 42, "guild_id": 7, "achievement_id": 3})
	require.Equal(t, http.StatusCreated, rec.Code)

	f.awards.AwardDirectlyFunc = func(context.Context, int64, int64, int64) (award.Result, error) {
		return award.Result{Outcome: award.OutcomeAlreadyAwarded}, nil
	}
	rec = f.do(t, http.MethodPost, "/api/v1/admin/awards", testToken,
		map[string]interface{}{"user_id": 42, "guild_id": 7, "achievement_id": 3})
	require.Equal(t, http.StatusOK, rec.Code)

	// Validator rejects incomplete payloads.
	rec = f.do(t, http.MethodPost, "/api/v1/admin/awards", testToken,
		map[string]interface{}{"user_id": 42})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRevokeAward(t *testing.T) {
	f := newFixture()
	rec := f.do(t, http.MethodDelete, "/api/v1/admin/awards", testToken,
		map[string]interface{}{"user_id": 42, "achievement_id": 3})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]bool
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp["revoked"])
}

func TestReadyReportsQueueDepth(t *testing.T) {
	f := newFixture()
	f.dispatcher.Depth = 12

	rec := f.do(t, http.MethodGet, "/ready", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.EqualValues(t, 12, resp["queueDepth"])
	require.Equal(t, true, resp["ready"])
}

func TestListEndpointsReturnEmptyArrays(t *testing.T) {
	f := newFixture()

	rec := f.do(t, http.MethodGet, "/api/v1/users/42/progress", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"progress":[]`)

	rec = f.do(t, http.MethodGet, "/api/v1/users/42/achievements", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"achievements":[]`)

	rec = f.do(t, http.MethodGet, "/api/v1/events?limit=10", testToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"events":[]`)
}

func TestPerfSnapshotEndpoint(t *testing.T) {
	f := newFixture()

	rec := f.do(t, http.MethodGet, "/api/v1/admin/perf", testToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"snapshot"`)
}
