package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tullo/moderation/config"
	"github.com/tullo/moderation/internal/auth"
	"github.com/tullo/moderation/internal/classifier"
	"github.com/tullo/moderation/internal/middleware"
	"github.com/tullo/moderation/internal/models"
	"github.com/tullo/moderation/internal/moderation"
	"github.com/tullo/moderation/internal/moderator"
	"github.com/tullo/moderation/internal/repository"
	"github.com/tullo/moderation/internal/sanction"
	"github.com/tullo/moderation/internal/taxonomy"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *recordingNotifier) Broadcast(event string, payload interface{}) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

type testServer struct {
	router   *gin.Engine
	store    *repository.MemorySafetyStore
	engine   *sanction.Engine
	rule     *classifier.Fake
	jwt      *auth.JWTService
	notifier *recordingNotifier
}

const testAPIKey = "transport-key"

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	policy := config.DefaultPolicy()
	mapper := taxonomy.New(policy)
	rule := classifier.NewFakeRuleBased()
	orch := moderation.NewOrchestrator(mapper, rule, classifier.NewFakeML(), moderation.Config{Timeout: 100 * time.Millisecond})
	store := repository.NewMemorySafetyStore()
	engine := sanction.NewEngine(store, mapper, policy, sanction.DefaultWindow, sanction.NewKeyedMutex())
	svc := moderator.NewService(orch, engine, nil, moderator.Config{
		Options:       moderation.Options{EnableExternalClassifiers: true, MLConfidenceThreshold: 0.7, Language: "en"},
		RecordRetries: 1,
		RetryBase:     time.Millisecond,
	})

	jwtService := auth.NewJWTService("test-secret", 1)
	notifier := &recordingNotifier{}
	authHandler := NewAuthHandler(repository.NewMemoryReviewerStore(), jwtService)
	modHandler := NewModerationHandler(svc, engine)
	reviewHandler := NewReviewHandler(engine, notifier)

	r := gin.New()
	r.POST("/auth/register", authHandler.Register)
	r.POST("/auth/login", authHandler.Login)

	mod := r.Group("/api/v1/moderation", middleware.APIKeyMiddleware("X-API-Key", testAPIKey))
	mod.POST("/messages", modHandler.ModerateMessage)
	mod.POST("/users/:user_id", modHandler.EnsureUser)

	review := r.Group("/api/v1/review", middleware.AuthMiddleware(jwtService))
	review.GET("/me", authHandler.GetMe)
	review.GET("/queue", reviewHandler.GetQueue)
	review.POST("/events/:id", reviewHandler.ReviewEvent)
	review.GET("/users/:user_id", reviewHandler.GetUserHistory)
	review.POST("/users/:user_id/score", middleware.RequireRole(models.RoleAdmin), reviewHandler.AdjustScore)

	return &testServer{router: r, store: store, engine: engine, rule: rule, jwt: jwtService, notifier: notifier}
}

func (s *testServer) do(method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) moderate(userID uuid.UUID, text string) *httptest.ResponseRecorder {
	return s.do(http.MethodPost, "/api/v1/moderation/messages",
		gin.H{"user_id": userID, "text": text},
		map[string]string{"X-API-Key": testAPIKey})
}

func (s *testServer) bearer(t *testing.T, role string) map[string]string {
	t.Helper()
	token, err := s.jwt.GenerateToken(uuid.New(), role+"@example.com", role)
	require.NoError(t, err)
	return map[string]string{"Authorization": "Bearer " + token}
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v))
}

func TestModerateMessage(t *testing.T) {
	s := newTestServer(t)

	w := s.moderate(uuid.New(), "hello there")
	require.Equal(t, http.StatusOK, w.Code)
	var res moderator.Result
	decode(t, w, &res)
	assert.False(t, res.Blocked)
	assert.Nil(t, res.EventID)

	w = s.moderate(uuid.New(), "mail me at someone@example.com")
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &res)
	assert.True(t, res.Blocked)
	assert.Contains(t, res.ProcessedText, "[EMAIL REDACTED]")
	assert.NotNil(t, res.EventID)
}

func TestModerateMessageErrors(t *testing.T) {
	s := newTestServer(t)

	w := s.do(http.MethodPost, "/api/v1/moderation/messages", gin.H{"user_id": uuid.New(), "text": "hi"}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.moderate(uuid.New(), "   ")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.moderate(uuid.New(), strings.Repeat("a", moderation.DefaultMaxTextLength+1))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestModerateMessageRestrictedSender(t *testing.T) {
	s := newTestServer(t)
	s.rule.Findings = []classifier.Finding{{Category: "violence", Intensity: "high"}}
	userID := uuid.New()

	w := s.moderate(userID, "something violent")
	require.Equal(t, http.StatusOK, w.Code)
	var res moderator.Result
	decode(t, w, &res)
	require.NotNil(t, res.Sanction)
	assert.Equal(t, sanction.KindSuspension, res.Sanction.Kind)

	s.rule.Findings = nil
	w = s.moderate(userID, "hello again")
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "sender_restricted")
}

func TestModerateMessageStoreFailure(t *testing.T) {
	s := newTestServer(t)
	s.store.FailCommits(100, assert.AnError)

	w := s.moderate(uuid.New(), "call me at 555-123-4567")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"blocked":true`)
}

func TestEnsureUser(t *testing.T) {
	s := newTestServer(t)
	userID := uuid.New()
	key := map[string]string{"X-API-Key": testAPIKey}

	w := s.do(http.MethodPost, "/api/v1/moderation/users/"+userID.String(), nil, key)
	require.Equal(t, http.StatusOK, w.Code)
	var agg models.UserSafetyAggregate
	decode(t, w, &agg)
	assert.Equal(t, models.MaxSafetyScore, agg.SafetyScore)
	assert.Equal(t, models.StatusActive, agg.Status)

	w = s.do(http.MethodPost, "/api/v1/moderation/users/not-a-uuid", nil, key)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestReviewFlow(t *testing.T) {
	s := newTestServer(t)
	s.rule.Findings = []classifier.Finding{{Category: "violence", Intensity: "high"}}
	userID := uuid.New()
	require.Equal(t, http.StatusOK, s.moderate(userID, "something violent").Code)

	mod := s.bearer(t, models.RoleModerator)

	w := s.do(http.MethodGet, "/api/v1/review/queue", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(http.MethodGet, "/api/v1/review/queue", nil, mod)
	require.Equal(t, http.StatusOK, w.Code)
	var queue struct {
		Events []models.SafetyEvent `json:"events"`
		Count  int                  `json:"count"`
	}
	decode(t, w, &queue)
	require.Equal(t, 1, queue.Count)
	event := queue.Events[0]
	assert.Equal(t, models.SeverityCritical, event.Severity)

	path := "/api/v1/review/events/" + event.ID.String()
	w = s.do(http.MethodPost, path, gin.H{"action": "pardon"}, mod)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(http.MethodPost, path, gin.H{"action": "lift", "note": "context was a film quote"}, mod)
	require.Equal(t, http.StatusOK, w.Code)
	var out sanction.ReviewOutcome
	decode(t, w, &out)
	assert.Equal(t, models.StatusActive, out.Aggregate.Status)
	require.NotNil(t, out.Event.ReviewAction)
	assert.Equal(t, models.ReviewLift, *out.Event.ReviewAction)
	assert.Equal(t, []string{models.EventReviewResolved}, s.notifier.events)

	w = s.do(http.MethodPost, path, gin.H{"action": "uphold"}, mod)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(http.MethodPost, "/api/v1/review/events/"+uuid.New().String(), gin.H{"action": "uphold"}, mod)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(http.MethodGet, "/api/v1/review/queue", nil, mod)
	decode(t, w, &queue)
	assert.Equal(t, 0, queue.Count)

	w = s.do(http.MethodGet, "/api/v1/review/users/"+userID.String(), nil, mod)
	require.Equal(t, http.StatusOK, w.Code)
	var history struct {
		Aggregate models.UserSafetyAggregate `json:"aggregate"`
		Events    []models.SafetyEvent       `json:"events"`
	}
	decode(t, w, &history)
	assert.Len(t, history.Events, 1)
	assert.Equal(t, models.StatusActive, history.Aggregate.Status)
}

func TestAdjustScoreRequiresAdmin(t *testing.T) {
	s := newTestServer(t)
	userID := uuid.New()
	_, err := s.engine.EnsureAggregate(context.Background(), userID)
	require.NoError(t, err)
	path := "/api/v1/review/users/" + userID.String() + "/score"
	body := gin.H{"delta": -30, "reason": "chargeback fraud"}

	w := s.do(http.MethodPost, path, body, s.bearer(t, models.RoleModerator))
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(http.MethodPost, path, body, s.bearer(t, models.RoleAdmin))
	require.Equal(t, http.StatusOK, w.Code)
	var agg models.UserSafetyAggregate
	decode(t, w, &agg)
	assert.Equal(t, 70, agg.SafetyScore)

	w = s.do(http.MethodPost, path, gin.H{"delta": 10}, s.bearer(t, models.RoleAdmin))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRegisterAndLogin(t *testing.T) {
	s := newTestServer(t)
	reg := gin.H{"email": "Ana@Example.com", "password": "correct-horse", "display_name": "Ana"}

	w := s.do(http.MethodPost, "/auth/register", reg, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	var resp models.LoginResponse
	decode(t, w, &resp)
	assert.Equal(t, models.RoleModerator, resp.Reviewer.Role)
	assert.Equal(t, "ana@example.com", resp.Reviewer.Email)
	assert.NotContains(t, w.Body.String(), "password_hash")

	w = s.do(http.MethodPost, "/auth/register", reg, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(http.MethodPost, "/auth/login", gin.H{"email": "ana@example.com", "password": "wrong-password"}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(http.MethodPost, "/auth/login", gin.H{"email": "ana@example.com", "password": "correct-horse"}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &resp)

	w = s.do(http.MethodGet, "/api/v1/review/me", nil, map[string]string{"Authorization": "Bearer " + resp.Token})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ana@example.com")
}
