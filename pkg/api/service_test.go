package api

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"node-coordinator/pkg/aggregation"
	"node-coordinator/pkg/auth"
	"node-coordinator/pkg/database"
	"node-coordinator/pkg/models"
	"node-coordinator/pkg/points"
	"node-coordinator/pkg/ratelimit"
	"node-coordinator/pkg/tasks"
)

type fakeStore struct {
	mu       sync.Mutex
	users    map[string]*models.UserWithToken
	aggs     map[uuid.UUID]map[models.AggregateName]*models.Aggregate
	tasks    []*models.Task
	stats    *database.UserStats
	verifies int
	fail     error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users: map[string]*models.UserWithToken{},
		aggs:  map[uuid.UUID]map[models.AggregateName]*models.Aggregate{},
	}
}

func (s *fakeStore) addUser(email string) (*models.UserWithToken, string) {
	token := uuid.New()
	user := &models.UserWithToken{UserID: uuid.New(), Email: email, Token: &token}
	s.users[email] = user
	return user, token.String()
}

func (s *fakeStore) verify(email, apiToken string) (*models.UserWithToken, error) {
	if s.fail != nil {
		return nil, s.fail
	}
	user := s.users[email]
	if err := database.MatchCredential(user, apiToken); err != nil {
		return nil, err
	}
	return user, nil
}

func (s *fakeStore) VerifyCredential(_ context.Context, email, apiToken string) (*models.UserWithToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verifies++
	return s.verify(email, apiToken)
}

func (s *fakeStore) AssignTask(_ context.Context, email, apiToken string, _ time.Time) (*database.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, err := s.verify(email, apiToken)
	if err != nil {
		return nil, err
	}
	for _, t := range s.tasks {
		if t.Status == models.TaskPending {
			t.Status = models.TaskAssigned
			t.AssignedUserID = uuid.NullUUID{UUID: user.UserID, Valid: true}
			return &database.Assignment{User: user, Task: t}, nil
		}
	}
	return &database.Assignment{User: user}, nil
}

func (s *fakeStore) SubmitTask(_ context.Context, email, apiToken string, res database.TaskResult, _ time.Time) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, err := s.verify(email, apiToken)
	if err != nil {
		return nil, err
	}
	for _, t := range s.tasks {
		if t.ID == res.TaskID && t.AssignedUserID.UUID == user.UserID && t.Status == models.TaskAssigned {
			t.Status = res.Status
			return t, nil
		}
	}
	return nil, models.ErrTaskNotAssigned
}

func (s *fakeStore) GetBandwidthAggregates(_ context.Context, email, apiToken string) (*models.UserWithToken, map[models.AggregateName]*models.Aggregate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, err := s.verify(email, apiToken)
	if err != nil {
		return nil, nil, err
	}
	aggs := s.aggs[user.UserID]
	if aggs == nil {
		aggs = map[models.AggregateName]*models.Aggregate{}
		s.aggs[user.UserID] = aggs
	}
	for _, name := range []models.AggregateName{models.AggregateDownload, models.AggregateUpload, models.AggregateLatency} {
		if aggs[name] == nil {
			aggs[name] = models.NewAggregate(user.UserID, name)
		}
	}
	return user, aggs, nil
}

func (s *fakeStore) GetUserStats(_ context.Context, email, apiToken string, _ time.Time) (*database.UserStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, err := s.verify(email, apiToken)
	if err != nil {
		return nil, err
	}
	stats := *s.stats
	stats.User = user
	return &stats, nil
}

type recordingPipeline struct {
	mu   sync.Mutex
	msgs []aggregation.Message
	full bool
}

func (p *recordingPipeline) TrySend(msg aggregation.Message) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.full {
		return false
	}
	p.msgs = append(p.msgs, msg)
	return true
}

type fixture struct {
	store    *fakeStore
	pipeline *recordingPipeline
	redis    *miniredis.Miniredis
	client   *redis.Client
	service  *Service
}

func newFixture(t *testing.T, limiter bool) *fixture {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { client.Close() })

	store := newFakeStore()
	pipeline := &recordingPipeline{}
	opts := Options{TokenExpire: 30 * time.Minute, Clock: clock.NewMock()}
	taskOpts := tasks.Options{}
	if limiter {
		l := ratelimit.NewLimiter(client, time.Minute, 1, nil)
		opts.Limiter = l
		taskOpts.Limiter = l
		opts.Policies = map[string]ratelimit.Policy{EndpointSubmitBandwidth: ratelimit.FailOpen}
	}
	svc := NewService(tasks.NewService(store, taskOpts), store, pipeline, client, opts)
	return &fixture{store: store, pipeline: pipeline, redis: srv, client: client, service: svc}
}

func TestCheckTokenServedFromCache(t *testing.T) {
	f := newFixture(t, false)
	_, token := f.store.addUser("node@example.com")
	ctx := context.Background()

	first, err := f.service.CheckToken(ctx, "node@example.com", token)
	require.NoError(t, err)
	second, err := f.service.CheckToken(ctx, "NODE@example.com", token)
	require.NoError(t, err)

	assert.Equal(t, 1, f.store.verifies)
	require.NotNil(t, first.ApiToken)
	require.NotNil(t, second.ApiToken)
	assert.Equal(t, *first.ApiToken, *second.ApiToken)
	assert.Equal(t, token, *first.ApiToken)
	assert.Equal(t, 30*time.Minute, f.redis.TTL(auth.KeyWithApiToken("node@example.com", token)))
}

func TestCheckTokenMismatchNotCached(t *testing.T) {
	f := newFixture(t, false)
	f.store.addUser("node@example.com")
	wrong := uuid.NewString()

	_, err := f.service.CheckToken(context.Background(), "node@example.com", wrong)
	assert.ErrorIs(t, err, models.ErrApiTokenMismatch)
	assert.False(t, f.redis.Exists(auth.KeyWithApiToken("node@example.com", wrong)))

	_, err = f.service.CheckToken(context.Background(), "ghost@example.com", wrong)
	assert.ErrorIs(t, err, models.ErrUserNotFound)
}

func TestCheckTokenCacheDownFallsBackToDatabase(t *testing.T) {
	f := newFixture(t, false)
	_, token := f.store.addUser("node@example.com")
	f.redis.Close()

	resp, err := f.service.CheckToken(context.Background(), "node@example.com", token)
	require.NoError(t, err)
	assert.Equal(t, token, *resp.ApiToken)
	assert.Equal(t, 1, f.store.verifies)
}

func TestSubmitBandwidthSmoothsAndEnqueues(t *testing.T) {
	f := newFixture(t, false)
	user, token := f.store.addUser("node@example.com")
	_, aggs, err := f.store.GetBandwidthAggregates(context.Background(), "node@example.com", token)
	require.NoError(t, err)
	aggs[models.AggregateDownload].Value = json.RawMessage("10")
	req := tasks.Request{Email: "node@example.com", ApiToken: token, SourceAddress: "10.0.0.1"}

	resp, err := f.service.SubmitBandwidth(context.Background(), req, BandwidthReport{DownloadSpeed: 20, UploadSpeed: 8, Latency: 40})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	got := map[uuid.UUID]float64{}
	for _, m := range f.pipeline.msgs {
		got[m.AggregateID] = m.Value
	}
	byName := f.store.aggs[user.UserID]
	assert.Equal(t, map[uuid.UUID]float64{
		byName[models.AggregateDownload].ID: 15,
		byName[models.AggregateUpload].ID:   4,
		byName[models.AggregateLatency].ID:  20,
	}, got)
}

func TestSubmitBandwidthIgnoresNonFiniteFigures(t *testing.T) {
	f := newFixture(t, false)
	user, token := f.store.addUser("node@example.com")
	_, aggs, err := f.store.GetBandwidthAggregates(context.Background(), "node@example.com", token)
	require.NoError(t, err)
	aggs[models.AggregateDownload].Value = json.RawMessage("10")
	req := tasks.Request{Email: "node@example.com", ApiToken: token, SourceAddress: "10.0.0.1"}

	resp, err := f.service.SubmitBandwidth(context.Background(), req,
		BandwidthReport{DownloadSpeed: math.NaN(), UploadSpeed: math.Inf(1), Latency: 40})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	require.Len(t, f.pipeline.msgs, 1)
	assert.Equal(t, f.store.aggs[user.UserID][models.AggregateLatency].ID, f.pipeline.msgs[0].AggregateID)
	assert.Equal(t, 20.0, f.pipeline.msgs[0].Value)
}

func TestSubmitBandwidthFullPipelineStillSucceeds(t *testing.T) {
	f := newFixture(t, false)
	_, token := f.store.addUser("node@example.com")
	f.pipeline.full = true

	resp, err := f.service.SubmitBandwidth(context.Background(),
		tasks.Request{Email: "node@example.com", ApiToken: token, SourceAddress: "10.0.0.1"},
		BandwidthReport{DownloadSpeed: 1})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
}

func TestSubmitBandwidthErrors(t *testing.T) {
	f := newFixture(t, true)
	_, token := f.store.addUser("node@example.com")
	ctx := context.Background()
	req := tasks.Request{Email: "node@example.com", ApiToken: token, SourceAddress: "10.0.0.1"}

	_, err := f.service.SubmitBandwidth(ctx, tasks.Request{Email: "node@example.com", ApiToken: token}, BandwidthReport{})
	assert.ErrorIs(t, err, models.ErrMissingHeader)

	_, err = f.service.SubmitBandwidth(ctx, tasks.Request{Email: "node@example.com", ApiToken: uuid.NewString(), SourceAddress: "10.0.0.9"}, BandwidthReport{})
	assert.ErrorIs(t, err, models.ErrApiTokenMismatch)

	_, err = f.service.SubmitBandwidth(ctx, req, BandwidthReport{})
	require.NoError(t, err)
	_, err = f.service.SubmitBandwidth(ctx, req, BandwidthReport{})
	assert.ErrorIs(t, err, models.ErrRateLimited)

	// submit_bandwidth fails open when the cache is gone.
	f.redis.Close()
	_, err = f.service.SubmitBandwidth(ctx, req, BandwidthReport{})
	assert.NoError(t, err)
}

func TestSubmitBandwidthDatabaseError(t *testing.T) {
	f := newFixture(t, false)
	_, token := f.store.addUser("node@example.com")
	f.store.fail = errors.New("connection refused")

	_, err := f.service.SubmitBandwidth(context.Background(),
		tasks.Request{Email: "node@example.com", ApiToken: token, SourceAddress: "10.0.0.1"}, BandwidthReport{})
	assert.Error(t, err)
	assert.Empty(t, f.pipeline.msgs)
}

func TestGetTaskAndSubmit(t *testing.T) {
	f := newFixture(t, false)
	_, token := f.store.addUser("node@example.com")
	task := models.NewTask(uuid.New(), "https://example.com", models.MethodGet, json.RawMessage(`{"a":"b"}`), nil)
	f.store.tasks = append(f.store.tasks, task)
	req := tasks.Request{Email: "node@example.com", ApiToken: token, SourceAddress: "10.0.0.1"}

	resp, err := f.service.GetTask(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, task.ID, resp.ID)
	assert.JSONEq(t, `{"a":"b"}`, string(resp.Headers))

	submitted, err := f.service.SubmitTask(context.Background(), req, tasks.Result{TaskID: task.ID.String(), ResponseCode: 204})
	require.NoError(t, err)
	assert.Equal(t, models.TaskCompleted, submitted.Status)

	resp, err = f.service.GetTask(context.Background(), req)
	assert.NoError(t, err)
	assert.Nil(t, resp)
}

func TestGetStats(t *testing.T) {
	f := newFixture(t, false)
	_, token := f.store.addUser("node@example.com")
	f.store.stats = &database.UserStats{
		Daily:  &models.DailyStat{Uptime: 43200, TasksCount: 3},
		Uptime: models.NullFloat{Float64: 43200, Valid: true},
		Tasks:  models.NullFloat{Float64: 3, Valid: true},
		Perks:  []models.Perk{{Multiplier: 1.1}},
	}

	stats, err := f.service.GetStats(context.Background(), "node@example.com", token)
	require.NoError(t, err)
	assert.InDelta(t, 88, stats.DailyPoints, 1e-9)
	assert.InDelta(t, 88, stats.TotalPoints, 1e-9)
	assert.Equal(t, int64(3), stats.TasksCount)
	assert.Equal(t, 1, stats.Perks)
}

func TestGetStatsDailyPointsWithoutUptimeReports(t *testing.T) {
	f := newFixture(t, false)
	_, token := f.store.addUser("node@example.com")
	perks := []models.Perk{{Multiplier: 1.1}}
	f.store.stats = &database.UserStats{
		Daily:  &models.DailyStat{TasksCount: 3},
		Uptime: models.NullFloat{Float64: 43200, Valid: true},
		Tasks:  models.NullFloat{Float64: 3, Valid: true},
		Perks:  perks,
	}

	stats, err := f.service.GetStats(context.Background(), "node@example.com", token)
	require.NoError(t, err)
	assert.Zero(t, stats.Uptime)
	assert.InDelta(t, points.Daily(0, 3, perks), stats.DailyPoints, 1e-9)
	assert.InDelta(t, points.Total(43200, 3, perks), stats.TotalPoints, 1e-9)
	assert.Greater(t, stats.TotalPoints, stats.DailyPoints)
}
