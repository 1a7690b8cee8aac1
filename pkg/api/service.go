package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"node-coordinator/pkg/aggregation"
	"node-coordinator/pkg/auth"
	"node-coordinator/pkg/database"
	"node-coordinator/pkg/metrics"
	"node-coordinator/pkg/models"
	"node-coordinator/pkg/points"
	"node-coordinator/pkg/ratelimit"
	"node-coordinator/pkg/tasks"
)

const EndpointSubmitBandwidth = "submit_bandwidth"

// Store is the database surface used by the API.
type Store interface {
	tasks.Store
	VerifyCredential(ctx context.Context, email, apiToken string) (*models.UserWithToken, error)
	GetBandwidthAggregates(ctx context.Context, email, apiToken string) (*models.UserWithToken, map[models.AggregateName]*models.Aggregate, error)
	GetUserStats(ctx context.Context, email, apiToken string, day time.Time) (*database.UserStats, error)
}

// Enqueuer accepts aggregate updates without blocking.
type Enqueuer interface {
	TrySend(msg aggregation.Message) bool
}

type Options struct {
	Limiter     tasks.Limiter
	Policies    map[string]ratelimit.Policy
	TokenExpire time.Duration
	Clock       clock.Clock
	Logger      *slog.Logger
	Metrics     *metrics.Collector
}

type Service struct {
	tasks       *tasks.Service
	store       Store
	pipeline    Enqueuer
	cache       redis.Cmdable
	limiter     tasks.Limiter
	policies    map[string]ratelimit.Policy
	tokenExpire time.Duration
	clock       clock.Clock
	logger      *slog.Logger
	metrics     *metrics.Collector
}

func NewService(taskService *tasks.Service, store Store, pipeline Enqueuer, cache redis.Cmdable, opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Service{
		tasks:       taskService,
		store:       store,
		pipeline:    pipeline,
		cache:       cache,
		limiter:     opts.Limiter,
		policies:    opts.Policies,
		tokenExpire: auth.Expire(opts.TokenExpire),
		clock:       opts.Clock,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
	}
}

type TaskResponse struct {
	ID      uuid.UUID         `json:"id"`
	URL     string            `json:"url"`
	Method  models.TaskMethod `json:"method"`
	Headers json.RawMessage   `json:"headers"`
	Body    json.RawMessage   `json:"body"`
}

func newTaskResponse(t *models.Task) *TaskResponse {
	return &TaskResponse{
		ID:      t.ID,
		URL:     t.URL,
		Method:  t.Method,
		Headers: t.Headers,
		Body:    t.Body,
	}
}

// GetTask returns the caller's task, or nil when there is none to hand out.
func (s *Service) GetTask(ctx context.Context, req tasks.Request) (*TaskResponse, error) {
	if req.SourceAddress == "" {
		return nil, models.ErrMissingHeader
	}
	task, err := s.tasks.GetTask(ctx, req)
	if err != nil || task == nil {
		return nil, err
	}
	return newTaskResponse(task), nil
}

type SubmitTaskResponse struct {
	Status models.TaskStatus `json:"status"`
}

func (s *Service) SubmitTask(ctx context.Context, req tasks.Request, res tasks.Result) (*SubmitTaskResponse, error) {
	if req.SourceAddress == "" {
		return nil, models.ErrMissingHeader
	}
	task, err := s.tasks.SubmitTask(ctx, req, res)
	if err != nil {
		return nil, err
	}
	return &SubmitTaskResponse{Status: task.Status}, nil
}

type BandwidthReport struct {
	DownloadSpeed float64
	UploadSpeed   float64
	Latency       float64
}

type BandwidthResponse struct {
	StatusCode int `json:"status_code"`
}

// SubmitBandwidth smooths each reported figure against the stored aggregate
// and queues the result for the aggregation consumer. Non-finite figures are
// ignored. Queued writes are best effort; a full queue still reports success.
func (s *Service) SubmitBandwidth(ctx context.Context, req tasks.Request, report BandwidthReport) (*BandwidthResponse, error) {
	if req.SourceAddress == "" {
		return nil, models.ErrMissingHeader
	}
	if s.limiter != nil && !s.limiter.AllowWithPolicy(ctx, s.policies[EndpointSubmitBandwidth], req.ApiToken, req.SourceAddress, EndpointSubmitBandwidth) {
		s.metrics.RecordAdmission(EndpointSubmitBandwidth, "rate_limited")
		return nil, models.ErrRateLimited
	}
	s.metrics.RecordAdmission(EndpointSubmitBandwidth, "allowed")

	_, aggs, err := s.store.GetBandwidthAggregates(ctx, req.Email, req.ApiToken)
	if err != nil {
		return nil, err
	}

	reported := map[models.AggregateName]float64{
		models.AggregateDownload: report.DownloadSpeed,
		models.AggregateUpload:   report.UploadSpeed,
		models.AggregateLatency:  report.Latency,
	}
	for name, value := range reported {
		if math.IsNaN(value) || math.IsInf(value, 0) {
			s.logger.Debug("Ignoring non-finite bandwidth figure", "name", name, "value", value)
			continue
		}
		agg := aggs[name]
		if agg == nil {
			continue
		}
		msg := aggregation.Message{AggregateID: agg.ID, Value: agg.Numeric().Smooth(value)}
		if !s.pipeline.TrySend(msg) {
			s.logger.Debug("Aggregate update dropped", "aggregate", agg.ID, "name", name)
		}
	}
	return &BandwidthResponse{StatusCode: 200}, nil
}

type CheckTokenResponse struct {
	ApiToken *string `json:"api_token"`
	Message  *string `json:"message"`
}

// CheckToken confirms a credential. A cached confirmation is returned without
// touching the database; otherwise the credential is verified and cached.
func (s *Service) CheckToken(ctx context.Context, email, apiToken string) (*CheckTokenResponse, error) {
	key := auth.KeyWithApiToken(email, apiToken)

	cached, err := s.cache.Get(ctx, key).Result()
	switch {
	case err == nil:
		return &CheckTokenResponse{ApiToken: &cached}, nil
	case !errors.Is(err, redis.Nil):
		s.logger.Warn("Token cache unavailable", "error", err)
	}

	user, err := s.store.VerifyCredential(ctx, email, apiToken)
	if err != nil {
		return nil, err
	}
	token := user.Token.String()
	if err := s.cache.Set(ctx, key, token, s.tokenExpire).Err(); err != nil {
		s.logger.Warn("Failed to cache token", "error", err)
	}
	return &CheckTokenResponse{ApiToken: &token}, nil
}

type StatsResponse struct {
	Day         string  `json:"day"`
	Uptime      float64 `json:"uptime"`
	TasksCount  int64   `json:"tasks_count"`
	DailyPoints float64 `json:"daily_points"`
	TotalPoints float64 `json:"total_points"`
	Perks       int     `json:"perks"`
}

// GetStats scores today's activity and the lifetime aggregates. Daily uptime
// is never written by this service, so DailyPoints counts tasks and perks;
// lifetime uptime comes from the Uptime aggregate.
func (s *Service) GetStats(ctx context.Context, email, apiToken string) (*StatsResponse, error) {
	now := s.clock.Now()
	stats, err := s.store.GetUserStats(ctx, email, apiToken, now)
	if err != nil {
		return nil, err
	}

	resp := &StatsResponse{
		Day:   models.Day(now).Format(time.DateOnly),
		Perks: len(stats.Perks),
	}
	if stats.Daily != nil {
		resp.Uptime = stats.Daily.Uptime
		resp.TasksCount = stats.Daily.TasksCount
	}
	resp.DailyPoints = points.Daily(resp.Uptime, resp.TasksCount, stats.Perks)
	resp.TotalPoints = points.Total(stats.Uptime.OrZero(), int64(stats.Tasks.OrZero()), stats.Perks)
	return resp, nil
}
