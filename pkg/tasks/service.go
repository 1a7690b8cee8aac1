// Package tasks hands out work to polling nodes and records their results.
//
// Admission runs before any database work: the per-endpoint rate limiter,
// then the task quota. Exactly-once assignment does not depend on either; it
// comes from the row locks taken inside Store.AssignTask. The quota is
// charged after the assignment commits and a failure to charge it is only
// logged.
package tasks

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"node-coordinator/pkg/database"
	"node-coordinator/pkg/metrics"
	"node-coordinator/pkg/models"
	"node-coordinator/pkg/quota"
	"node-coordinator/pkg/ratelimit"
)

const (
	EndpointGetTask    = "get_task"
	EndpointSubmitTask = "submit_task"
)

type Store interface {
	AssignTask(ctx context.Context, email, apiToken string, now time.Time) (*database.Assignment, error)
	SubmitTask(ctx context.Context, email, apiToken string, res database.TaskResult, now time.Time) (*models.Task, error)
}

type Limiter interface {
	AllowWithPolicy(ctx context.Context, policy ratelimit.Policy, credential, sourceAddress, endpoint string) bool
}

type Quota interface {
	Reserve(ctx context.Context, credential string) (quota.Quota, error)
	Commit(ctx context.Context, credential string) (quota.Quota, error)
}

// Request identifies the polling node.
type Request struct {
	Email         string
	ApiToken      string
	SourceAddress string
}

// Result is a node's report for its assigned task.
type Result struct {
	TaskID       string
	ResponseCode int
	ResponseRaw  string
	Country      string
	IP           string
	ASN          string
	ResponseTime float64
}

type Options struct {
	// Limiter and Quota are optional; nil disables the check.
	Limiter  Limiter
	Quota    Quota
	Policies map[string]ratelimit.Policy
	Clock    clock.Clock
	Logger   *slog.Logger
	Metrics  *metrics.Collector
}

type Service struct {
	store    Store
	limiter  Limiter
	quota    Quota
	policies map[string]ratelimit.Policy
	clock    clock.Clock
	logger   *slog.Logger
	metrics  *metrics.Collector
}

func NewService(store Store, opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Service{
		store:    store,
		limiter:  opts.Limiter,
		quota:    opts.Quota,
		policies: opts.Policies,
		clock:    opts.Clock,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
	}
}

func (s *Service) allow(ctx context.Context, endpoint string, req Request) bool {
	if s.limiter == nil {
		return true
	}
	return s.limiter.AllowWithPolicy(ctx, s.policies[endpoint], req.ApiToken, req.SourceAddress, endpoint)
}

// GetTask returns the caller's outstanding task or claims a new one.
//
// Admission denials return ErrRateLimited or ErrQuotaExhausted; an unreadable
// quota counts as exhausted. Identity failures are returned as is. Any other
// failure, and an empty pool, yield a nil task and a nil error so the node
// simply polls again later.
func (s *Service) GetTask(ctx context.Context, req Request) (*models.Task, error) {
	if s.quota != nil {
		if _, err := s.quota.Reserve(ctx, req.ApiToken); err != nil {
			if errors.Is(err, models.ErrQuotaUnknown) {
				s.logger.Warn("Task quota unavailable, treating as exhausted", "error", err)
				s.metrics.RecordAdmission(EndpointGetTask, "quota_unknown")
				return nil, models.ErrQuotaExhausted
			}
			s.metrics.RecordAdmission(EndpointGetTask, "quota_exhausted")
			return nil, err
		}
	}

	if !s.allow(ctx, EndpointGetTask, req) {
		s.metrics.RecordAdmission(EndpointGetTask, "rate_limited")
		return nil, models.ErrRateLimited
	}
	s.metrics.RecordAdmission(EndpointGetTask, "allowed")

	assignment, err := s.store.AssignTask(ctx, req.Email, req.ApiToken, s.clock.Now())
	if err != nil {
		if models.IsIdentityError(err) {
			return nil, err
		}
		s.logger.Error("Task assignment failed", "email", req.Email, "error", err)
		s.metrics.RecordEmptyPoll()
		return nil, nil
	}
	if assignment.Task == nil {
		s.metrics.RecordEmptyPoll()
		return nil, nil
	}
	s.metrics.RecordAssignment(assignment.Redelivered)

	if s.quota != nil && !assignment.Redelivered {
		if _, err := s.quota.Commit(ctx, req.ApiToken); err != nil {
			s.logger.Warn("Failed to update task quota", "task", assignment.Task.ID, "error", err)
		}
	}

	s.logger.Debug("Task assigned",
		"task", assignment.Task.ID,
		"user", assignment.User.UserID,
		"redelivered", assignment.Redelivered)
	return assignment.Task, nil
}

// StatusForResponse maps an HTTP status reported by a node to the task's
// final state.
func StatusForResponse(code int) models.TaskStatus {
	if code >= http.StatusOK && code < http.StatusBadRequest {
		return models.TaskCompleted
	}
	return models.TaskFailed
}

// SubmitTask records a result. Only the node the task is assigned to may
// submit it.
func (s *Service) SubmitTask(ctx context.Context, req Request, res Result) (*models.Task, error) {
	id, err := uuid.Parse(res.TaskID)
	if err != nil {
		return nil, models.ErrTaskNotAssigned
	}

	if !s.allow(ctx, EndpointSubmitTask, req) {
		s.metrics.RecordAdmission(EndpointSubmitTask, "rate_limited")
		return nil, models.ErrRateLimited
	}
	s.metrics.RecordAdmission(EndpointSubmitTask, "allowed")

	status := StatusForResponse(res.ResponseCode)
	task, err := s.store.SubmitTask(ctx, req.Email, req.ApiToken, database.TaskResult{
		TaskID:       id,
		Status:       status,
		ResponseCode: res.ResponseCode,
		ResponseRaw:  res.ResponseRaw,
		Country:      res.Country,
		IP:           res.IP,
		ASN:          res.ASN,
		ResponseTime: res.ResponseTime,
	}, s.clock.Now())
	if err != nil {
		return nil, err
	}
	s.metrics.RecordSubmission(string(status))
	return task, nil
}
