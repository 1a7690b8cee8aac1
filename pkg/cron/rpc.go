package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"node-coordinator/pkg/config"
	"node-coordinator/pkg/models"
)

type TaskStore interface {
	CreateServerUser(ctx context.Context, id uuid.UUID) error
	InsertTasks(ctx context.Context, tasks []*models.Task) error
}

// RPCTaskProducer enqueues one Pending task per configured RPC endpoint on
// every run. Tasks are owned by the server user.
type RPCTaskProducer struct {
	store     TaskStore
	serverID  uuid.UUID
	endpoints []config.RPCEndpoint
	logger    *slog.Logger
}

// NewRPCTaskProducer fails when the server identity is not configured; the
// loop must not start without it.
func NewRPCTaskProducer(cfg *config.Config, store TaskStore, logger *slog.Logger) (*RPCTaskProducer, error) {
	serverID, err := cfg.ServerUserID()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RPCTaskProducer{
		store:     store,
		serverID:  serverID,
		endpoints: cfg.RPCEndpoints,
		logger:    logger,
	}, nil
}

// Init creates the server user if it does not exist yet.
func (p *RPCTaskProducer) Init(ctx context.Context) error {
	return p.store.CreateServerUser(ctx, p.serverID)
}

// BuildTask turns an endpoint definition into a Pending task owned by owner.
func BuildTask(owner uuid.UUID, ep config.RPCEndpoint) (*models.Task, error) {
	if ep.URL == "" {
		return nil, fmt.Errorf("rpc endpoint %q has no url", ep.Name)
	}
	method := models.TaskMethod(strings.ToUpper(ep.Method))
	switch method {
	case "":
		method = models.MethodPost
	case models.MethodGet, models.MethodPost:
	default:
		return nil, fmt.Errorf("rpc endpoint %q has unsupported method %q", ep.Name, ep.Method)
	}

	var headers json.RawMessage
	if len(ep.Headers) > 0 {
		raw, err := json.Marshal(ep.Headers)
		if err != nil {
			return nil, fmt.Errorf("encode headers of %q: %w", ep.Name, err)
		}
		headers = raw
	}

	var body json.RawMessage
	if ep.Body != "" {
		if json.Valid([]byte(ep.Body)) {
			body = json.RawMessage(ep.Body)
		} else {
			raw, err := json.Marshal(ep.Body)
			if err != nil {
				return nil, err
			}
			body = raw
		}
	}
	return models.NewTask(owner, ep.URL, method, headers, body), nil
}

// Produce inserts this run's tasks.
func (p *RPCTaskProducer) Produce(ctx context.Context) error {
	tasks := make([]*models.Task, 0, len(p.endpoints))
	for _, ep := range p.endpoints {
		task, err := BuildTask(p.serverID, ep)
		if err != nil {
			p.logger.Warn("Skipping rpc endpoint", "name", ep.Name, "error", err)
			continue
		}
		tasks = append(tasks, task)
	}
	if len(tasks) == 0 {
		return nil
	}
	if err := p.store.InsertTasks(ctx, tasks); err != nil {
		return fmt.Errorf("create rpc tasks: %w", err)
	}
	p.logger.Debug("RPC tasks created", "count", len(tasks))
	return nil
}
