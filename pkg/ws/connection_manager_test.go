package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"node-coordinator/pkg/config"
	"node-coordinator/pkg/models"
)

type memSettings struct {
	mu      sync.Mutex
	aggs    map[uuid.UUID]*models.Aggregate
	byOwner map[uuid.UUID]uuid.UUID
	fail    error
	writes  int
}

func newMemSettings() *memSettings {
	return &memSettings{aggs: map[uuid.UUID]*models.Aggregate{}, byOwner: map[uuid.UUID]uuid.UUID{}}
}

func (s *memSettings) GetOrCreateAggregate(_ context.Context, userID uuid.UUID, name models.AggregateName) (*models.Aggregate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return nil, s.fail
	}
	if id, ok := s.byOwner[userID]; ok {
		agg := *s.aggs[id]
		return &agg, nil
	}
	agg := models.NewAggregate(userID, name)
	s.aggs[agg.ID] = agg
	s.byOwner[userID] = agg.ID
	c := *agg
	return &c, nil
}

func (s *memSettings) UpdateAggregateJSON(_ context.Context, id uuid.UUID, value interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	s.aggs[id].Value = raw
	s.writes++
	return nil
}

func (s *memSettings) save(t *testing.T, userID uuid.UUID, settings models.CronReportSettings) {
	t.Helper()
	agg, err := s.GetOrCreateAggregate(context.Background(), userID, models.AggregateCronReports)
	require.NoError(t, err)
	require.NoError(t, s.UpdateAggregateJSON(context.Background(), agg.ID, settings))
}

func (s *memSettings) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

func TestFetchLatestCronSettingsDefaultsOnNull(t *testing.T) {
	store := newMemSettings()

	settings, agg, err := FetchLatestCronSettings(context.Background(), store, uuid.New())
	require.NoError(t, err)
	assert.True(t, agg.IsNull())
	assert.Equal(t, models.DefaultCronReportSettings(), settings)
}

func TestFetchLatestCronSettingsKeepsZeroValues(t *testing.T) {
	store := newMemSettings()
	server := uuid.New()
	store.save(t, server, models.CronReportSettings{Enabled: true})

	settings, _, err := FetchLatestCronSettings(context.Background(), store, server)
	require.NoError(t, err)
	assert.True(t, settings.Enabled)
	assert.Equal(t, 0, settings.WindowSize)
	assert.Empty(t, settings.Messages)
}

func TestReportOnceDisabled(t *testing.T) {
	cm := NewConnectionManager(clock.NewMock(), config.WS{Backlog: 4}, nil, nil)
	ids, sinks := subscribeN(cm.Broadcaster, 2)
	store := newMemSettings()

	_, err := cm.ReportOnce(context.Background(), store, uuid.New())
	require.NoError(t, err)
	assert.Len(t, sinks[0], 0)
	assert.Equal(t, 0, store.writeCount())
	assert.Len(t, ids, 2)
}

func TestReportOnceEnabledWritesBack(t *testing.T) {
	cm := NewConnectionManager(clock.NewMock(), config.WS{Backlog: 4}, nil, nil)
	_, sinks := subscribeN(cm.Broadcaster, 3)
	store := newMemSettings()
	server := uuid.New()
	settings := models.DefaultCronReportSettings()
	settings.Enabled = true
	settings.WindowSize = 2
	store.save(t, server, settings)

	used, err := cm.ReportOnce(context.Background(), store, server)
	require.NoError(t, err)
	assert.Equal(t, 2, used.UsedWindowSize)
	assert.Equal(t, 3, used.QueueSize)
	assert.Len(t, sinks[0], 2)
	assert.Len(t, sinks[1], 2)
	assert.Len(t, sinks[2], 0)

	stored, _, err := FetchLatestCronSettings(context.Background(), store, server)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.UsedWindowSize)
	assert.Equal(t, 3, stored.QueueSize)
}

func TestRunReportsContinuesAfterFailure(t *testing.T) {
	mock := clock.NewMock()
	cm := NewConnectionManager(mock, config.WS{Backlog: 4}, nil, nil)
	_, sinks := subscribeN(cm.Broadcaster, 1)
	store := newMemSettings()
	server := uuid.New()
	settings := models.DefaultCronReportSettings()
	settings.Enabled = true
	store.save(t, server, settings)
	store.mu.Lock()
	store.fail = errors.New("connection refused")
	store.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		cm.RunReports(ctx, store, server)
	}()
	defer func() {
		cancel()
		<-done
	}()

	time.Sleep(10 * time.Millisecond)
	store.mu.Lock()
	store.fail = nil
	store.mu.Unlock()

	require.Eventually(t, func() bool {
		mock.Add(10 * time.Second)
		return len(sinks[0]) > 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRunScheduledForwardsToRotation(t *testing.T) {
	mock := clock.NewMock()
	cm := NewConnectionManager(mock, config.WS{Backlog: 4}, nil, nil)
	_, sinks := subscribeN(cm.Broadcaster, 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go cm.Scheduler.Run(ctx)
	go cm.RunScheduled(ctx, 1)

	cm.Scheduler.ScheduleEvery([]models.WsServerMessage{{Type: models.WsPing}}, time.Second)
	require.Eventually(t, func() bool {
		mock.Add(time.Second)
		return len(sinks[0]) > 0 && len(sinks[1]) > 0
	}, 2*time.Second, 5*time.Millisecond)
}
