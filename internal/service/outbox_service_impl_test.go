package service_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"github.com/jnst/bitemporal-refdata/internal/bus"
	"github.com/jnst/bitemporal-refdata/internal/bus/mocks"
	"github.com/jnst/bitemporal-refdata/internal/metrics"
	"github.com/jnst/bitemporal-refdata/internal/model"
	"github.com/jnst/bitemporal-refdata/internal/repository"
	"github.com/jnst/bitemporal-refdata/internal/repository/memory"
	"github.com/jnst/bitemporal-refdata/internal/service"
)

var errBusDown = errors.New("bus unavailable")

// racingRepository lets another publisher claim the first event between the
// poll and our claim.
type racingRepository struct {
	repository.OutboxRepository
}

func (r racingRepository) GetPendingEvents(ctx context.Context, limit int) ([]*model.OutboxEvent, error) {
	events, err := r.OutboxRepository.GetPendingEvents(ctx, limit)
	if err != nil || len(events) == 0 {
		return events, err
	}

	if _, err := r.OutboxRepository.ClaimEvent(ctx, events[0].ID, time.Now()); err != nil {
		return nil, err
	}

	return events, nil
}

type OutboxServiceTestSuite struct {
	suite.Suite
	ctx     context.Context
	ctrl    *gomock.Controller
	broker  *mocks.MockBroker
	store   *memory.Store
	repo    repository.OutboxRepository
	metrics *metrics.Metrics
	now     time.Time
}

func TestOutboxServiceTestSuite(t *testing.T) {
	suite.Run(t, new(OutboxServiceTestSuite))
}

func (s *OutboxServiceTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.ctrl = gomock.NewController(s.T())
	s.broker = mocks.NewMockBroker(s.ctrl)
	s.store = memory.NewStore()
	s.repo = s.store.Outbox()
	s.metrics = metrics.New(prometheus.NewRegistry())
	s.now = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
}

func (s *OutboxServiceTestSuite) service(repo repository.OutboxRepository, opts ...service.OutboxOption) service.OutboxService {
	base := []service.OutboxOption{
		service.WithTopicPrefix("refdata"),
		service.WithClock(func() time.Time { return s.now }),
		service.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		service.WithMetrics(s.metrics),
	}

	return service.NewOutboxServiceImpl(repo, s.broker, append(base, opts...)...)
}

func (s *OutboxServiceTestSuite) createEvent(aggregateID string) *model.OutboxEvent {
	event, err := s.repo.CreateEvent(s.ctx, &model.CreateOutboxEventParams{
		AggregateID:   aggregateID,
		AggregateType: string(model.EntityTypeCountry),
		EventType:     string(model.EventTypeUpdated),
		Payload:       []byte(`{"aggregateId":"` + aggregateID + `"}`),
	})
	s.Require().NoError(err)

	return event
}

func (s *OutboxServiceTestSuite) get(id uuid.UUID) *model.OutboxEvent {
	event, err := s.repo.GetByID(s.ctx, id)
	s.Require().NoError(err)

	return event
}

func (s *OutboxServiceTestSuite) TestPublishesPendingEvent() {
	event := s.createEvent("ISO3166-1-ALPHA2:US")

	s.broker.EXPECT().
		Publish(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, msg bus.Message) error {
			s.Equal("refdata.country", msg.Topic)
			s.Equal("ISO3166-1-ALPHA2:US", msg.Key)
			s.Equal(event.ID.String(), msg.EventID)
			s.Equal(event.Payload, msg.Payload)
			return nil
		})

	res, err := s.service(s.repo).ProcessPendingEvents(s.ctx, 10)
	s.Require().NoError(err)

	s.Equal(1, res.Polled)
	s.Equal(1, res.Published)

	stored := s.get(event.ID)
	s.Equal(model.OutboxStatusProcessed, stored.Status)
	s.Require().NotNil(stored.ProcessedAt)
	s.Equal(s.now, *stored.ProcessedAt)
	s.InDelta(1, testutil.ToFloat64(s.metrics.OutboxPublished.WithLabelValues("COUNTRY")), 0)
}

func (s *OutboxServiceTestSuite) TestFailedSendIsRetriedUntilMaxRetries() {
	event := s.createEvent("ISO3166-1-ALPHA2:US")
	svc := s.service(s.repo, service.WithMaxRetries(3))

	s.broker.EXPECT().Publish(gomock.Any(), gomock.Any()).Return(errBusDown).Times(3)

	res, err := svc.ProcessPendingEvents(s.ctx, 10)
	s.Require().NoError(err)
	s.Equal(1, res.Retried)

	stored := s.get(event.ID)
	s.Equal(model.OutboxStatusPending, stored.Status)
	s.Equal(1, stored.RetryCount)
	s.Require().NotNil(stored.ErrorMessage)
	s.Equal(errBusDown.Error(), *stored.ErrorMessage)
	s.Nil(stored.ProcessedAt)

	_, err = svc.ProcessPendingEvents(s.ctx, 10)
	s.Require().NoError(err)
	s.Equal(2, s.get(event.ID).RetryCount)

	res, err = svc.ProcessPendingEvents(s.ctx, 10)
	s.Require().NoError(err)
	s.Equal(1, res.Failed)

	stored = s.get(event.ID)
	s.Equal(model.OutboxStatusFailed, stored.Status)
	s.Equal(3, stored.RetryCount)

	res, err = svc.ProcessPendingEvents(s.ctx, 10)
	s.Require().NoError(err)
	s.Zero(res.Polled)

	s.InDelta(2, testutil.ToFloat64(s.metrics.OutboxFailures.WithLabelValues("COUNTRY", "retry")), 0)
	s.InDelta(1, testutil.ToFloat64(s.metrics.OutboxFailures.WithLabelValues("COUNTRY", "failed")), 0)
}

func (s *OutboxServiceTestSuite) TestFailedAggregateDefersItsLaterEvents() {
	first := s.createEvent("A")
	second := s.createEvent("A")
	other := s.createEvent("B")

	var sent []string
	s.broker.EXPECT().
		Publish(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, msg bus.Message) error {
			sent = append(sent, msg.EventID)
			if msg.AggregateID == "A" {
				return errBusDown
			}
			return nil
		}).
		Times(2)

	res, err := s.service(s.repo).ProcessPendingEvents(s.ctx, 10)
	s.Require().NoError(err)

	s.Equal(3, res.Polled)
	s.Equal(1, res.Retried)
	s.Equal(1, res.Deferred)
	s.Equal(1, res.Published)
	s.Equal([]string{first.ID.String(), other.ID.String()}, sent)

	deferred := s.get(second.ID)
	s.Equal(model.OutboxStatusPending, deferred.Status)
	s.Zero(deferred.RetryCount)
}

func (s *OutboxServiceTestSuite) TestEventsOfOneAggregateArePublishedInOrder() {
	first := s.createEvent("A")
	second := s.createEvent("A")

	gomock.InOrder(
		s.broker.EXPECT().Publish(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, msg bus.Message) error {
			s.Equal(first.ID.String(), msg.EventID)
			return nil
		}),
		s.broker.EXPECT().Publish(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, msg bus.Message) error {
			s.Equal(second.ID.String(), msg.EventID)
			return nil
		}),
	)

	res, err := s.service(s.repo).ProcessPendingEvents(s.ctx, 10)
	s.Require().NoError(err)
	s.Equal(2, res.Published)
}

func (s *OutboxServiceTestSuite) TestLostClaimIsSkipped() {
	taken := s.createEvent("A")
	free := s.createEvent("B")

	s.broker.EXPECT().
		Publish(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, msg bus.Message) error {
			s.Equal(free.ID.String(), msg.EventID)
			return nil
		})

	res, err := s.service(racingRepository{s.repo}).ProcessPendingEvents(s.ctx, 10)
	s.Require().NoError(err)

	s.Equal(1, res.Skipped)
	s.Equal(1, res.Published)
	s.Equal(model.OutboxStatusProcessing, s.get(taken.ID).Status)
}

func (s *OutboxServiceTestSuite) TestLimit() {
	for range 5 {
		s.createEvent(uuid.NewString())
	}

	s.broker.EXPECT().Publish(gomock.Any(), gomock.Any()).Return(nil).Times(2)

	res, err := s.service(s.repo).ProcessPendingEvents(s.ctx, 2)
	s.Require().NoError(err)
	s.Equal(2, res.Published)

	stats, err := s.service(s.repo).Stats(s.ctx)
	s.Require().NoError(err)
	s.Equal(int64(3), stats[model.OutboxStatusPending])
	s.Equal(int64(2), stats[model.OutboxStatusProcessed])
}

func (s *OutboxServiceTestSuite) TestReclaimStaleReleasesExpiredClaims() {
	stale := s.createEvent("A")
	fresh := s.createEvent("B")

	ok, err := s.repo.ClaimEvent(s.ctx, stale.ID, s.now.Add(-10*time.Minute))
	s.Require().NoError(err)
	s.Require().True(ok)

	ok, err = s.repo.ClaimEvent(s.ctx, fresh.ID, s.now.Add(-30*time.Second))
	s.Require().NoError(err)
	s.Require().True(ok)

	n, err := s.service(s.repo).ReclaimStale(s.ctx, 2*time.Minute)
	s.Require().NoError(err)
	s.Equal(int64(1), n)

	released := s.get(stale.ID)
	s.Equal(model.OutboxStatusPending, released.Status)
	s.Equal(1, released.RetryCount)
	s.Nil(released.ClaimedAt)
	s.Require().NotNil(released.ErrorMessage)
	s.Equal(model.ErrClaimExpired.Error(), *released.ErrorMessage)

	s.Equal(model.OutboxStatusProcessing, s.get(fresh.ID).Status)
	s.InDelta(1, testutil.ToFloat64(s.metrics.OutboxReclaimed), 0)
}

func (s *OutboxServiceTestSuite) TestRepeatedlyExpiredClaimEndsFailed() {
	event := s.createEvent("A")
	svc := s.service(s.repo, service.WithMaxRetries(3))

	for attempt := 1; attempt <= 3; attempt++ {
		ok, err := s.repo.ClaimEvent(s.ctx, event.ID, s.now.Add(-10*time.Minute))
		s.Require().NoError(err)
		s.Require().True(ok, "attempt %d", attempt)

		n, err := svc.ReclaimStale(s.ctx, 2*time.Minute)
		s.Require().NoError(err)
		s.Equal(int64(1), n)
		s.Equal(attempt, s.get(event.ID).RetryCount)
	}

	s.Equal(model.OutboxStatusFailed, s.get(event.ID).Status)

	failed, err := svc.ListFailed(s.ctx, 10)
	s.Require().NoError(err)
	s.Require().Len(failed, 1)

	ok, err := s.repo.ClaimEvent(s.ctx, event.ID, s.now)
	s.Require().NoError(err)
	s.False(ok, "a FAILED event is not claimable")
}

func (s *OutboxServiceTestSuite) TestRetryFailed() {
	event := s.createEvent("A")
	svc := s.service(s.repo, service.WithMaxRetries(1))

	s.broker.EXPECT().Publish(gomock.Any(), gomock.Any()).Return(errBusDown)

	_, err := svc.ProcessPendingEvents(s.ctx, 10)
	s.Require().NoError(err)

	failed, err := svc.ListFailed(s.ctx, 10)
	s.Require().NoError(err)
	s.Require().Len(failed, 1)
	s.Equal(event.ID, failed[0].ID)

	requeued, err := svc.RetryFailed(s.ctx, event.ID)
	s.Require().NoError(err)
	s.Equal(model.OutboxStatusPending, requeued.Status)
	s.Zero(requeued.RetryCount)

	stored := s.get(event.ID)
	s.Equal(model.OutboxStatusPending, stored.Status)
	s.Zero(stored.RetryCount)

	_, err = svc.RetryFailed(s.ctx, event.ID)
	s.ErrorIs(err, model.ErrInvalidTransition)

	_, err = svc.RetryFailed(s.ctx, uuid.New())
	s.ErrorIs(err, model.ErrEventNotFound)
}
