/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package tokenlimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/acronis/go-tokenlimit/log"
	"github.com/acronis/go-tokenlimit/log/logtest"
)

type testRequest struct {
	token string
	id    int
}

type testResponse struct {
	id int
}

func testKeyFunc(req testRequest) (string, bool) {
	return req.token, req.token != ""
}

// blockingService blocks every call until a value is sent to (or the close of) release.
type blockingService struct {
	entered  chan int
	release  chan struct{}
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	readyErr error
}

func newBlockingService() *blockingService {
	return &blockingService{entered: make(chan int, 100), release: make(chan struct{})}
}

func (s *blockingService) Ready(context.Context) error {
	return s.readyErr
}

func (s *blockingService) Call(_ context.Context, req testRequest) (testResponse, error) {
	cur := s.inFlight.Inc()
	defer s.inFlight.Dec()
	for {
		prevMax := s.maxSeen.Load()
		if cur <= prevMax || s.maxSeen.CompareAndSwap(prevMax, cur) {
			break
		}
	}
	s.entered <- req.id
	<-s.release
	return testResponse{id: req.id}, nil
}

type LimitedServiceTestSuite struct {
	suite.Suite
	registry *Registry
}

func TestLimitedService(t *testing.T) {
	suite.Run(t, new(LimitedServiceTestSuite))
}

func (s *LimitedServiceTestSuite) SetupTest() {
	s.registry = MustNewRegistry(RegistryOpts{Limit: 2, IdleTimeout: time.Minute})
}

func (s *LimitedServiceTestSuite) requireEntered(ch <-chan int) int {
	select {
	case id := <-ch:
		return id
	case <-time.After(5 * time.Second):
		s.FailNow("request has not reached the service")
		return 0
	}
}

func (s *LimitedServiceTestSuite) requireNotEntered(ch <-chan int, wait time.Duration) {
	select {
	case id := <-ch:
		s.FailNowf("request should wait for a permit", "request %d has reached the service", id)
	case <-time.After(wait):
	}
}

func (s *LimitedServiceTestSuite) TestThirdRequestWaitsForRelease() {
	inner := newBlockingService()
	svc := NewLimitedService[testRequest, testResponse](inner, testKeyFunc, s.registry, ProcessorOpts{})

	var eg errgroup.Group
	for i := 1; i <= 3; i++ {
		req := testRequest{token: "tok-A", id: i}
		eg.Go(func() error {
			resp, err := svc.Call(context.Background(), req)
			if err == nil && resp.id != req.id {
				return errors.New("unexpected response")
			}
			return err
		})
	}

	s.requireEntered(inner.entered)
	s.requireEntered(inner.entered)
	s.requireNotEntered(inner.entered, 100*time.Millisecond)
	s.Equal(int32(2), inner.inFlight.Load())

	inner.release <- struct{}{}
	s.requireEntered(inner.entered)

	close(inner.release)
	s.Require().NoError(eg.Wait())
	s.Equal(int32(2), inner.maxSeen.Load())
	s.Equal(0, outstanding(s.registry.GetOrCreate("tok-A")))
}

func (s *LimitedServiceTestSuite) TestCredentialsAreIndependent() {
	s.registry = MustNewRegistry(RegistryOpts{Limit: 1, IdleTimeout: time.Minute})
	inner := newBlockingService()
	svc := NewLimitedService[testRequest, testResponse](inner, testKeyFunc, s.registry, ProcessorOpts{})

	done := make(chan error, 1)
	go func() {
		_, err := svc.Call(context.Background(), testRequest{token: "tok-A", id: 1})
		done <- err
	}()
	s.requireEntered(inner.entered)

	// tok-A is saturated, but a tok-B request is served by another pool.
	fast := ServiceFunc[testRequest, testResponse](func(_ context.Context, req testRequest) (testResponse, error) {
		return testResponse{id: req.id}, nil
	})
	fastSvc := NewLimitedService[testRequest, testResponse](fast, testKeyFunc, s.registry, ProcessorOpts{})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := fastSvc.Call(ctx, testRequest{token: "tok-B", id: 2})
	s.Require().NoError(err)
	s.Equal(2, resp.id)

	close(inner.release)
	s.Require().NoError(<-done)
}

func (s *LimitedServiceTestSuite) TestBypassWithoutCredential() {
	s.registry = MustNewRegistry(RegistryOpts{Limit: 1, IdleTimeout: time.Minute})
	inner := newBlockingService()
	svc := NewLimitedService[testRequest, testResponse](inner, testKeyFunc, s.registry, ProcessorOpts{})

	const requests = 10
	var eg errgroup.Group
	for i := 0; i < requests; i++ {
		req := testRequest{id: i}
		eg.Go(func() error {
			_, err := svc.Call(context.Background(), req)
			return err
		})
	}
	for i := 0; i < requests; i++ {
		s.requireEntered(inner.entered)
	}
	s.Equal(int32(requests), inner.inFlight.Load())
	s.Equal(0, s.registry.Len())

	close(inner.release)
	s.Require().NoError(eg.Wait())
	s.Equal(0, s.registry.Len())
}

func (s *LimitedServiceTestSuite) TestConcurrencyNeverExceedsLimit() {
	const limit = 5
	s.registry = MustNewRegistry(RegistryOpts{Limit: limit, IdleTimeout: time.Minute})

	var inFlight, maxSeen atomic.Int32
	inner := ServiceFunc[testRequest, testResponse](func(_ context.Context, req testRequest) (testResponse, error) {
		cur := inFlight.Inc()
		defer inFlight.Dec()
		for {
			prevMax := maxSeen.Load()
			if cur <= prevMax || maxSeen.CompareAndSwap(prevMax, cur) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		return testResponse{id: req.id}, nil
	})
	svc := NewLimitedService[testRequest, testResponse](inner, testKeyFunc, s.registry, ProcessorOpts{})

	var eg errgroup.Group
	for i := 0; i < 50; i++ {
		req := testRequest{token: "tok-A", id: i}
		eg.Go(func() error {
			_, err := svc.Call(context.Background(), req)
			return err
		})
	}
	s.Require().NoError(eg.Wait())
	s.LessOrEqual(maxSeen.Load(), int32(limit))
	s.Equal(0, outstanding(s.registry.GetOrCreate("tok-A")))
}

func (s *LimitedServiceTestSuite) TestErrorsArePassedThroughAndNoLeaks() {
	errDownstream := errors.New("downstream failed")
	var calls atomic.Int32
	inner := ServiceFunc[testRequest, testResponse](func(_ context.Context, req testRequest) (testResponse, error) {
		calls.Inc()
		switch req.id % 3 {
		case 0:
			return testResponse{id: req.id}, nil
		case 1:
			return testResponse{id: -1}, errDownstream
		default:
			panic("downstream panicked")
		}
	})
	svc := NewLimitedService[testRequest, testResponse](inner, testKeyFunc, s.registry, ProcessorOpts{})

	for i := 0; i < 9; i++ {
		req := testRequest{token: "tok-A", id: i}
		switch i % 3 {
		case 0:
			resp, err := svc.Call(context.Background(), req)
			s.Require().NoError(err)
			s.Equal(i, resp.id)
		case 1:
			resp, err := svc.Call(context.Background(), req)
			s.Require().Same(errDownstream, err)
			s.Equal(-1, resp.id)
		default:
			s.Require().PanicsWithValue("downstream panicked", func() {
				_, _ = svc.Call(context.Background(), req)
			})
		}
	}
	s.Equal(int32(9), calls.Load())
	s.Equal(0, outstanding(s.registry.GetOrCreate("tok-A")))
}

func (s *LimitedServiceTestSuite) TestWaitCanceled() {
	s.registry = MustNewRegistry(RegistryOpts{Limit: 1, IdleTimeout: time.Minute})
	inner := newBlockingService()
	logRecorder := logtest.NewRecorder()
	svc := NewLimitedService[testRequest, testResponse](inner, testKeyFunc, s.registry, ProcessorOpts{
		GetLogger: func(context.Context) log.FieldLogger { return logRecorder },
	})

	done := make(chan error, 1)
	go func() {
		_, err := svc.Call(context.Background(), testRequest{token: "Bearer ghp_secret", id: 1})
		done <- err
	}()
	s.requireEntered(inner.entered)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := svc.Call(ctx, testRequest{token: "Bearer ghp_secret", id: 2})
	s.Require().ErrorIs(err, context.DeadlineExceeded)
	s.requireNotEntered(inner.entered, 10*time.Millisecond)

	pool := s.registry.GetOrCreate("Bearer ghp_secret")
	s.Equal(1, outstanding(pool))
	close(inner.release)
	s.Require().NoError(<-done)
	s.Equal(0, outstanding(pool))

	logEntry, found := logRecorder.FindEntry("concurrency limit for credential is reached, waiting for a permit")
	s.Require().True(found)
	s.Equal(log.LevelDebug, logEntry.Level)
	fpField, found := logEntry.FindField(LogFieldKeyFingerprint)
	s.Require().True(found)
	s.Equal(Fingerprint("Bearer ghp_secret"), string(fpField.Bytes))

	_, found = logRecorder.FindEntry("waiting for a permit is canceled")
	s.True(found)
	s.False(logRecorder.Contains("ghp_secret"))
}

func (s *LimitedServiceTestSuite) TestFreshPoolAfterIdleTimeout() {
	const idleTimeout = 50 * time.Millisecond
	s.registry = MustNewRegistry(RegistryOpts{Limit: 1, IdleTimeout: idleTimeout})
	inner := newBlockingService()
	svc := NewLimitedService[testRequest, testResponse](inner, testKeyFunc, s.registry, ProcessorOpts{})

	done := make(chan error, 2)
	go func() {
		_, err := svc.Call(context.Background(), testRequest{token: "tok-A", id: 1})
		done <- err
	}()
	s.requireEntered(inner.entered)

	time.Sleep(idleTimeout * 2)

	go func() {
		_, err := svc.Call(context.Background(), testRequest{token: "tok-A", id: 2})
		done <- err
	}()
	s.Equal(2, s.requireEntered(inner.entered))

	close(inner.release)
	s.Require().NoError(<-done)
	s.Require().NoError(<-done)
}

func (s *LimitedServiceTestSuite) TestReadyIsPassedThrough() {
	s.registry = MustNewRegistry(RegistryOpts{Limit: 1, IdleTimeout: time.Minute})
	inner := newBlockingService()
	svc := NewLimitedService[testRequest, testResponse](inner, testKeyFunc, s.registry, ProcessorOpts{})

	s.NoError(svc.Ready(context.Background()))

	go func() { _, _ = svc.Call(context.Background(), testRequest{token: "tok-A", id: 1}) }()
	s.requireEntered(inner.entered)

	// Saturated pool does not affect readiness.
	inner.readyErr = errors.New("service is overloaded")
	s.Same(inner.readyErr, svc.Ready(context.Background()))
	close(inner.release)
}

func (s *LimitedServiceTestSuite) TestLayerSharesRegistry() {
	s.registry = MustNewRegistry(RegistryOpts{Limit: 1, IdleTimeout: time.Minute})
	layer := Layer[testRequest, testResponse](testKeyFunc, s.registry, ProcessorOpts{})

	inner := newBlockingService()
	svc1 := layer(inner)
	svc2 := layer(inner)

	done := make(chan error, 2)
	go func() {
		_, err := svc1.Call(context.Background(), testRequest{token: "tok-A", id: 1})
		done <- err
	}()
	s.requireEntered(inner.entered)

	go func() {
		_, err := svc2.Call(context.Background(), testRequest{token: "tok-A", id: 2})
		done <- err
	}()
	s.requireNotEntered(inner.entered, 100*time.Millisecond)

	inner.release <- struct{}{}
	s.Equal(2, s.requireEntered(inner.entered))
	close(inner.release)
	s.Require().NoError(<-done)
	s.Require().NoError(<-done)
}
