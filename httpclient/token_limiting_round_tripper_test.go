/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package httpclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/acronis/go-tokenlimit/tokenlimit"
)

type TokenLimitingRoundTripperTestSuite struct {
	suite.Suite
	server      *httptest.Server
	entered     chan string
	release     chan struct{}
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	registry    *tokenlimit.Registry
	client      *http.Client
}

func TestTokenLimitingRoundTripper(t *testing.T) {
	suite.Run(t, new(TokenLimitingRoundTripperTestSuite))
}

func (s *TokenLimitingRoundTripperTestSuite) SetupTest() {
	s.entered = make(chan string, 100)
	s.release = make(chan struct{})
	s.inFlight.Store(0)
	s.maxInFlight.Store(0)
	s.server = httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		cur := s.inFlight.Inc()
		defer s.inFlight.Dec()
		for {
			prev := s.maxInFlight.Load()
			if cur <= prev || s.maxInFlight.CompareAndSwap(prev, cur) {
				break
			}
		}
		s.entered <- r.Header.Get("Authorization")
		<-s.release
		rw.WriteHeader(http.StatusOK)
	}))
	s.registry = tokenlimit.MustNewRegistry(tokenlimit.RegistryOpts{Limit: 2, IdleTimeout: time.Minute})
	s.client = &http.Client{Transport: NewTokenLimitingRoundTripper(http.DefaultTransport, s.registry)}
}

func (s *TokenLimitingRoundTripperTestSuite) TearDownTest() {
	s.server.Close()
}

func (s *TokenLimitingRoundTripperTestSuite) get(ctx context.Context, token string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.server.URL+"/repos/acronis/go-tokenlimit", nil)
	s.Require().NoError(err)
	if token != "" {
		req.Header.Set("Authorization", token)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	_ = resp.Body.Close()
	return resp.StatusCode, nil
}

func (s *TokenLimitingRoundTripperTestSuite) waitEntered(n int) []string {
	var tokens []string
	for i := 0; i < n; i++ {
		select {
		case tok := <-s.entered:
			tokens = append(tokens, tok)
		case <-time.After(5 * time.Second):
			s.FailNow("request has not reached the server")
		}
	}
	return tokens
}

func (s *TokenLimitingRoundTripperTestSuite) requireNothingEntered() {
	select {
	case tok := <-s.entered:
		s.FailNow("unexpected request reached the server", tok)
	case <-time.After(100 * time.Millisecond):
	}
}

func (s *TokenLimitingRoundTripperTestSuite) TestThirdRequestWaitsForPermit() {
	var eg errgroup.Group
	for i := 0; i < 3; i++ {
		eg.Go(func() error {
			_, err := s.get(context.Background(), "token tok-A")
			return err
		})
	}

	s.waitEntered(2)
	s.requireNothingEntered()

	s.release <- struct{}{}
	s.waitEntered(1)
	close(s.release)

	s.Require().NoError(eg.Wait())
	s.Require().EqualValues(2, s.maxInFlight.Load())
}

func (s *TokenLimitingRoundTripperTestSuite) TestCredentialsAreIndependent() {
	var eg errgroup.Group
	for _, tok := range []string{"token tok-A", "token tok-A", "token tok-B", "token tok-B"} {
		eg.Go(func() error {
			_, err := s.get(context.Background(), tok)
			return err
		})
	}
	s.Require().ElementsMatch(
		[]string{"token tok-A", "token tok-A", "token tok-B", "token tok-B"}, s.waitEntered(4))
	close(s.release)
	s.Require().NoError(eg.Wait())
}

func (s *TokenLimitingRoundTripperTestSuite) TestRequestWithoutCredentialIsNotLimited() {
	var eg errgroup.Group
	for i := 0; i < 5; i++ {
		eg.Go(func() error {
			_, err := s.get(context.Background(), "")
			return err
		})
	}
	s.waitEntered(5)
	close(s.release)
	s.Require().NoError(eg.Wait())
	s.Require().Equal(0, s.registry.Len())
}

func (s *TokenLimitingRoundTripperTestSuite) TestWaitIsCanceled() {
	var eg errgroup.Group
	for i := 0; i < 2; i++ {
		eg.Go(func() error {
			_, err := s.get(context.Background(), "token tok-A")
			return err
		})
	}
	s.waitEntered(2)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := s.get(ctx, "token tok-A")
	s.Require().ErrorIs(err, context.DeadlineExceeded)
	s.requireNothingEntered()

	close(s.release)
	s.Require().NoError(eg.Wait())

	// Permits of completed requests are back in the pool.
	pool := s.registry.GetOrCreate("token tok-A")
	for i := 0; i < 2; i++ {
		_, ok := pool.TryAcquire()
		s.Require().True(ok)
	}
}

func (s *TokenLimitingRoundTripperTestSuite) TestCustomHeader() {
	s.client.Transport = NewTokenLimitingRoundTripperWithOpts(
		http.DefaultTransport, s.registry, TokenLimitingRoundTripperOpts{Header: "X-Api-Key"})

	var eg errgroup.Group
	for i := 0; i < 3; i++ {
		eg.Go(func() error {
			// Authorization differs, but X-Api-Key is the same, so the requests share the pool.
			req, err := http.NewRequest(http.MethodGet, s.server.URL, nil)
			if err != nil {
				return err
			}
			req.Header.Set("X-Api-Key", "key-1")
			req.Header.Set("Authorization", "token tok-"+string(rune('A'+i)))
			resp, err := s.client.Do(req)
			if err != nil {
				return err
			}
			return resp.Body.Close()
		})
	}
	s.waitEntered(2)
	s.requireNothingEntered()
	close(s.release)
	s.waitEntered(1)
	s.Require().NoError(eg.Wait())
	s.Require().Equal(1, s.registry.Len())
}
