/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package httpclient

import (
	"bytes"
	"fmt"
	"io"
	"net/http"

	"github.com/acronis/go-tokenlimit/log"
)

// makeRequestBodyRewindable makes it possible to send the request body again on retry.
// It returns a function that resets the body of the given request to its initial state.
// req.GetBody is preferred, then seeking of io.ReadSeeker body.
// Otherwise, the whole body is buffered in memory, so large uploads should provide one of the former.
func makeRequestBodyRewindable(req *http.Request) (func(*http.Request) error, error) {
	if req.GetBody != nil {
		initialBody, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("get body before doing first request: %w", err)
		}
		req.Body = initialBody
		return func(r *http.Request) error {
			body, err := r.GetBody()
			if err != nil {
				return fmt.Errorf("get body for retry: %w", err)
			}
			r.Body = body
			return nil
		}, nil
	}

	if seeker, ok := req.Body.(io.ReadSeeker); ok {
		offset, err := seeker.Seek(0, io.SeekCurrent)
		if err != nil {
			return nil, fmt.Errorf("seek request body before doing first request: %w", err)
		}
		req.Body = io.NopCloser(seeker)
		return func(r *http.Request) error {
			if _, err := seeker.Seek(offset, io.SeekStart); err != nil {
				return fmt.Errorf("seek request body to offset %d for retry: %w", offset, err)
			}
			r.Body = io.NopCloser(seeker)
			return nil
		}, nil
	}

	buf, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, fmt.Errorf("read all request body before doing first request: %w", err)
	}
	req.Body = io.NopCloser(bytes.NewReader(buf))
	return func(r *http.Request) error {
		r.Body = io.NopCloser(bytes.NewReader(buf))
		return nil
	}, nil
}

// drainResponseBody discards and closes the response body to allow connection reuse.
func drainResponseBody(resp *http.Response, logger log.FieldLogger) {
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		logger.Error("failed to discard previous response body between retry attempts", log.Error(err))
	}
	if err := resp.Body.Close(); err != nil {
		logger.Error("failed to close previous response body between retry attempts", log.Error(err))
	}
}
