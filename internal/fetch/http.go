package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

const maxDocumentBytes = 4 << 20

// HTTP fetches documents over HTTP(S). Transient failures (transport errors and 5xx)
// are retried with exponential backoff; 404 and other 4xx answers are final.
type HTTP struct {
	Client  *http.Client
	Backoff wait.Backoff
}

func NewHTTP(client *http.Client) *HTTP {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTP{
		Client: client,
		Backoff: wait.Backoff{
			Duration: 200 * time.Millisecond,
			Factor:   2,
			Jitter:   0.1,
			Steps:    3,
		},
	}
}

type statusError struct {
	code int
	url  string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d", e.url, e.code)
}

func (h *HTTP) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	logger := log.FromContext(ctx).WithValues("url", rawURL)

	var body []byte
	var lastErr error
	err := wait.ExponentialBackoffWithContext(ctx, h.Backoff, func(ctx context.Context) (bool, error) {
		b, err := h.get(ctx, rawURL)
		if err == nil {
			body = b
			return true, nil
		}
		lastErr = err
		var se *statusError
		if errors.Is(err, ErrNotFound) || (errors.As(err, &se) && se.code < 500) {
			return false, err
		}
		logger.V(1).Info("retrying document fetch", "error", err.Error())
		return false, nil
	})
	if err != nil {
		if wait.Interrupted(err) && lastErr != nil {
			return nil, lastErr
		}
		return nil, err
	}
	return body, nil
}

func (h *HTTP) get(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json, application/yaml;q=0.9, */*;q=0.1")

	resp, err := h.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("GET %s: %w", rawURL, ErrNotFound)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, &statusError{code: resp.StatusCode, url: rawURL}
	}

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rawURL, err)
	}
	return b, nil
}
