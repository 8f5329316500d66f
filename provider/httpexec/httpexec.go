// Package httpexec is a generic JSON-over-HTTP executor. It posts the
// normalized parameters to {base URL}/{service}/{method} with the
// endpoint's bearer credential and maps upstream status codes onto the
// gateway's error taxonomy.
package httpexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/fablecast/fablecast"
	"github.com/fablecast/fablecast/provider"
)

type Executor struct {
	httpClient *http.Client
	logger     *zap.SugaredLogger
}

func New(logger *zap.SugaredLogger) *Executor {
	return &Executor{
		// Per-call deadlines come from the request context; this is only a
		// safety net against a context without one.
		httpClient: &http.Client{Timeout: 2 * time.Minute},
		logger:     logger,
	}
}

func (e *Executor) Execute(ctx context.Context, invocation *provider.Invocation) (*fablecast.Response, error) {
	var payload any
	if len(invocation.Items) > 0 {
		payload = map[string]any{"items": invocation.Items}
	} else {
		payload = invocation.Params
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding request: %v", fablecast.ErrPermanentProvider, err)
	}

	url := fmt.Sprintf("%s/%s/%s", invocation.Endpoint.BaseURL, invocation.ServiceType, invocation.Method)
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: building request: %v", fablecast.ErrPermanentProvider, err)
	}
	request.Header.Set("Content-Type", "application/json")
	if invocation.Endpoint.APIKey != "" {
		request.Header.Set("Authorization", "Bearer "+invocation.Endpoint.APIKey)
	}

	response, err := e.httpClient.Do(request)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer response.Body.Close()

	responseBody, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", fablecast.ErrTransient, err)
	}

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return nil, classifyStatus(response.StatusCode, responseBody)
	}

	var result fablecast.Response
	if err := json.Unmarshal(responseBody, &result); err != nil {
		// Not all providers answer in the envelope shape; keep the raw body.
		result = fablecast.Response{Data: map[string]any{"raw": string(responseBody)}}
	}
	return &result, nil
}

func classifyTransportError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", fablecast.ErrTimeout, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", fablecast.ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", fablecast.ErrTransient, err)
}

func classifyStatus(statusCode int, body []byte) error {
	detail := string(body)
	if len(detail) > 512 {
		detail = detail[:512]
	}
	switch {
	case statusCode == http.StatusTooManyRequests || statusCode >= 500:
		return fmt.Errorf("%w: HTTP %d: %s", fablecast.ErrTransient, statusCode, detail)
	case statusCode == http.StatusRequestTimeout:
		return fmt.Errorf("%w: HTTP %d", fablecast.ErrTimeout, statusCode)
	default:
		return fmt.Errorf("%w: HTTP %d: %s", fablecast.ErrPermanentProvider, statusCode, detail)
	}
}
