package engineclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// HTTPClient talks to a sidecar engine process over JSON/HTTP. Shape is
// lifted directly from the teacher's OrchestratorClient.doRequest: a
// retryablehttp.Client wrapped as a plain *http.Client, one generic
// request/response helper, and status-code-based error classification.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPClient builds a client with the teacher's retry posture (3
// retries, 1s-5s backoff window).
func NewHTTPClient(baseURL string) *HTTPClient {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 3
	retryClient.RetryWaitMin = 1 * time.Second
	retryClient.RetryWaitMax = 5 * time.Second
	retryClient.Logger = nil

	return &HTTPClient{
		baseURL:    baseURL,
		httpClient: retryClient.StandardClient(),
	}
}

func (c *HTTPClient) doRequest(ctx context.Context, method, path string, payload, response interface{}) error {
	url := fmt.Sprintf("%s%s", c.baseURL, path)

	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("engineclient: marshal payload: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("engineclient: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("engineclient: request to %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("engineclient: %s returned status %d", path, resp.StatusCode)
	}

	if response != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(response); err != nil {
			return fmt.Errorf("engineclient: decode response from %s: %w", path, err)
		}
	}
	return nil
}

// HTTPRecognizer adapts a sidecar recognizer process (primary or
// fallback, distinguished only by baseURL) to the Recognizer interface.
type HTTPRecognizer struct{ client *HTTPClient }

// NewHTTPRecognizer builds a recognizer adapter against baseURL.
func NewHTTPRecognizer(baseURL string) *HTTPRecognizer {
	return &HTTPRecognizer{client: NewHTTPClient(baseURL)}
}

func (r *HTTPRecognizer) Recognize(ctx context.Context, req RecognizeRequest) (RecognizeResult, error) {
	var result RecognizeResult
	if err := r.client.doRequest(ctx, http.MethodPost, "/recognize", req, &result); err != nil {
		return RecognizeResult{}, err
	}
	return result, nil
}

// HTTPAligner adapts a sidecar forced-alignment process.
type HTTPAligner struct{ client *HTTPClient }

func NewHTTPAligner(baseURL string) *HTTPAligner {
	return &HTTPAligner{client: NewHTTPClient(baseURL)}
}

func (a *HTTPAligner) Align(ctx context.Context, req AlignRequest) (AlignResult, error) {
	var result AlignResult
	if err := a.client.doRequest(ctx, http.MethodPost, "/align", req, &result); err != nil {
		return AlignResult{}, err
	}
	return result, nil
}

// HTTPSeparator adapts a sidecar vocal-separation process.
type HTTPSeparator struct{ client *HTTPClient }

func NewHTTPSeparator(baseURL string) *HTTPSeparator {
	return &HTTPSeparator{client: NewHTTPClient(baseURL)}
}

func (s *HTTPSeparator) Separate(ctx context.Context, req SeparateRequest) (SeparateResult, error) {
	var result SeparateResult
	if err := s.client.doRequest(ctx, http.MethodPost, "/separate", req, &result); err != nil {
		return SeparateResult{}, err
	}
	return result, nil
}
