package parser

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/xhad/docflow/internal/errs"
	"github.com/xhad/docflow/internal/types"
)

const DefaultMaxResponseBytes = 32 << 20

// Remote posts raw bytes to an external parsing service and expects a
// JSON ParsedDocument back.
type Remote struct {
	endpoint string
	client   *http.Client
	limiter  *rate.Limiter
	maxBytes int64
}

func NewRemote(endpoint string, timeout time.Duration, rps float64, maxBytes int64) (*Remote, error) {
	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid parser URL %q", endpoint)
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxResponseBytes
	}
	return &Remote{
		endpoint: endpoint,
		client: &http.Client{
			Timeout: timeout,
		},
		limiter:  rate.NewLimiter(rate.Limit(rps), 1),
		maxBytes: maxBytes,
	}, nil
}

func (r *Remote) Parse(ctx context.Context, data []byte, mimeType, filename string) (*types.ParsedDocument, error) {
	// Apply rate limiting
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, errs.Parse("parser.Remote", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, errs.Parse("parser.Remote", err)
	}
	req.Header.Set("Content-Type", mimeType)
	req.Header.Set("X-Filename", filename)
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, errs.Parse("parser.Remote", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, errs.Parse("parser.Remote",
			fmt.Errorf("received status code %d for %s: %s", resp.StatusCode, filename, bytes.TrimSpace(body)))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, r.maxBytes+1))
	if err != nil {
		return nil, errs.Parse("parser.Remote", fmt.Errorf("failed to read response: %v", err))
	}
	if int64(len(body)) > r.maxBytes {
		return nil, errs.Parse("parser.Remote",
			fmt.Errorf("response for %s exceeds %d bytes", filename, r.maxBytes))
	}

	var doc types.ParsedDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, errs.Parse("parser.Remote", fmt.Errorf("failed to decode response: %v", err))
	}
	return &doc, nil
}
