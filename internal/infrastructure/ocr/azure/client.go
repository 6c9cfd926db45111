package azure

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kirillkom/document-vault/internal/core/domain"
	"github.com/kirillkom/document-vault/internal/infrastructure/ocr"
)

const (
	analyzePath   = "/vision/v3.2/read/analyze"
	subscriptionH = "Ocp-Apim-Subscription-Key"
)

// Client talks to the Azure Computer Vision Read API. Recognition is
// asynchronous: analyze returns an Operation-Location URL that is polled.
type Client struct {
	endpoint   string
	key        string
	httpClient *http.Client
}

func New(endpoint, key string, httpClient *http.Client) (*Client, error) {
	endpoint = strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if endpoint == "" {
		return nil, fmt.Errorf("azure endpoint is required")
	}
	if strings.TrimSpace(key) == "" {
		return nil, fmt.Errorf("azure subscription key is required")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{endpoint: endpoint, key: key, httpClient: httpClient}, nil
}

func (c *Client) Name() string { return "azure-read" }

func (c *Client) Submit(ctx context.Context, in ocr.Input) (string, error) {
	target := c.endpoint + analyzePath
	if len(in.Languages) > 0 {
		target += "?language=" + url.QueryEscape(in.Languages[0])
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(in.Content))
	if err != nil {
		return "", fmt.Errorf("create analyze request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set(subscriptionH, c.key)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", wrapTemporaryIfNeeded("azure analyze", fmt.Errorf("azure analyze request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return "", wrapTemporaryIfNeeded("azure analyze", newHTTPStatusError("analyze", resp))
	}
	location := strings.TrimSpace(resp.Header.Get("Operation-Location"))
	if location == "" {
		return "", domain.WrapError(domain.ErrExtraction, "azure analyze", errors.New("no Operation-Location header in response"))
	}
	if !strings.HasPrefix(location, c.endpoint) {
		return "", domain.WrapError(domain.ErrExtraction, "azure analyze", fmt.Errorf("operation location %q outside endpoint", location))
	}
	return location, nil
}

type readResponse struct {
	Status        string `json:"status"`
	AnalyzeResult *struct {
		ReadResults []struct {
			Lines []struct {
				Text string `json:"text"`
			} `json:"lines"`
		} `json:"readResults"`
	} `json:"analyzeResult"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) Poll(ctx context.Context, handle string) (ocr.Operation, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, handle, nil)
	if err != nil {
		return ocr.Operation{}, fmt.Errorf("create read result request: %w", err)
	}
	req.Header.Set(subscriptionH, c.key)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ocr.Operation{}, wrapTemporaryIfNeeded("azure read result", fmt.Errorf("azure read result request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ocr.Operation{}, wrapTemporaryIfNeeded("azure read result", newHTTPStatusError("read result", resp))
	}

	var payload readResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return ocr.Operation{}, fmt.Errorf("decode read result: %w", err)
	}
	return toOperation(payload)
}

func toOperation(payload readResponse) (ocr.Operation, error) {
	switch strings.ToLower(payload.Status) {
	case "notstarted":
		return ocr.Operation{State: ocr.StateNotStarted}, nil
	case "running":
		return ocr.Operation{State: ocr.StateRunning}, nil
	case "failed":
		msg := "read operation failed"
		if payload.Error != nil && payload.Error.Message != "" {
			msg = payload.Error.Message
		}
		return ocr.Operation{State: ocr.StateFailed, Message: msg}, nil
	case "succeeded":
		var lines []string
		if payload.AnalyzeResult != nil {
			for _, page := range payload.AnalyzeResult.ReadResults {
				for _, line := range page.Lines {
					lines = append(lines, line.Text)
				}
			}
		}
		return ocr.Operation{State: ocr.StateSucceeded, Lines: lines}, nil
	default:
		return ocr.Operation{}, domain.WrapError(domain.ErrExtraction, "azure read result", fmt.Errorf("unknown status %q", payload.Status))
	}
}

var _ ocr.Provider = (*Client)(nil)
