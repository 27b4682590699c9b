// Package classify calls the image analysis service that drafts an issue
// from a photo.
package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

var (
	// ErrUnavailable covers transport failures, timeouts, and non-2xx
	// responses from the analysis service.
	ErrUnavailable = errors.New("classification service unavailable")
	// ErrInvalid covers responses that arrive but cannot be used: malformed
	// JSON, empty required fields, or a severity score outside 0..10.
	ErrInvalid = errors.New("classification response invalid")
)

// Result is the draft the analysis service proposes from a photo.
type Result struct {
	Title         string `json:"title"`
	Description   string `json:"description"`
	Category      string `json:"category"`
	SeverityScore int    `json:"severity_score"`
}

type Client struct {
	baseURL    string
	httpClient *http.Client
}

func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Classify sends the image once and returns the proposed draft. There are no
// retries; the caller decides whether to try again.
func (c *Client) Classify(ctx context.Context, image []byte, filename string) (Result, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return Result{}, fmt.Errorf("build multipart body: %w", err)
	}
	if _, err := part.Write(image); err != nil {
		return Result{}, fmt.Errorf("write image part: %w", err)
	}
	if err := writer.Close(); err != nil {
		return Result{}, fmt.Errorf("finish multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/analyze-issue", &body)
	if err != nil {
		return Result{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return Result{}, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := validate(result); err != nil {
		return Result{}, err
	}
	return result, nil
}

func validate(r Result) error {
	if strings.TrimSpace(r.Title) == "" {
		return fmt.Errorf("%w: empty title", ErrInvalid)
	}
	if strings.TrimSpace(r.Description) == "" {
		return fmt.Errorf("%w: empty description", ErrInvalid)
	}
	if strings.TrimSpace(r.Category) == "" {
		return fmt.Errorf("%w: empty category", ErrInvalid)
	}
	if r.SeverityScore < 0 || r.SeverityScore > 10 {
		return fmt.Errorf("%w: severity_score %d out of range", ErrInvalid, r.SeverityScore)
	}
	return nil
}
