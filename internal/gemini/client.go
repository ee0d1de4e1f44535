// Package gemini is the HTTP client for the generation upstream:
// synchronous image generation and long-running video operations.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mapleshot/mapleshot/internal/config"
)

const (
	imageModel = "gemini-2.5-flash-image"
	videoModel = "veo-3.1-generate-preview"
)

// Quality selects the output resolution tier. Previews use low.
type Quality string

const (
	QualityLow  Quality = "low"
	QualityHigh Quality = "high"
)

// Blob is an inline media payload.
type Blob struct {
	Data []byte
	Mime string
}

type ImageRequest struct {
	Prompt     string
	Photo      Blob
	References []Blob
	Quality    Quality
}

type VideoRequest struct {
	Prompt string
	Photo  Blob
}

// VideoOperation is one status snapshot of a long-running video job.
type VideoOperation struct {
	Name     string
	Done     bool
	VideoURI string
}

type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	log        *slog.Logger
}

func NewClient(cfg config.Config, log *slog.Logger) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}

	return &Client{
		apiKey:  cfg.GeminiAPIKey,
		baseURL: strings.TrimRight(cfg.GeminiBaseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		log: log,
	}
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     []byte `json:"data"`
}

type contentPart struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

// GenerateImage runs one synchronous image generation. A 2xx response
// with no inline image part is an upstream failure, not a success.
func (c *Client) GenerateImage(ctx context.Context, req ImageRequest) (Blob, error) {
	parts := []contentPart{
		{Text: req.Prompt},
		{InlineData: &inlineData{MimeType: req.Photo.Mime, Data: req.Photo.Data}},
	}
	for _, ref := range req.References {
		parts = append(parts, contentPart{InlineData: &inlineData{MimeType: ref.Mime, Data: ref.Data}})
	}

	imageSize := "2K"
	if req.Quality == QualityLow {
		imageSize = "1K"
	}

	payload := map[string]any{
		"contents": []map[string]any{
			{"parts": parts},
		},
		"generationConfig": map[string]any{
			"imageConfig": map[string]any{
				"imageSize": imageSize,
			},
		},
	}

	path := "/v1beta/models/" + imageModel + ":generateContent"
	var resp struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					InlineData *inlineData `json:"inlineData"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
	}
	if err := c.postJSON(ctx, path, payload, &resp); err != nil {
		return Blob{}, fmt.Errorf("generate image: %w", err)
	}

	for _, cand := range resp.Candidates {
		for _, part := range cand.Content.Parts {
			if part.InlineData != nil && len(part.InlineData.Data) > 0 {
				mime := part.InlineData.MimeType
				if mime == "" {
					mime = "image/png"
				}
				return Blob{Data: part.InlineData.Data, Mime: mime}, nil
			}
		}
	}
	return Blob{}, fmt.Errorf("generate image: no inline image in response")
}

// StartVideo submits a video generation job and returns the operation
// name to poll.
func (c *Client) StartVideo(ctx context.Context, req VideoRequest) (string, error) {
	payload := map[string]any{
		"instances": []map[string]any{
			{
				"prompt": req.Prompt,
				"image": map[string]any{
					"bytesBase64Encoded": req.Photo.Data,
					"mimeType":           req.Photo.Mime,
				},
			},
		},
	}

	path := "/v1beta/models/" + videoModel + ":predictLongRunning"
	var resp struct {
		Name string `json:"name"`
	}
	if err := c.postJSON(ctx, path, payload, &resp); err != nil {
		return "", fmt.Errorf("start video: %w", err)
	}
	if resp.Name == "" {
		return "", fmt.Errorf("start video: response missing operation name")
	}

	c.log.Info("video operation started", "operation", resp.Name)
	return resp.Name, nil
}

// GetVideoOperation fetches one status snapshot. A completed operation
// carrying an upstream error surfaces as an error here.
func (c *Client) GetVideoOperation(ctx context.Context, name string) (VideoOperation, error) {
	var resp struct {
		Name  string `json:"name"`
		Done  bool   `json:"done"`
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
		Response struct {
			GenerateVideoResponse struct {
				GeneratedSamples []struct {
					Video struct {
						URI string `json:"uri"`
					} `json:"video"`
				} `json:"generatedSamples"`
			} `json:"generateVideoResponse"`
		} `json:"response"`
	}
	if err := c.getJSON(ctx, "/v1beta/"+strings.TrimPrefix(name, "/"), &resp); err != nil {
		return VideoOperation{}, fmt.Errorf("get video operation: %w", err)
	}

	if resp.Error != nil {
		return VideoOperation{}, fmt.Errorf("video operation failed: code=%d msg=%s", resp.Error.Code, resp.Error.Message)
	}

	op := VideoOperation{Name: resp.Name, Done: resp.Done}
	if samples := resp.Response.GenerateVideoResponse.GeneratedSamples; len(samples) > 0 {
		op.VideoURI = samples[0].Video.URI
	}
	if op.Done && op.VideoURI == "" {
		return VideoOperation{}, fmt.Errorf("video operation completed without a video")
	}
	return op, nil
}

// DownloadVideo fetches the finished video bytes from the upstream
// file URI.
func (c *Client) DownloadVideo(ctx context.Context, uri string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("X-Goog-Api-Key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download video: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("download video: status=%d body=%s", resp.StatusCode, truncateBody(body))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read video body: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("download video: empty body")
	}
	return data, nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("X-Goog-Api-Key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	return c.do(req, out)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("X-Goog-Api-Key", c.apiKey)
	req.Header.Set("Accept", "application/json")

	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	rawBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode >= 300 {
		if c.log != nil {
			c.log.Error("gemini request failed", "status", resp.StatusCode, "path", req.URL.Path, "body", truncateBody(rawBody))
		}
		return fmt.Errorf("gemini error: status=%d path=%s", resp.StatusCode, req.URL.Path)
	}

	if out != nil {
		if err := json.Unmarshal(rawBody, out); err != nil {
			return fmt.Errorf("decode response: %w (body=%s)", err, truncateBody(rawBody))
		}
	}
	return nil
}

func truncateBody(body []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(body))
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "…"
}
