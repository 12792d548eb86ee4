// Package openai calls the OpenAI images API for enhancement and rerendering.
package openai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"photo-processor/internal/providers"
)

const (
	defaultBaseURL  = "https://api.openai.com/v1"
	defaultTimeout  = 90 * time.Second
	enhanceModel    = "dall-e-2"
	rerenderModel   = "dall-e-3"
	imageSize       = "1024x1024"
	enhancePrompt   = "Enhance this real estate photo: improve lighting, clarity and color balance without changing the scene"
	maxErrorPreview = 512
)

type Options struct {
	APIKey     string
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
}

type Client struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

func New(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, providers.Wrap(providers.OpenAI, "init", providers.ErrMissingAPIKey)
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Client{apiKey: strings.TrimSpace(opts.APIKey), baseURL: baseURL, http: client}, nil
}

type imageResponse struct {
	Data []struct {
		B64JSON string `json:"b64_json"`
		URL     string `json:"url"`
	} `json:"data"`
}

type generationRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	N              int    `json:"n"`
	Size           string `json:"size"`
	Quality        string `json:"quality"`
	ResponseFormat string `json:"response_format"`
}

// Enhance sends the image to the edits endpoint with a fixed prompt.
func (c *Client) Enhance(ctx context.Context, img []byte) ([]byte, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	fields := map[string]string{
		"model":           enhanceModel,
		"prompt":          enhancePrompt,
		"n":               "1",
		"size":            imageSize,
		"response_format": "b64_json",
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, providers.Wrap(providers.OpenAI, "enhance", err)
		}
	}
	part, err := w.CreateFormFile("image", "image.png")
	if err != nil {
		return nil, providers.Wrap(providers.OpenAI, "enhance", err)
	}
	if _, err := part.Write(img); err != nil {
		return nil, providers.Wrap(providers.OpenAI, "enhance", err)
	}
	if err := w.Close(); err != nil {
		return nil, providers.Wrap(providers.OpenAI, "enhance", err)
	}

	out, err := c.do(ctx, "/images/edits", w.FormDataContentType(), &body)
	return out, providers.Wrap(providers.OpenAI, "enhance", err)
}

// Rerender generates a new image from the prompt. The source image is not sent.
func (c *Client) Rerender(ctx context.Context, _ []byte, prompt string) ([]byte, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, providers.Wrap(providers.OpenAI, "rerender", providers.ErrMissingPrompt)
	}
	payload, err := json.Marshal(generationRequest{
		Model:          rerenderModel,
		Prompt:         prompt,
		N:              1,
		Size:           imageSize,
		Quality:        "hd",
		ResponseFormat: "b64_json",
	})
	if err != nil {
		return nil, providers.Wrap(providers.OpenAI, "rerender", err)
	}

	out, err := c.do(ctx, "/images/generations", "application/json", bytes.NewReader(payload))
	return out, providers.Wrap(providers.OpenAI, "rerender", err)
}

func (c *Client) do(ctx context.Context, path, contentType string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 300 {
		preview, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorPreview))
		return nil, fmt.Errorf("openai status %d: %s", resp.StatusCode, strings.TrimSpace(string(preview)))
	}

	var out imageResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(out.Data) == 0 {
		return nil, providers.ErrEmptyResponse
	}

	item := out.Data[0]
	switch {
	case item.B64JSON != "":
		data, err := base64.StdEncoding.DecodeString(item.B64JSON)
		if err != nil {
			return nil, fmt.Errorf("failed to decode image: %w", err)
		}
		if len(data) == 0 {
			return nil, providers.ErrEmptyResponse
		}
		return data, nil
	case item.URL != "":
		return c.download(ctx, item.URL)
	}
	return nil, providers.ErrEmptyResponse
}

func (c *Client) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build download request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download image: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("image download status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	if len(data) == 0 {
		return nil, providers.ErrEmptyResponse
	}
	return data, nil
}

var (
	_ providers.Enhancer   = (*Client)(nil)
	_ providers.Rerenderer = (*Client)(nil)
)
