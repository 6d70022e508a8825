package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"narrative-server/internal/models"
)

const maxMediaResponseBytes = 32 << 20

type sanaImage struct {
	httpClient *http.Client
	baseURL    string
	ratio      string
}

type sanaRequest struct {
	Prompt string `json:"prompt"`
	Ratio  string `json:"ratio"`
}

// NewSanaImage создает адаптер к HTTP-серверу SANA, который отдает готовую картинку в теле ответа.
func NewSanaImage(httpClient *http.Client, baseURL string) Adapter {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &sanaImage{httpClient: httpClient, baseURL: strings.TrimSuffix(baseURL, "/"), ratio: "3:2"}
}

func (a *sanaImage) Name() string             { return "sana" }
func (a *sanaImage) Kind() models.ContentKind { return models.ContentImage }

func (a *sanaImage) Attempt(ctx context.Context, spec Spec) (Content, error) {
	payload, err := json.Marshal(sanaRequest{Prompt: spec.Prompt, Ratio: a.ratio})
	if err != nil {
		return Content{}, Malformed(a.Name(), a.Kind(), "marshal request: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/generate", bytes.NewReader(payload))
	if err != nil {
		return Content{}, NewError(a.Name(), a.Kind(), ReasonRejected, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "image/*")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return Content{}, Classify(ctx, a.Name(), a.Kind(), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaResponseBytes))
	if err != nil {
		return Content{}, Classify(ctx, a.Name(), a.Kind(), fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return Content{}, StatusError(a.Name(), a.Kind(), resp.StatusCode, string(body))
	}
	if len(body) == 0 {
		return Content{}, Malformed(a.Name(), a.Kind(), "empty image body")
	}

	mime := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(mime, "image/") {
		mime = "image/jpeg"
	}
	return Content{Kind: models.ContentImage, Data: body, MIMEType: mime}, nil
}
