package simulate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/okian/irtengine/internal/adapters/repository"
	service "github.com/okian/irtengine/internal/app"
	"github.com/okian/irtengine/internal/domain/irt"
	"github.com/okian/irtengine/internal/domain/model"
	"github.com/okian/irtengine/internal/domain/selection"
)

// HTTPTarget runs a simulation against a running server.
type HTTPTarget struct {
	baseURL string
	client  *http.Client
}

// NewHTTPTarget returns a target for the API at baseURL, e.g.
// "http://localhost:9080". Each request is bounded by timeout.
func NewHTTPTarget(baseURL string, timeout time.Duration) *HTTPTarget {
	return &HTTPTarget{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// UpsertItems loads items through PUT /items.
func (t *HTTPTarget) UpsertItems(ctx context.Context, items []model.Item) ([]model.Item, error) {
	var out struct {
		Items []model.Item `json:"items"`
	}
	body := struct {
		Items []model.Item `json:"items"`
	}{items}
	if err := t.do(ctx, http.MethodPut, "/items", body, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// NextItem calls GET /students/{id}/next-item. The answer key is not served,
// so the returned item carries parameters only.
func (t *HTTPTarget) NextItem(ctx context.Context, studentID, topicKey string) (service.NextItemResult, error) {
	var out struct {
		Item        model.Item             `json:"item"`
		Theta       float64                `json:"theta"`
		Score       float64                `json:"score"`
		Threshold   *float64               `json:"threshold"`
		Relaxations []selection.Relaxation `json:"relaxations"`
		Fallback    bool                   `json:"fallback"`
	}
	path := "/students/" + url.PathEscape(studentID) + "/next-item?topic=" + url.QueryEscape(topicKey)
	if err := t.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return service.NextItemResult{}, err
	}
	res := service.NextItemResult{
		Item:        out.Item,
		Theta:       out.Theta,
		Score:       out.Score,
		Threshold:   math.Inf(1),
		Relaxations: out.Relaxations,
		Fallback:    out.Fallback,
	}
	if out.Threshold != nil {
		res.Threshold = *out.Threshold
	}
	return res, nil
}

// SubmitResponse calls POST /students/{id}/responses.
func (t *HTTPTarget) SubmitResponse(ctx context.Context, resp model.Response) (service.SubmitResult, error) {
	body := map[string]any{
		"response_id": resp.ID,
		"item_id":     resp.ItemID,
		"is_correct":  resp.IsCorrect,
	}
	if !resp.OccurredAt.IsZero() {
		body["occurred_at"] = resp.OccurredAt.UTC().Format(time.RFC3339)
	}
	var out struct {
		Duplicate bool                  `json:"duplicate"`
		Topic     model.AbilityEstimate `json:"topic"`
		Estimates model.EstimateSet     `json:"estimates"`
	}
	if err := t.do(ctx, http.MethodPost, "/students/"+url.PathEscape(resp.StudentID)+"/responses", body, &out); err != nil {
		return service.SubmitResult{}, err
	}
	return service.SubmitResult{
		StudentID: resp.StudentID,
		Topic:     out.Topic,
		Estimates: out.Estimates,
		Duplicate: out.Duplicate,
	}, nil
}

// Abilities calls GET /students/{id}/abilities.
func (t *HTTPTarget) Abilities(ctx context.Context, studentID string) (model.EstimateSet, error) {
	var out model.EstimateSet
	err := t.do(ctx, http.MethodGet, "/students/"+url.PathEscape(studentID)+"/abilities", nil, &out)
	return out, err
}

func (t *HTTPTarget) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, t.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s %s: %w", method, path, err)
	}
	if resp.StatusCode/100 != 2 {
		return remoteError(resp.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// remoteError turns an API error body back into the sentinel it was mapped
// from, so callers can use errors.Is across the wire.
func remoteError(status int, body []byte) error {
	var e struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(body, &e)

	var kind error
	switch e.Code {
	case "not_found":
		kind = repository.ErrNotFound
	case "no_candidate":
		kind = selection.ErrNoCandidate
	case "invalid_parameter":
		kind = irt.ErrInvalidParameter
	case "unavailable":
		kind = service.ErrNotStarted
	}
	if kind == nil {
		return fmt.Errorf("%w: status %d: %s", ErrRemote, status, e.Message)
	}
	return fmt.Errorf("%w: status %d: %s: %w", ErrRemote, status, e.Message, kind)
}
