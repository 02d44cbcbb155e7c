// Package record is the REST client for the system of record that owns
// missions, steps, assets, points of interest and situation reports.
package record

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"sentinel-overwatch/pkg/ontology"
	"sentinel-overwatch/pkg/shared"
)

const (
	pathMissions = "/api/private/mission/"
	pathAssets   = "/api/private/asset/"
	pathPOIs     = "/api/private/poi/"
	pathSitreps  = "/api/private/sitrep/"
)

type Options struct {
	BaseURL string
	// Token returns the current credential; it is read on every request.
	Token func() string
	// OnAuthExpired runs once per 401, before ErrAuthExpired is returned.
	OnAuthExpired func()
	Timeout       time.Duration
	RetryCount    int
	RetryWait     time.Duration
	RetryMaxWait  time.Duration
}

type Client struct {
	http          *resty.Client
	onAuthExpired func()
	logger        *zap.Logger
}

func NewClient(opts Options, logger *zap.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.RetryCount <= 0 {
		opts.RetryCount = 3
	}
	if opts.RetryWait <= 0 {
		opts.RetryWait = time.Second
	}
	if opts.RetryMaxWait <= 0 {
		opts.RetryMaxWait = 5 * time.Second
	}

	httpClient := resty.New().
		SetBaseURL(strings.TrimSuffix(opts.BaseURL, "/")).
		SetTimeout(opts.Timeout).
		SetRetryCount(opts.RetryCount).
		SetRetryWaitTime(opts.RetryWait).
		SetRetryMaxWaitTime(opts.RetryMaxWait).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		AddRetryCondition(retryable)

	token := opts.Token
	httpClient.OnBeforeRequest(func(_ *resty.Client, r *resty.Request) error {
		if token == nil {
			return nil
		}
		if t := token(); t != "" {
			r.SetHeader("Authorization", t)
		}
		return nil
	})

	return &Client{
		http:          httpClient,
		onAuthExpired: opts.OnAuthExpired,
		logger:        logger.Named("record"),
	}
}

// retryable retries idempotent requests on transport errors and 5xx
// answers. POST and PATCH are retried only when the connection was never
// established, since the server may already have acted on them.
func retryable(r *resty.Response, err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	if r == nil || r.Request == nil {
		return false
	}
	switch r.Request.Method {
	case http.MethodGet, http.MethodHead, http.MethodPut, http.MethodDelete:
		return err != nil || r.StatusCode() >= http.StatusInternalServerError
	}
	return false
}

// APIError is a non-2xx answer that is neither an auth failure nor a
// recognised rejection.
type APIError struct {
	Method  string
	Path    string
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.Status)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Status, e.Message)
}

// rejectionKind says how a 400/409/422 answer is reported.
type rejectionKind int

const (
	plainRejection rejectionKind = iota
	validationRejection
	transitionRejection
)

type requestOption func(*resty.Request)

func withBody(body any) requestOption {
	return func(r *resty.Request) { r.SetBody(body) }
}

func withResult(result any) requestOption {
	return func(r *resty.Request) { r.SetResult(result) }
}

func withQuery(key, value string) requestOption {
	return func(r *resty.Request) { r.SetQueryParam(key, value) }
}

func (c *Client) do(ctx context.Context, method, path string, kind rejectionKind, opts ...requestOption) (*resty.Response, error) {
	req := c.http.R().SetContext(ctx)
	for _, opt := range opts {
		opt(req)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		c.logger.Error("System of record call failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(err),
		)
		return nil, fmt.Errorf("failed to call %s %s: %w", method, path, err)
	}
	if resp.IsSuccess() {
		return resp, nil
	}

	status := resp.StatusCode()
	if status == http.StatusUnauthorized {
		c.logger.Warn("Credential rejected, clearing stored token", zap.String("path", path))
		if c.onAuthExpired != nil {
			c.onAuthExpired()
		}
		return nil, shared.ErrAuthExpired
	}

	reason := errorMessage(resp.Body())
	switch status {
	case http.StatusBadRequest, http.StatusConflict, http.StatusUnprocessableEntity:
		switch kind {
		case transitionRejection:
			return nil, &shared.TransitionError{Reason: reason, Remote: true}
		case validationRejection:
			return nil, &shared.ValidationError{Message: reason}
		}
	}
	c.logger.Error("System of record returned error",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status_code", status),
		zap.String("msg", reason),
	)
	return nil, &APIError{Method: method, Path: path, Status: status, Message: reason}
}

// errorMessage pulls a human readable reason out of an error body.
func errorMessage(body []byte) string {
	var payload struct {
		Detail  any    `json:"detail"`
		Message string `json:"message"`
		Error   any    `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		switch {
		case payload.Message != "":
			return payload.Message
		case payload.Detail != nil:
			return stringify(payload.Detail)
		case payload.Error != nil:
			return stringify(payload.Error)
		}
	}
	return strings.TrimSpace(string(body))
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]any:
		if m, ok := t["message"].(string); ok {
			return m
		}
	}
	data, _ := json.Marshal(v)
	return string(data)
}

func missionPath(id string, parts ...string) string {
	p := pathMissions + id
	for _, part := range parts {
		p += "/" + part
	}
	return p
}

// Missions

func (c *Client) ListMissions(ctx context.Context) ([]ontology.Mission, error) {
	var out []ontology.Mission
	_, err := c.do(ctx, http.MethodGet, pathMissions, plainRejection, withResult(&out))
	return out, err
}

func (c *Client) CreateMission(ctx context.Context, req ontology.CreateMissionRequest) (ontology.Mission, error) {
	var out ontology.Mission
	_, err := c.do(ctx, http.MethodPost, pathMissions, validationRejection, withBody(req), withResult(&out))
	return out, err
}

func (c *Client) FetchMission(ctx context.Context, id string) (ontology.Mission, error) {
	var out ontology.Mission
	_, err := c.do(ctx, http.MethodGet, missionPath(id), plainRejection,
		withQuery("include_steps", "true"), withResult(&out))
	return out, err
}

func (c *Client) TransitionMission(ctx context.Context, id string, to ontology.MissionStatus) error {
	_, err := c.do(ctx, http.MethodPatch, missionPath(id, "status"), transitionRejection,
		withQuery("status", string(to)))
	return err
}

func (c *Client) UpdateSummary(ctx context.Context, id, summary string) error {
	body := map[string]string{"summary": summary}
	_, err := c.do(ctx, http.MethodPatch, missionPath(id), validationRejection, withBody(body))
	return err
}

func (c *Client) AppendStep(ctx context.Context, missionID string, req ontology.CreateStepRequest) error {
	_, err := c.do(ctx, http.MethodPost, missionPath(missionID, "steps")+"/", validationRejection, withBody(req))
	return err
}

// PatchStep sends a status change as a transition and any other change
// as a plain update.
func (c *Client) PatchStep(ctx context.Context, missionID, stepID string, patch ontology.StepPatch) error {
	kind := validationRejection
	if patch.Status != nil {
		kind = transitionRejection
	}
	_, err := c.do(ctx, http.MethodPatch, missionPath(missionID, "steps", stepID), kind, withBody(patch))
	return err
}

func (c *Client) DeleteStep(ctx context.Context, missionID, stepID string) error {
	_, err := c.do(ctx, http.MethodDelete, missionPath(missionID, "steps", stepID), plainRejection)
	return err
}

func (c *Client) AttachAsset(ctx context.Context, missionID, assetID string) error {
	_, err := c.do(ctx, http.MethodPost, missionPath(missionID, "assets", assetID), validationRejection)
	return err
}

func (c *Client) DetachAsset(ctx context.Context, missionID, assetID string) error {
	_, err := c.do(ctx, http.MethodDelete, missionPath(missionID, "assets", assetID), plainRejection)
	return err
}

// Export downloads the mission export. The body is returned as is.
func (c *Client) Export(ctx context.Context, missionID string) (ontology.ExportArtifact, error) {
	resp, err := c.do(ctx, http.MethodGet, missionPath(missionID, "export"), plainRejection,
		func(r *resty.Request) { r.SetHeader("Accept", "*/*") })
	if err != nil {
		return ontology.ExportArtifact{}, err
	}
	filename := "mission-" + missionID + ".zip"
	if _, params, err := mime.ParseMediaType(resp.Header().Get("Content-Disposition")); err == nil && params["filename"] != "" {
		filename = params["filename"]
	}
	return ontology.ExportArtifact{
		Filename:    filename,
		ContentType: resp.Header().Get("Content-Type"),
		Data:        resp.Body(),
	}, nil
}

// Assets

func (c *Client) ListAssets(ctx context.Context) ([]ontology.Asset, error) {
	var out []ontology.Asset
	_, err := c.do(ctx, http.MethodGet, pathAssets, plainRejection, withResult(&out))
	return out, err
}

// Points of interest

func (c *Client) ListPOIs(ctx context.Context) ([]ontology.PointOfInterest, error) {
	var out []ontology.PointOfInterest
	_, err := c.do(ctx, http.MethodGet, pathPOIs, plainRejection, withResult(&out))
	return out, err
}

func (c *Client) CreatePOI(ctx context.Context, req ontology.CreatePOIRequest) error {
	_, err := c.do(ctx, http.MethodPost, pathPOIs, validationRejection, withBody(req))
	return err
}

func (c *Client) DeletePOI(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodDelete, pathPOIs+id, plainRejection)
	return err
}

// Situation reports

func (c *Client) ListSitreps(ctx context.Context) ([]ontology.SituationReport, error) {
	var out []ontology.SituationReport
	_, err := c.do(ctx, http.MethodGet, pathSitreps, plainRejection, withResult(&out))
	return out, err
}

func (c *Client) CreateSitrep(ctx context.Context, req ontology.CreateSitrepRequest) error {
	_, err := c.do(ctx, http.MethodPost, pathSitreps, validationRejection, withBody(req))
	return err
}

func (c *Client) PatchSitrep(ctx context.Context, id, status string) error {
	body := map[string]string{"status": status}
	_, err := c.do(ctx, http.MethodPatch, pathSitreps+id, transitionRejection, withBody(body))
	return err
}

// IsAuthExpired reports whether err means the operator must sign in
// again.
func IsAuthExpired(err error) bool {
	return errors.Is(err, shared.ErrAuthExpired)
}
