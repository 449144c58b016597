// Package eosc pushes aggregated metrics to the EOSC accounting service.
package eosc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/penwyp/go-pod-accounting/internal/core/model"
	"github.com/penwyp/go-pod-accounting/internal/util"
)

const backendName = "eosc"

// ErrNoCredentials is returned when neither a refresh token nor client credentials are set.
var ErrNoCredentials = errors.New("no EOSC credentials configured")

type Options struct {
	AccountingURL  string
	InstallationID string

	TokenURL     string
	ClientID     string
	ClientSecret string
	// RefreshToken selects the refresh-token grant; otherwise client credentials are used.
	RefreshToken string
	Scopes       []string

	Timeout time.Duration
	// DryRun logs payloads instead of sending them. No token is requested.
	DryRun bool
	// HTTPClient is the base client for both token and metric requests.
	HTTPClient *http.Client
}

// Client posts metric records for one installation.
type Client struct {
	endpoint   string
	httpClient *http.Client
	dryRun     bool
}

type metricPayload struct {
	MetricDefinitionID string  `json:"metric_definition_id"`
	TimePeriodStart    string  `json:"time_period_start"`
	TimePeriodEnd      string  `json:"time_period_end"`
	User               string  `json:"user,omitempty"`
	Group              string  `json:"group,omitempty"`
	Value              float64 `json:"value"`
}

// NewClient builds an authenticated client. The token is fetched lazily on the first push.
func NewClient(ctx context.Context, opts Options) (*Client, error) {
	if opts.AccountingURL == "" {
		return nil, errors.New("eosc accounting url is empty")
	}
	if opts.InstallationID == "" {
		return nil, errors.New("eosc installation id is empty")
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	base := opts.HTTPClient
	if base == nil {
		base = &http.Client{Timeout: timeout}
	}

	c := &Client{
		endpoint: fmt.Sprintf("%s/accounting-system/installations/%s/metrics",
			strings.TrimRight(opts.AccountingURL, "/"), url.PathEscape(opts.InstallationID)),
		dryRun: opts.DryRun,
	}
	if opts.DryRun {
		c.httpClient = base
		return c, nil
	}

	ts, err := NewTokenSource(context.WithValue(ctx, oauth2.HTTPClient, base), opts)
	if err != nil {
		return nil, err
	}
	c.httpClient = oauth2.NewClient(context.WithValue(ctx, oauth2.HTTPClient, base), ts)
	c.httpClient.Timeout = timeout
	return c, nil
}

// NewTokenSource picks the refresh-token grant when a refresh token is configured and the
// client-credentials grant otherwise. Credentials go in the Authorization header.
func NewTokenSource(ctx context.Context, opts Options) (oauth2.TokenSource, error) {
	if opts.TokenURL == "" || opts.ClientID == "" {
		return nil, ErrNoCredentials
	}
	endpoint := oauth2.Endpoint{TokenURL: opts.TokenURL, AuthStyle: oauth2.AuthStyleInHeader}

	if opts.RefreshToken != "" {
		conf := &oauth2.Config{
			ClientID:     opts.ClientID,
			ClientSecret: opts.ClientSecret,
			Endpoint:     endpoint,
			Scopes:       opts.Scopes,
		}
		return conf.TokenSource(ctx, &oauth2.Token{RefreshToken: opts.RefreshToken}), nil
	}

	conf := &clientcredentials.Config{
		ClientID:     opts.ClientID,
		ClientSecret: opts.ClientSecret,
		TokenURL:     opts.TokenURL,
		Scopes:       opts.Scopes,
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	return conf.TokenSource(ctx), nil
}

// Push sends one record. Any non-2xx answer is a BackendError.
func (c *Client) Push(ctx context.Context, rec model.MetricRecord) error {
	body, err := sonic.Marshal(metricPayload{
		MetricDefinitionID: rec.MetricDefinitionID,
		TimePeriodStart:    util.FormatISO(rec.PeriodStart),
		TimePeriodEnd:      util.FormatISO(rec.PeriodEnd),
		User:               rec.User,
		Group:              rec.Group,
		Value:              rec.Value,
	})
	if err != nil {
		return fmt.Errorf("failed to encode metric: %w", err)
	}

	if c.dryRun {
		util.LogInfo("Dry run, metric not pushed", util.F("endpoint", c.endpoint), util.F("payload", string(body)))
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return &model.BackendError{Backend: backendName, Op: "push", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		var retrieve *oauth2.RetrieveError
		if errors.As(err, &retrieve) && retrieve.Response != nil {
			return &model.BackendError{Backend: backendName, Op: "token", StatusCode: retrieve.Response.StatusCode,
				ErrorType: retrieve.ErrorCode, Err: err}
		}
		return &model.BackendError{Backend: backendName, Op: "push", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &model.BackendError{
			Backend:    backendName,
			Op:         "push",
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(msg)),
		}
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	util.LogDebug("Pushed metric",
		util.F("metric", rec.MetricDefinitionID),
		util.F("user", rec.User),
		util.F("group", rec.Group),
		util.F("value", rec.Value))
	return nil
}
