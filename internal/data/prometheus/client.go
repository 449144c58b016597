// Package prometheus runs PromQL queries against the Prometheus HTTP API.
package prometheus

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	prommodel "github.com/prometheus/common/model"

	"github.com/penwyp/go-pod-accounting/internal/core/model"
	"github.com/penwyp/go-pod-accounting/internal/util"
)

const (
	backendName = "prometheus"
	userAgent   = "go-pod-accounting/1.0"
)

// Request is an instant query when Start/End are zero, otherwise a range query.
type Request struct {
	Query string
	// Time is the evaluation instant of an instant query; zero lets the server use its clock.
	Time  time.Time
	Start time.Time
	End   time.Time
	Step  time.Duration
}

func (r Request) isRange() bool {
	return !r.Start.IsZero() && !r.End.IsZero()
}

// Series is one result row: a label set with either a single sample or a sample list.
type Series struct {
	Metric prommodel.Metric       `json:"metric"`
	Value  *prommodel.SamplePair  `json:"value,omitempty"`
	Values []prommodel.SamplePair `json:"values,omitempty"`
}

// Label returns the value of a label and whether it is present and non-empty.
func (s Series) Label(name string) (string, bool) {
	v, ok := s.Metric[prommodel.LabelName(name)]
	if !ok || v == "" {
		return "", false
	}
	return string(v), true
}

// Labels copies the label set into a plain map.
func (s Series) Labels() map[string]string {
	labels := make(map[string]string, len(s.Metric))
	for k, v := range s.Metric {
		labels[string(k)] = string(v)
	}
	return labels
}

// Last returns the single sample, or the newest sample of a range series.
func (s Series) Last() (prommodel.SamplePair, bool) {
	if s.Value != nil {
		return *s.Value, true
	}
	if len(s.Values) > 0 {
		return s.Values[len(s.Values)-1], true
	}
	return prommodel.SamplePair{}, false
}

// Samples returns every sample of the series in timestamp order.
func (s Series) Samples() []prommodel.SamplePair {
	if s.Value != nil {
		return []prommodel.SamplePair{*s.Value}
	}
	return s.Values
}

type Options struct {
	URL                string
	User               string
	Password           string
	InsecureSkipVerify bool
	Timeout            time.Duration
	// HTTPClient overrides the client built from the fields above.
	HTTPClient *http.Client
}

// Client is a stateless query executor. It never caches and never retries.
type Client struct {
	baseURL    string
	user       string
	password   string
	httpClient *http.Client
}

func NewClient(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		transport := http.DefaultTransport.(*http.Transport).Clone()
		if opts.InsecureSkipVerify {
			transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		}
		httpClient = &http.Client{Timeout: timeout, Transport: transport}
	}

	return &Client{
		baseURL:    strings.TrimRight(opts.URL, "/"),
		user:       opts.User,
		password:   opts.Password,
		httpClient: httpClient,
	}
}

type apiResponse struct {
	Status    string   `json:"status"`
	Data      apiData  `json:"data"`
	ErrorType string   `json:"errorType"`
	Error     string   `json:"error"`
	Warnings  []string `json:"warnings"`
}

type apiData struct {
	ResultType string          `json:"resultType"`
	Result     json.RawMessage `json:"result"`
}

// Query executes req and returns the vector or matrix result.
func (c *Client) Query(ctx context.Context, req Request) ([]Series, error) {
	endpoint, form := c.encode(req)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, c.fail(req, 0, fmt.Errorf("failed to create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", userAgent)
	if c.user != "" {
		httpReq.SetBasicAuth(c.user, c.password)
	}

	util.LogDebugf("Prometheus query: %s", req.Query)
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, c.fail(req, 0, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, c.fail(req, resp.StatusCode, fmt.Errorf("failed to read response: %w", err))
	}

	var parsed apiResponse
	if err := sonic.Unmarshal(body, &parsed); err != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, &model.BackendError{Backend: backendName, Op: "query", StatusCode: resp.StatusCode,
				Message: truncate(string(body), 200)}
		}
		return nil, c.fail(req, resp.StatusCode, fmt.Errorf("failed to decode response: %w", err))
	}

	if resp.StatusCode != http.StatusOK || parsed.Status != "success" {
		return nil, &model.BackendError{
			Backend:    backendName,
			Op:         "query",
			StatusCode: resp.StatusCode,
			ErrorType:  parsed.ErrorType,
			Message:    fmt.Sprintf("%s (query: %s)", parsed.Error, req.Query),
		}
	}
	for _, w := range parsed.Warnings {
		util.LogWarn("Prometheus warning", util.F("query", req.Query), util.F("warning", w))
	}

	return decodeResult(parsed.Data)
}

func (c *Client) encode(req Request) (string, url.Values) {
	form := url.Values{}
	form.Set("query", req.Query)

	if req.isRange() {
		form.Set("start", formatTime(req.Start))
		form.Set("end", formatTime(req.End))
		step := req.Step
		if step <= 0 {
			step = time.Minute
		}
		form.Set("step", strconv.FormatFloat(step.Seconds(), 'f', -1, 64))
		return c.baseURL + "/api/v1/query_range", form
	}

	if !req.Time.IsZero() {
		form.Set("time", formatTime(req.Time))
	}
	return c.baseURL + "/api/v1/query", form
}

func decodeResult(data apiData) ([]Series, error) {
	switch data.ResultType {
	case "vector", "matrix":
	default:
		return nil, &model.BackendError{
			Backend:   backendName,
			Op:        "query",
			ErrorType: "bad_data",
			Message:   fmt.Sprintf("unsupported result type %q", data.ResultType),
		}
	}
	if len(data.Result) == 0 {
		return nil, nil
	}

	var series []Series
	if err := sonic.Unmarshal(data.Result, &series); err != nil {
		return nil, &model.BackendError{Backend: backendName, Op: "decode", ErrorType: "bad_data", Err: err}
	}
	return series, nil
}

func (c *Client) fail(req Request, status int, err error) error {
	return &model.BackendError{
		Backend:    backendName,
		Op:         "query",
		StatusCode: status,
		Message:    req.Query,
		Err:        err,
	}
}

func formatTime(t time.Time) string {
	return strconv.FormatFloat(float64(t.UnixNano())/1e9, 'f', 3, 64)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
