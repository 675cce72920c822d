// Package workerclient speaks the worker side of the cinder protocol: a
// checkin long-poll, start_bundle confirmation, socket replies and content
// transfer through the bundle API. Agent builds a runnable worker on top.
package workerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/seantiz/cinder/internal/broker"
	"github.com/seantiz/cinder/internal/model"
	"github.com/seantiz/cinder/internal/storage"
)

const userHeader = "X-Cinder-User"

// Client is an HTTP client bound to one worker ID.
type Client struct {
	base     string
	workerID string
	http     *http.Client
}

// New returns a client for the server at baseURL. A nil httpClient uses a
// client without an overall timeout, since checkins long-poll.
func New(baseURL, workerID string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		base:     strings.TrimRight(baseURL, "/"),
		workerID: workerID,
		http:     httpClient,
	}
}

// WorkerID returns the ID the client checks in as.
func (c *Client) WorkerID() string {
	return c.workerID
}

func (c *Client) workerPath(parts ...string) string {
	return c.base + "/v1/workers/" + url.PathEscape(c.workerID) + "/" + strings.Join(parts, "/")
}

func (c *Client) do(ctx context.Context, method, u string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set(userHeader, "worker:"+c.workerID)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, model.Transport(method+" "+u, err)
	}
	return resp, nil
}

func (c *Client) doJSON(ctx context.Context, method, u string, in, out any) (int, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	resp, err := c.do(ctx, method, u, body, "application/json")
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return resp.StatusCode, responseError(resp)
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, model.Transport("decode response", err)
		}
	}
	return resp.StatusCode, nil
}

// responseError turns an error response back into a classified error.
func responseError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if json.Unmarshal(data, &body) != nil || body.Error == "" {
		body.Error = strings.TrimSpace(string(data))
	}
	msg := fmt.Sprintf("%s %s: %d %s", resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, body.Error)
	var kind error
	switch resp.StatusCode {
	case http.StatusBadRequest:
		kind = model.ErrValidation
	case http.StatusNotFound:
		kind = model.ErrNotFound
	case http.StatusConflict:
		kind = model.ErrConflict
	case http.StatusGatewayTimeout:
		kind = model.ErrTimeout
	default:
		kind = model.ErrTransport
	}
	return &model.Error{Kind: kind, Msg: msg}
}

type checkinRequest struct {
	model.WorkerInfo
	WaitTimeSecs float64 `json:"wait_time_secs"`
}

// Checkin reports info and waits up to wait for a message. It returns nil
// when none arrived.
func (c *Client) Checkin(ctx context.Context, info model.WorkerInfo, wait time.Duration) (*broker.Message, error) {
	var msg broker.Message
	status, err := c.doJSON(ctx, http.MethodPost, c.workerPath("checkin"),
		checkinRequest{WorkerInfo: info, WaitTimeSecs: wait.Seconds()}, &msg)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNoContent {
		return nil, nil
	}
	return &msg, nil
}

// StartBundle confirms the worker is about to run uuid under token. It
// reports false when the assignment is no longer current.
func (c *Client) StartBundle(ctx context.Context, uuid string, token int64) (bool, error) {
	var out struct {
		Started bool `json:"started"`
	}
	_, err := c.doJSON(ctx, http.MethodPost, c.workerPath("start_bundle"),
		map[string]any{"bundle_uuid": uuid, "token": token}, &out)
	return out.Started, err
}

// Reply answers a request on socketID with a JSON payload.
func (c *Client) Reply(ctx context.Context, socketID int64, v any) error {
	_, err := c.doJSON(ctx, http.MethodPost, c.workerPath("reply", strconv.FormatInt(socketID, 10)), v, nil)
	return err
}

// ReplyData answers a request on socketID with a JSON header and a body
// stream. It returns once the server has relayed the body.
func (c *Client) ReplyData(ctx context.Context, socketID int64, header any, body io.Reader) error {
	hdr, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("marshal reply header: %w", err)
	}
	u := c.workerPath("reply_data", strconv.FormatInt(socketID, 10)) + "?header_message=" + url.QueryEscape(string(hdr))
	resp, err := c.do(ctx, http.MethodPost, u, body, "application/octet-stream")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return responseError(resp)
	}
	return nil
}

// UploadOptions mirror the query parameters of the contents upload.
type UploadOptions struct {
	Filename          string
	Unpack            bool
	FinalizeOnFailure bool
	// SkipFinalize leaves the bundle state alone after a successful upload.
	SkipFinalize bool
}

// Upload streams body into the contents of uuid.
func (c *Client) Upload(ctx context.Context, uuid string, body io.Reader, opts UploadOptions) (*storage.WriteResult, error) {
	q := url.Values{}
	if opts.Filename != "" {
		q.Set("filename", opts.Filename)
	}
	q.Set("unpack", strconv.FormatBool(opts.Unpack))
	q.Set("finalize_on_failure", strconv.FormatBool(opts.FinalizeOnFailure))
	q.Set("finalize_on_success", strconv.FormatBool(!opts.SkipFinalize))
	u := c.base + "/v1/bundles/" + url.PathEscape(uuid) + "/contents/blob/?" + q.Encode()

	resp, err := c.do(ctx, http.MethodPut, u, body, "application/octet-stream")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, responseError(resp)
	}
	var res storage.WriteResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, model.Transport("decode upload result", err)
	}
	return &res, nil
}

// Download is an open read of bundle contents.
type Download struct {
	Body io.ReadCloser
	// Archive is set when Body is a tar.gz of a directory.
	Archive bool
}

// Download opens p inside uuid, optionally from a specific location.
func (c *Client) Download(ctx context.Context, uuid, p string, locationID int64) (*Download, error) {
	u := c.base + "/v1/bundles/" + url.PathEscape(uuid) + "/contents/blob/" + strings.TrimPrefix(p, "/")
	if locationID != 0 {
		u += "?location_id=" + strconv.FormatInt(locationID, 10)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set(userHeader, "worker:"+c.workerID)
	// Ask for identity so directory archives are not double-encoded.
	req.Header.Set("Accept-Encoding", "identity")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, model.Transport("GET "+u, err)
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, responseError(resp)
	}
	return &Download{
		Body:    resp.Body,
		Archive: strings.HasPrefix(resp.Header.Get("Content-Disposition"), "attachment"),
	}, nil
}
