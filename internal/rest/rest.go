// Package rest performs the auxiliary HTTP calls of the client: route
// discovery, offline notification fetches and signature issuance.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"

	"github.com/leancloud/swift-sdk-sub001/internal/errs"
)

// Client issues requests against one base URL.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Header     http.Header
}

// New returns a client for baseURL. A nil httpClient uses
// http.DefaultClient.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: httpClient,
	}
}

type serverError struct {
	Code  int    `json:"code"`
	Error string `json:"error"`
}

// Get performs GET path?query with extra headers and returns the body.
// Non-2xx answers become *errs.Error carrying the server's code when the
// body has one.
func (c *Client) Get(ctx context.Context, path string, query map[string]string, header map[string]string) ([]byte, error) {
	u := c.BaseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, errors.Wrap(err, "create request")
	}
	return c.do(req, path, header)
}

// Post sends body as JSON to path and returns the response body.
func (c *Client) Post(ctx context.Context, path string, body any, header map[string]string) ([]byte, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, errs.Wrap(err, errs.CodeMalformedData, "encode request body")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, "create request")
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, path, header)
}

func (c *Client) do(req *http.Request, path string, header map[string]string) ([]byte, error) {
	req.Header.Set("Accept", "application/json")
	for k, vs := range c.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", req.Method, path)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read response")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var se serverError
		if json.Unmarshal(body, &se) == nil && se.Code != 0 {
			return nil, errs.Server(se.Code, se.Error, 0, "")
		}
		return nil, errs.Newf(errs.CodeUnderlying, "%s %s: HTTP %d", req.Method, path, resp.StatusCode)
	}
	return body, nil
}

// DecodeJSON unmarshals a response body into a new T.
func DecodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, errs.Wrap(err, errs.CodeMalformedData, fmt.Sprintf("decode %T", result))
	}
	return &result, nil
}
