// Package http implements the "http" task kind: issuing an HTTP request
// and returning its status/headers/body as a canonical Outcome, with
// task-scoped timeouts and oversized-body externalization.
package http

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/noetl/noetl/outcome"
	"github.com/noetl/noetl/value"
)

// Driver executes "http" tasks.
type Driver struct {
	Client *http.Client
	// Put persists an oversized response body externally; nil disables
	// externalization (responses are always returned inline).
	Put    outcome.Put
	Store  string
	Limits outcome.Limits
}

// New returns an http.Driver with a bare *http.Client (request timeout
// is enforced via ctx, not client.Timeout, so a task-scoped deadline
// composes correctly with the engine's DefaultTaskTimeout).
func New(put outcome.Put, store string) *Driver {
	return &Driver{Client: &http.Client{}, Put: put, Store: store, Limits: outcome.DefaultLimits}
}

// Execute issues the configured HTTP request. cfg keys: method
// (default GET), url (required), headers, body.
func (d *Driver) Execute(ctx context.Context, cfg map[string]interface{}, scope value.Value) (outcome.Outcome, error) {
	meta := outcome.Meta{Ts: time.Now()}

	urlStr, _ := cfg["url"].(string)
	if urlStr == "" {
		return outcome.Fail(outcome.Error{Kind: "http", Message: "url parameter required"}, meta), nil
	}

	method := "GET"
	if m, ok := cfg["method"].(string); ok && m != "" {
		method = strings.ToUpper(m)
	}

	var body io.Reader
	if bodyStr, ok := cfg["body"].(string); ok && bodyStr != "" {
		body = bytes.NewBufferString(bodyStr)
	}

	req, err := http.NewRequestWithContext(ctx, method, urlStr, body)
	if err != nil {
		return outcome.Fail(outcome.Error{Kind: "http", Message: fmt.Sprintf("build request: %v", err)}, meta), nil
	}
	if headers, ok := cfg["headers"].(map[string]interface{}); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}

	resp, err := d.Client.Do(req)
	if err != nil {
		return outcome.Fail(outcome.Error{Kind: "http", Retryable: true, Message: err.Error()}, meta), nil
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return outcome.Fail(outcome.Error{Kind: "http", Retryable: true, Message: fmt.Sprintf("read body: %v", err)}, meta), nil
	}

	result := value.Map(map[string]value.Value{
		"status_code": value.Int(int64(resp.StatusCode)),
		"headers":     headersValue(resp.Header),
		"body":        value.Str(string(respBody)),
	})

	statusKind := map[string]value.Value{"status": value.Int(int64(resp.StatusCode))}

	var oc outcome.Outcome
	if d.Put != nil {
		oc, err = outcome.Externalize(d.Store, result, d.Limits, meta, d.Put)
		if err != nil {
			return outcome.Fail(outcome.Error{Kind: "http", Message: fmt.Sprintf("externalize: %v", err)}, meta), nil
		}
	} else {
		oc = outcome.Ok(result, meta)
	}
	oc.Kind = statusKind
	return oc, nil
}

func headersValue(h http.Header) value.Value {
	out := make(map[string]value.Value, len(h))
	for k, vs := range h {
		if len(vs) == 1 {
			out[k] = value.Str(vs[0])
			continue
		}
		items := make([]value.Value, len(vs))
		for i, v := range vs {
			items[i] = value.Str(v)
		}
		out[k] = value.List(items...)
	}
	return value.Map(out)
}
