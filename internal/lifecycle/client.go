// Package lifecycle implements the AWS Lambda Extensions API client: extension
// registration, the Telemetry API subscription, and the long-poll event loop
// that drives invocation and shutdown notifications.
//
// Grounded on extensions_api.rs for the wire format and on
// worker/retry_client.go for the *http.Client request-building idiom.
// Registration retries use github.com/cenkalti/backoff/v4 in place of the
// source's bare first-attempt-only call, since a cold-starting Lambda
// sandbox can have the Runtime API answer slowly before it's ready.
package lifecycle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const extensionName = "lambda-otel-relay"

const (
	extensionIDHeader = "Lambda-Extension-Identifier"
	extensionNameHdr  = "Lambda-Extension-Name"
)

// EventKind distinguishes the two Extensions API event types.
type EventKind int

const (
	Invoke EventKind = iota
	Shutdown
)

// Event is a decoded Extensions API next-event response.
type Event struct {
	Kind           EventKind
	RequestID      string // set for Invoke
	ShutdownReason string // set for Shutdown
}

// Client talks to the Lambda Extensions API over the loopback Runtime API
// endpoint given by the AWS_LAMBDA_RUNTIME_API environment variable.
type Client struct {
	httpClient  *http.Client
	longPoll    *http.Client // no timeout: /event/next blocks until the next event
	runtimeAPI  string
	extensionID string
}

type registerResponse struct {
	FunctionName    string `json:"functionName"`
	FunctionVersion string `json:"functionVersion"`
	Handler         string `json:"handler"`
}

// Register registers this process as a Lambda Extension subscribed to
// INVOKE and SHUTDOWN events, retrying with backoff since the Runtime API
// may not yet be ready immediately after sandbox init.
func Register(ctx context.Context, runtimeAPI string) (*Client, error) {
	c := &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		longPoll:   &http.Client{}, // Timeout: 0, the long-poll must never be cut short
		runtimeAPI: runtimeAPI,
	}

	var regResp *registerResponse
	op := func() error {
		resp, err := c.register(ctx)
		if err != nil {
			return err
		}
		regResp = resp
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, fmt.Errorf("lifecycle: register: %w", err)
	}
	_ = regResp // decoded only to validate the response; its fields are not used

	return c, nil
}

func (c *Client) register(ctx context.Context) (*registerResponse, error) {
	url := fmt.Sprintf("http://%s/2020-01-01/extension/register", c.runtimeAPI)
	body := bytes.NewReader([]byte(`{"events":["INVOKE","SHUTDOWN"]}`))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("build register request: %w", err))
	}
	req.Header.Set(extensionNameHdr, extensionName)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	extID := resp.Header.Get(extensionIDHeader)
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		statusErr := fmt.Errorf("register returned status %d: %s", resp.StatusCode, respBody)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, backoff.Permanent(statusErr)
		}
		return nil, statusErr
	}
	if extID == "" {
		return nil, backoff.Permanent(fmt.Errorf("register response missing %s header", extensionIDHeader))
	}

	var reg registerResponse
	if err := json.Unmarshal(respBody, &reg); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("parse register response: %w", err))
	}

	c.extensionID = extID
	return &reg, nil
}

// ExtensionID returns the identifier assigned at registration, used as the
// extension_id attribute attached to every log line.
func (c *Client) ExtensionID() string {
	return c.extensionID
}

// RegisterTelemetry subscribes to the Lambda Telemetry API, directing
// platform events to http://sandbox:port. Must be called after the
// platform telemetry listener is bound and accepting connections.
func (c *Client) RegisterTelemetry(ctx context.Context, port uint16) error {
	url := fmt.Sprintf("http://%s/2022-08-01/telemetry", c.runtimeAPI)
	body := fmt.Sprintf(
		`{"schemaVersion":"2022-07-01","types":["platform"],"buffering":{"timeoutMs":25,"maxBytes":262144,"maxItems":1000},"destination":{"protocol":"HTTP","URI":"http://sandbox:%d"}}`,
		port,
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader([]byte(body)))
	if err != nil {
		return fmt.Errorf("build telemetry registration request: %w", err)
	}
	req.Header.Set(extensionIDHeader, c.extensionID)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telemetry registration request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("telemetry API registration failed: HTTP %d: %s", resp.StatusCode, respBody)
	}
	return nil
}

type nextEventResponse struct {
	EventType      string `json:"eventType"`
	RequestID      string `json:"requestId"`
	ShutdownReason string `json:"shutdownReason"`
}

// NextEvent long-polls the Extensions API for the next INVOKE or SHUTDOWN
// event. The request has no client-side timeout: the call is meant to
// block, sometimes for minutes, until the Lambda runtime has the next
// event to deliver. Callers must never cancel and reissue this call
// mid-flight — the event loop keeps one outstanding NextEvent call alive at
// all times, matching the reusable-future discipline of the source
// implementation.
func (c *Client) NextEvent(ctx context.Context) (Event, error) {
	url := fmt.Sprintf("http://%s/2020-01-01/extension/event/next", c.runtimeAPI)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Event{}, fmt.Errorf("build next-event request: %w", err)
	}
	req.Header.Set(extensionIDHeader, c.extensionID)

	resp, err := c.longPoll.Do(req)
	if err != nil {
		return Event{}, fmt.Errorf("next-event request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Event{}, fmt.Errorf("read next-event response: %w", err)
	}
	return parseEvent(body)
}

func parseEvent(body []byte) (Event, error) {
	var raw nextEventResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return Event{}, fmt.Errorf("parse next-event response: %w", err)
	}

	switch raw.EventType {
	case "INVOKE":
		return Event{Kind: Invoke, RequestID: raw.RequestID}, nil
	case "SHUTDOWN":
		return Event{Kind: Shutdown, ShutdownReason: raw.ShutdownReason}, nil
	default:
		return Event{}, fmt.Errorf("unknown event type: %s", raw.EventType)
	}
}

// ReportInitError tells the Runtime API that extension initialization
// failed, so Lambda can surface the failure instead of waiting for a
// health-check timeout. Not present in the reference implementation; added
// because a relay that can't bind its listeners should fail fast and
// visibly rather than limp into the event loop.
func (c *Client) ReportInitError(ctx context.Context, errorType string) error {
	return c.reportError(ctx, "/2020-01-01/extension/init/error", errorType)
}

// ReportExitError tells the Runtime API that the extension is exiting due
// to an unrecoverable error raised after initialization, such as a listener
// dying while the event loop runs.
func (c *Client) ReportExitError(ctx context.Context, errorType string) error {
	return c.reportError(ctx, "/2020-01-01/extension/exit/error", errorType)
}

func (c *Client) reportError(ctx context.Context, path, errorType string) error {
	url := fmt.Sprintf("http://%s%s", c.runtimeAPI, path)
	body := fmt.Sprintf(`{"errorMessage":"%s","errorType":"%s"}`, errorType, errorType)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader([]byte(body)))
	if err != nil {
		return fmt.Errorf("build report-error request: %w", err)
	}
	req.Header.Set(extensionIDHeader, c.extensionID)
	req.Header.Set("Lambda-Extension-Function-Error-Type", errorType)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("report-error request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return nil
}
