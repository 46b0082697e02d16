// Package devicelink talks to the management endpoint of an RTU. The core
// treats every call as a black box that may fail at any time; the wire
// format below is the JSON surface of the gateway firmware, nothing more.
package devicelink

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/fieldgrid/rtu-telemetry/pkg/datamodel"
)

// ILink is the abstract device link. Implementations must be safe for
// concurrent use across gateways.
type ILink interface {
	FetchSystemData(ctx context.Context, gw *datamodel.Gateway) (*datamodel.SystemHealthPayload, error)
	FetchNetworkData(ctx context.Context, gw *datamodel.Gateway) (*datamodel.NetworkStatusPayload, error)
	FetchIoData(ctx context.Context, gw *datamodel.Gateway) (*datamodel.IoStatusPayload, error)
	SendDigitalOutputCommand(ctx context.Context, gw *datamodel.Gateway, outputID string, state bool) error
}

// HTTPLink is the production device link. One instance serves the whole
// fleet, the per-request timeout bounds every fetch.
type HTTPLink struct {
	client  *http.Client
	timeout time.Duration
}

func NewHTTPLink(timeout time.Duration) *HTTPLink {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPLink{
		client: &http.Client{
			Timeout: timeout,
		},
		timeout: timeout,
	}
}

func (l *HTTPLink) fetch(ctx context.Context, gw *datamodel.Gateway, path string, out any) error {
	reqCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	url := fmt.Sprintf("http://%s%s", gw.Host, path)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return statusError(resp.StatusCode, url)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	err = json.Unmarshal(body, out)
	if err != nil {
		zap.S().Debugf("Invalid response from %s: %s", url, err)
		return fmt.Errorf("invalid response from %s: %w", url, err)
	}
	return nil
}

func (l *HTTPLink) FetchSystemData(ctx context.Context, gw *datamodel.Gateway) (*datamodel.SystemHealthPayload, error) {
	var payload datamodel.SystemHealthPayload
	err := l.fetch(ctx, gw, "/api/v1/system", &payload)
	if err != nil {
		return nil, err
	}
	return &payload, nil
}

func (l *HTTPLink) FetchNetworkData(ctx context.Context, gw *datamodel.Gateway) (*datamodel.NetworkStatusPayload, error) {
	var payload datamodel.NetworkStatusPayload
	err := l.fetch(ctx, gw, "/api/v1/network", &payload)
	if err != nil {
		return nil, err
	}
	return &payload, nil
}

func (l *HTTPLink) FetchIoData(ctx context.Context, gw *datamodel.Gateway) (*datamodel.IoStatusPayload, error) {
	var payload datamodel.IoStatusPayload
	err := l.fetch(ctx, gw, "/api/v1/io", &payload)
	if err != nil {
		return nil, err
	}
	return &payload, nil
}

type outputCommand struct {
	Output string `json:"output"`
	State  bool   `json:"state"`
}

type commandReply struct {
	OK     bool   `json:"ok"`
	Detail string `json:"detail"`
}

func (l *HTTPLink) SendDigitalOutputCommand(ctx context.Context, gw *datamodel.Gateway, outputID string, state bool) error {
	reqCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	body, err := json.Marshal(outputCommand{Output: outputID, State: state})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("http://%s/api/v1/io/output", gw.Host)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return statusError(resp.StatusCode, url)
	}

	replyBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var reply commandReply
	err = json.Unmarshal(replyBody, &reply)
	if err != nil {
		return fmt.Errorf("invalid response from %s: %w", url, err)
	}
	if !reply.OK {
		// The firmware reports module conditions in the detail field,
		// e.g. "io module offline". Passed through verbatim for
		// classification.
		return fmt.Errorf("command rejected by device: %s", reply.Detail)
	}
	return nil
}

func statusError(code int, url string) error {
	switch code {
	case http.StatusUnauthorized:
		return fmt.Errorf("authentication failed for %s (status %d)", url, code)
	case http.StatusForbidden:
		return fmt.Errorf("permission denied for %s (status %d)", url, code)
	case http.StatusNotFound:
		return fmt.Errorf("not found: %s (status %d)", url, code)
	default:
		return fmt.Errorf("unexpected status %d from %s", code, url)
	}
}
