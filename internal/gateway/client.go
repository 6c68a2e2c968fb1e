// Package gateway is a typed client for the DALI2 IoT gateway REST API.
// It holds no state besides the HTTP connection pool.
package gateway

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

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// maxRetries is the number of extra attempts after a transport failure.
// Status code errors are never retried.
const maxRetries = 1

// Client talks to one gateway.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient creates a client for host ("192.168.1.20" or "http://gw:8080").
// Write requests are limited to rateLimitRPS per second.
func NewClient(host string, timeout time.Duration, rateLimitRPS float64) *Client {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	if rateLimitRPS == 0 {
		rateLimitRPS = 10.0
	}

	base := strings.TrimSuffix(host, "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	burst := int(rateLimitRPS)
	if burst < 1 {
		burst = 1
	}

	return &Client{
		baseURL: base,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		limiter: rate.NewLimiter(rate.Limit(rateLimitRPS), burst),
	}
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// BaseURL returns the gateway URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Info returns gateway identity and firmware information.
func (c *Client) Info(ctx context.Context) (*Info, error) {
	var info Info
	if err := c.do(ctx, "info", http.MethodGet, "/info", nil, nil, &info, http.StatusOK); err != nil {
		return nil, err
	}
	return &info, nil
}

// Devices returns every device known to the gateway.
func (c *Client) Devices(ctx context.Context) ([]DeviceDescriptor, error) {
	var resp devicesResponse
	if err := c.do(ctx, "devices", http.MethodGet, "/devices", nil, nil, &resp, http.StatusOK); err != nil {
		return nil, err
	}
	if resp.Devices == nil {
		return []DeviceDescriptor{}, nil
	}
	return resp.Devices, nil
}

// Device returns a single device, including its current group membership.
func (c *Client) Device(ctx context.Context, id int) (*DeviceDescriptor, error) {
	var dev DeviceDescriptor
	path := fmt.Sprintf("/device/%d", id)
	if err := c.do(ctx, "get device", http.MethodGet, path, nil, nil, &dev, http.StatusOK); err != nil {
		return nil, err
	}
	return &dev, nil
}

// ControlDevice applies data to one device.
func (c *Client) ControlDevice(ctx context.Context, id int, data ControlData) error {
	if err := c.wait(ctx, "control device"); err != nil {
		return err
	}
	path := fmt.Sprintf("/device/%d/control", id)
	return c.do(ctx, "control device", http.MethodPost, path, nil, data, nil, http.StatusNoContent, http.StatusOK)
}

// ControlGroup applies data to every member of a group. A nil line lets the
// gateway address the group on all lines.
func (c *Client) ControlGroup(ctx context.Context, id int, data ControlData, line *int) error {
	if err := c.wait(ctx, "control group"); err != nil {
		return err
	}
	var query url.Values
	if line != nil {
		query = url.Values{"_line": []string{strconv.Itoa(*line)}}
	}
	path := fmt.Sprintf("/group/%d/control", id)
	return c.do(ctx, "control group", http.MethodPost, path, query, data, nil, http.StatusNoContent, http.StatusOK)
}

// SetDeviceGroups replaces the full group membership of a device.
func (c *Client) SetDeviceGroups(ctx context.Context, id int, groups []int) error {
	if err := c.wait(ctx, "set device groups"); err != nil {
		return err
	}
	if groups == nil {
		groups = []int{}
	}
	path := fmt.Sprintf("/device/%d", id)
	return c.do(ctx, "set device groups", http.MethodPut, path, nil, groupsRequest{Groups: groups}, nil, http.StatusOK, http.StatusNoContent)
}

// StartScan starts an asynchronous bus scan. With newInstallation the
// gateway readdresses every device and forgets the previous list.
func (c *Client) StartScan(ctx context.Context, newInstallation bool) (*ScanStatus, error) {
	if err := c.wait(ctx, "start scan"); err != nil {
		return nil, err
	}
	var status ScanStatus
	err := c.do(ctx, "start scan", http.MethodPost, "/dali/scan", nil, scanRequest{NewInstallation: newInstallation}, &status, http.StatusOK)
	if err != nil {
		return nil, err
	}
	return &status, nil
}

// ScanStatus polls the state of the current or last bus scan.
func (c *Client) ScanStatus(ctx context.Context) (*ScanStatus, error) {
	var status ScanStatus
	if err := c.do(ctx, "scan status", http.MethodGet, "/dali/scan", nil, nil, &status, http.StatusOK); err != nil {
		return nil, err
	}
	return &status, nil
}

func (c *Client) wait(ctx context.Context, op string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &CommunicationError{Op: op, Err: err}
	}
	return nil
}

// do performs one request, retrying once on transport failure, and decodes
// the response into out when out is non-nil.
func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, in, out any, expected ...int) error {
	var payload []byte
	if in != nil {
		var err error
		payload, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("gateway %s: failed to encode request: %w", op, err)
		}
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			log.Debug().Err(lastErr).Str("op", op).Int("attempt", attempt+1).Msg("Retrying gateway request")
		}

		resp, err := c.send(ctx, method, u, payload)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		return c.handle(op, resp, out, expected)
	}

	return &CommunicationError{Op: op, Err: lastErr}
}

func (c *Client) send(ctx context.Context, method, u string, payload []byte) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	return c.httpClient.Do(req)
}

func (c *Client) handle(op string, resp *http.Response, out any, expected []int) (err error) {
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil && err == nil {
			err = &CommunicationError{Op: op, Err: cerr}
		}
	}()

	if !statusIn(resp.StatusCode, expected) {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		cerr := &CommunicationError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
		}
		if resp.StatusCode == http.StatusNotFound {
			cerr.Err = ErrNotFound
		}
		log.Error().Str("op", op).Int("status", resp.StatusCode).Msg("Unexpected gateway response")
		return cerr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &CommunicationError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	return nil
}

func statusIn(code int, expected []int) bool {
	for _, e := range expected {
		if code == e {
			return true
		}
	}
	return false
}
