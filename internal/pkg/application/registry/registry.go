package registry

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/diwise/integration-uav/domain"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
)

var ErrDeviceNotFound = errors.New("device not found")

var tracer = otel.Tracer("integration-uav/registry")

type Client interface {
	GetDevices(ctx context.Context) ([]domain.Device, error)
	GetDevice(ctx context.Context, deviceID int) (domain.Device, error)
}

type registryClient struct {
	baseUrl     string
	accessToken string
	httpClient  http.Client
}

func New(baseUrl, accessToken string, tlsSkipVerify bool) Client {
	return &registryClient{
		baseUrl:     strings.TrimSuffix(baseUrl, "/"),
		accessToken: accessToken,
		httpClient:  NewHTTPClient(tlsSkipVerify),
	}
}

// NewHTTPClient returns a traced client for the REST collaborators.
func NewHTTPClient(tlsSkipVerify bool) http.Client {
	if tlsSkipVerify {
		customTransport := http.DefaultTransport.(*http.Transport).Clone()
		customTransport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		return http.Client{
			Transport: otelhttp.NewTransport(customTransport),
		}
	}

	return http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

func (c *registryClient) GetDevice(ctx context.Context, deviceID int) (domain.Device, error) {
	var err error

	ctx, span := tracer.Start(ctx, "get-device")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	device := domain.Device{}

	var body []byte
	body, err = c.get(ctx, fmt.Sprintf("%s/devices/%d", c.baseUrl, deviceID))
	if err != nil {
		return device, err
	}

	err = json.Unmarshal(body, &device)
	if err != nil {
		err = fmt.Errorf("failed to unmarshal device %d: %s", deviceID, err.Error())
		return device, err
	}

	if device.ID != deviceID {
		err = fmt.Errorf("registry returned device %d when asked for %d", device.ID, deviceID)
		return domain.Device{}, err
	}

	return device, nil
}

func (c *registryClient) GetDevices(ctx context.Context) ([]domain.Device, error) {
	var err error

	ctx, span := tracer.Start(ctx, "get-devices")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	var body []byte
	body, err = c.get(ctx, fmt.Sprintf("%s/devices", c.baseUrl))
	if err != nil {
		return nil, err
	}

	devices := []domain.Device{}

	err = json.Unmarshal(body, &devices)
	if err != nil {
		err = fmt.Errorf("failed to unmarshal response: %s,\ndue to: %s", string(body), err.Error())
		return nil, err
	}

	return devices, nil
}

func (c *registryClient) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %s", err.Error())
	}

	req.Header.Add("Accept", "application/json")
	if c.accessToken != "" {
		req.Header.Add("Authorization", "Bearer "+c.accessToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %s", err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrDeviceNotFound
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("request failed, expected status code %d but got %d", http.StatusOK, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %s", err.Error())
	}

	return body, nil
}
