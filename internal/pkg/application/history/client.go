package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/diwise/integration-uav/domain"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"github.com/google/uuid"
)

const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

var ErrDeviceNotFound = errors.New("device not found in history service")

type Client interface {
	GetDeviceHistory(ctx context.Context, deviceUUID uuid.UUID, limit, offset int) ([]domain.HistoryRecord, error)
}

type historyClient struct {
	baseUrl     string
	accessToken string
	httpClient  http.Client
}

func NewClient(baseUrl, accessToken string, httpClient http.Client) Client {
	return &historyClient{
		baseUrl:     strings.TrimSuffix(baseUrl, "/"),
		accessToken: accessToken,
		httpClient:  httpClient,
	}
}

type historyResponse struct {
	DeviceID int                    `json:"device_id"`
	Data     []domain.HistoryRecord `json:"data"`
	Limit    int                    `json:"limit"`
	Offset   int                    `json:"offset"`
	Total    int                    `json:"total"`
	Error    string                 `json:"error,omitempty"`
}

// ClampLimit applies the default and upper bound used by the history service.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

func (c *historyClient) GetDeviceHistory(ctx context.Context, deviceUUID uuid.UUID, limit, offset int) ([]domain.HistoryRecord, error) {
	var err error

	ctx, span := tracer.Start(ctx, "get-device-history")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	if offset < 0 {
		offset = 0
	}

	params := url.Values{}
	params.Add("limit", strconv.Itoa(ClampLimit(limit)))
	params.Add("offset", strconv.Itoa(offset))

	var req *http.Request
	req, err = http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/devices/%s/history?%s", c.baseUrl, deviceUUID.String(), params.Encode()), nil)
	if err != nil {
		err = fmt.Errorf("failed to create request: %s", err.Error())
		return nil, err
	}

	req.Header.Add("Accept", "application/json")
	if c.accessToken != "" {
		req.Header.Add("Authorization", "Bearer "+c.accessToken)
	}

	var resp *http.Response
	resp, err = c.httpClient.Do(req)
	if err != nil {
		err = fmt.Errorf("request failed: %s", err.Error())
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		err = ErrDeviceNotFound
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		err = fmt.Errorf("request failed, expected status code %d but got %d", http.StatusOK, resp.StatusCode)
		return nil, err
	}

	var body []byte
	body, err = io.ReadAll(resp.Body)
	if err != nil {
		err = fmt.Errorf("failed to read response body: %s", err.Error())
		return nil, err
	}

	hr := historyResponse{}
	err = json.Unmarshal(body, &hr)
	if err != nil {
		err = fmt.Errorf("failed to unmarshal response body: %s", err.Error())
		return nil, err
	}

	// the history service reports lookup failures in the body with status 200
	if hr.Error != "" {
		if strings.Contains(strings.ToLower(hr.Error), "not found") {
			err = ErrDeviceNotFound
		} else {
			err = fmt.Errorf("history service error: %s", hr.Error)
		}
		return nil, err
	}

	if hr.Data == nil {
		hr.Data = []domain.HistoryRecord{}
	}

	return hr.Data, nil
}
