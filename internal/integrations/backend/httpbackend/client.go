package httpbackend

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

	"github.com/BearBump/HandOff/internal/models"
	"github.com/pkg/errors"
)

// StatusError is a non-2xx answer from the backend. 4xx answers mean the
// request itself was rejected; retrying it will not help.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend http %d: %s", e.Code, e.Message)
}

func IsClientError(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code >= 400 && se.Code < 500
}

// IsRejected reports whether the backend understood the request and refused
// its content. A missing or unsupported route (404, 405, 501) is not a
// rejection: the endpoint is not deployed and the caller may use another.
func IsRejected(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	return se.Code == http.StatusBadRequest || se.Code == http.StatusUnprocessableEntity
}

// Client talks to dispatch-api. It implements every backend port the engine
// uses: the store fetcher, the claim backend, the event and ledger writers
// and the candidate source.
type Client struct {
	baseURL string
	httpc   *http.Client
}

func New(baseURL string) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) (int, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return 0, errors.Wrap(err, "marshal request")
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return 0, errors.Wrap(err, "new request")
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return 0, errors.Wrap(err, "do request")
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return resp.StatusCode, &StatusError{Code: resp.StatusCode, Message: e.Error}
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, errors.Wrap(err, "decode")
		}
	}
	return resp.StatusCode, nil
}

func (c *Client) ClaimDelivery(ctx context.Context, deliveryID, driverID string) (bool, error) {
	var out struct {
		Claimed bool `json:"claimed"`
	}
	in := map[string]string{"delivery_id": deliveryID, "driver_id": driverID}
	if _, err := c.do(ctx, http.MethodPost, "/rpc/claim_delivery", nil, in, &out); err != nil {
		return false, err
	}
	return out.Claimed, nil
}

func (c *Client) AssignIfAvailable(ctx context.Context, deliveryID, driverID string, at time.Time) (int64, error) {
	var out struct {
		RowsAffected int64 `json:"rows_affected"`
	}
	in := map[string]any{"driver_id": driverID, "at": at.UTC()}
	if _, err := c.do(ctx, http.MethodPost, "/deliveries/"+url.PathEscape(deliveryID)+"/assign-if-available", nil, in, &out); err != nil {
		return 0, err
	}
	return out.RowsAffected, nil
}

func (c *Client) SetDriverAvailability(ctx context.Context, driverID string, available bool) error {
	in := map[string]bool{"available": available}
	_, err := c.do(ctx, http.MethodPut, "/drivers/"+url.PathEscape(driverID)+"/availability", nil, in, nil)
	return err
}

func (c *Client) UpdateDeliveryStatus(ctx context.Context, deliveryID, driverID string, status models.DeliveryStatus) (*models.Delivery, error) {
	var out models.Delivery
	in := map[string]any{"driver_id": driverID, "status": status}
	if _, err := c.do(ctx, http.MethodPatch, "/deliveries/"+url.PathEscape(deliveryID)+"/status", nil, in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListDriverDeliveries(ctx context.Context, driverID string, statuses []models.DeliveryStatus) ([]*models.Delivery, error) {
	q := url.Values{}
	if len(statuses) > 0 {
		raw := make([]string, 0, len(statuses))
		for _, st := range statuses {
			raw = append(raw, string(st))
		}
		q.Set("status", strings.Join(raw, ","))
	}
	var out []*models.Delivery
	if _, err := c.do(ctx, http.MethodGet, "/drivers/"+url.PathEscape(driverID)+"/deliveries", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListAvailableDeliveries(ctx context.Context, limit int) ([]*models.Delivery, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out []*models.Delivery
	if _, err := c.do(ctx, http.MethodGet, "/deliveries/available", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) RecordDriverLocation(ctx context.Context, loc models.DriverLocation) error {
	_, err := c.do(ctx, http.MethodPost, "/drivers/"+url.PathEscape(loc.DriverID)+"/location", nil, loc, nil)
	return err
}

// LatestDriverLocation returns nil when the driver never reported.
func (c *Client) LatestDriverLocation(ctx context.Context, driverID string) (*models.DriverLocation, error) {
	var out models.DriverLocation
	code, err := c.do(ctx, http.MethodGet, "/drivers/"+url.PathEscape(driverID)+"/location", nil, nil, &out)
	if err != nil {
		return nil, err
	}
	if code == http.StatusNoContent {
		return nil, nil
	}
	return &out, nil
}

func (c *Client) AppendEvent(ctx context.Context, ev models.DeliveryEvent) error {
	_, err := c.do(ctx, http.MethodPost, "/events", nil, ev, nil)
	return err
}

func (c *Client) GrantCredit(ctx context.Context, g models.CreditGrant) (bool, error) {
	var out struct {
		Granted bool `json:"granted"`
	}
	if _, err := c.do(ctx, http.MethodPost, "/ledger/credits", nil, g, &out); err != nil {
		return false, err
	}
	return out.Granted, nil
}

func (c *Client) GetBackupCandidates(ctx context.Context, restaurantID string) ([]models.BackupCandidate, error) {
	var out []models.BackupCandidate
	if _, err := c.do(ctx, http.MethodGet, "/restaurants/"+url.PathEscape(restaurantID)+"/backups", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	var out models.Order
	if _, err := c.do(ctx, http.MethodGet, "/orders/"+url.PathEscape(orderID), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
