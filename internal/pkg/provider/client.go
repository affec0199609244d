// Package provider is a thin client for the billing provider's payments API.
// Only the read endpoints used for reconciliation are implemented.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"subsync-service/internal/domain/subscription"
	xerrors "subsync-service/internal/pkg/errors"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

type Client struct {
	http   *resty.Client
	logger *zap.Logger
}

func NewClient(baseURL, accessToken string, logger *zap.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(15*time.Second).
		SetAuthToken(accessToken).
		SetHeader("Accept", "application/json")

	return &Client{
		http:   httpClient,
		logger: logger,
	}
}

// Payment is the subset of the provider payment resource the service reads.
type Payment struct {
	ID                json.Number    `json:"id"`
	Status            string         `json:"status"`
	StatusDetail      string         `json:"status_detail"`
	ExternalReference string         `json:"external_reference"`
	PaymentTypeID     string         `json:"payment_type_id"`
	SiteID            string         `json:"site_id"`
	DateCreated       *time.Time     `json:"date_created"`
	DateLastUpdated   *time.Time     `json:"date_last_updated"`
	Payer             Payer          `json:"payer"`
	Metadata          map[string]any `json:"metadata"`
}

type Payer struct {
	Email string `json:"email"`
	ID    string `json:"id"`
}

type searchResponse struct {
	Results []Payment `json:"results"`
}

// ErrorResponse is the provider's error body.
type ErrorResponse struct {
	StatusCode int    `json:"status"`
	ErrorCode  string `json:"error"`
	Message    string `json:"message"`
}

func (e *ErrorResponse) Error() string {
	return fmt.Sprintf("provider api error: status=%d error=%s message=%s", e.StatusCode, e.ErrorCode, e.Message)
}

// GetPayment fetches one payment. A 404 maps to xerrors.ErrNotFound.
func (c *Client) GetPayment(ctx context.Context, paymentID string) (*Payment, error) {
	var p Payment
	if err := c.get(ctx, "get_payment", "/v1/payments/"+url.PathEscape(paymentID), nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// SearchByExternalReference returns the most recently created payment carrying ref.
func (c *Client) SearchByExternalReference(ctx context.Context, ref string) (*Payment, error) {
	query := map[string]string{
		"external_reference": ref,
		"sort":               "date_created",
		"criteria":           "desc",
		"limit":              "1",
	}

	var resp searchResponse
	if err := c.get(ctx, "search_payments", "/v1/payments/search", query, &resp); err != nil {
		return nil, err
	}
	if len(resp.Results) == 0 {
		return nil, xerrors.ErrNotFound
	}
	return &resp.Results[0], nil
}

func (c *Client) get(ctx context.Context, op, path string, query map[string]string, out any) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(query).
		Get(path)
	if err != nil {
		return fmt.Errorf("failed to execute %s request: %w", op, err)
	}
	body := resp.Body()
	status := resp.StatusCode()

	if status == http.StatusNotFound {
		return xerrors.ErrNotFound
	}
	if status < 200 || status >= 300 {
		var errResp ErrorResponse
		if err := json.Unmarshal(body, &errResp); err != nil {
			c.logger.Warn("provider returned non-2xx with unparsable body",
				zap.String("op", op),
				zap.Int("status", status),
			)
			return fmt.Errorf("provider %s failed with status %d", op, status)
		}
		errResp.StatusCode = status
		c.logger.Warn("provider returned error",
			zap.String("op", op),
			zap.Int("status", status),
			zap.String("error", errResp.ErrorCode),
			zap.String("message", errResp.Message),
		)
		return &errResp
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	return nil
}

// SyncInput extracts the reconciliation criteria and provider state from a payment.
func (p *Payment) SyncInput() (subscription.SyncCriteria, subscription.ProviderData) {
	paymentID := p.ID.String()
	collectionID := paymentID
	preferenceID := metadataString(p.Metadata, "preference_id")

	criteria := subscription.SyncCriteria{
		ExternalReference: strings.TrimSpace(p.ExternalReference),
		PayerEmail:        strings.TrimSpace(p.Payer.Email),
		CollectionID:      collectionID,
		PaymentID:         paymentID,
		PreferenceID:      preferenceID,
	}
	if v, ok := metadataInt(p.Metadata, "user_id"); ok {
		criteria.UserID = &v
	}
	if v, ok := metadataInt(p.Metadata, "product_id"); ok {
		criteria.ProductID = &v
	}

	data := subscription.ProviderData{
		Status:            p.Status,
		CollectionID:      collectionID,
		PaymentID:         paymentID,
		PreferenceID:      preferenceID,
		PaymentType:       p.PaymentTypeID,
		SiteID:            p.SiteID,
		ExternalReference: criteria.ExternalReference,
		EventTime:         p.DateLastUpdated,
	}
	return criteria, data
}

func metadataString(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

func metadataInt(m map[string]any, key string) (int64, bool) {
	s := metadataString(m, key)
	if s == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
