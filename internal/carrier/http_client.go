package carrier

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPCarrier talks to an Exotel-compatible REST API: form-encoded call
// initiation, basic-auth with the per-phone SID/token pair.
type HTTPCarrier struct {
	baseURL string
	appID   string
	client  *http.Client

	// creds used for hangup/details when the call's phone credentials are
	// not at hand; Initiate always uses the per-call credentials.
	defaultCreds Credentials
}

// NewHTTPCarrier creates the HTTP carrier client. timeout applies to every
// request (10s per the carrier SLA).
func NewHTTPCarrier(baseURL, appID string, timeout time.Duration, defaultCreds Credentials) *HTTPCarrier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPCarrier{
		baseURL:      strings.TrimRight(baseURL, "/"),
		appID:        appID,
		client:       &http.Client{Timeout: timeout},
		defaultCreds: defaultCreds,
	}
}

type callResponse struct {
	Call struct {
		SID         string `json:"Sid"`
		Status      string `json:"Status"`
		Direction   string `json:"Direction"`
		DateCreated string `json:"DateCreated"`
	} `json:"Call"`
}

func parseCall(body []byte) (*Call, error) {
	var cr callResponse
	if err := json.Unmarshal(body, &cr); err != nil {
		return nil, fmt.Errorf("carrier: decode response: %w", err)
	}
	created, _ := time.Parse("2006-01-02 15:04:05", cr.Call.DateCreated)
	return &Call{
		SID:         cr.Call.SID,
		Status:      strings.ToLower(cr.Call.Status),
		Direction:   cr.Call.Direction,
		DateCreated: created,
	}, nil
}

func (h *HTTPCarrier) do(ctx context.Context, method, path string, creds Credentials, form url.Values) ([]byte, error) {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, h.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.SetBasicAuth(creds.SID, creds.Token)

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("carrier: request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("carrier: read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, &Error{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	}
	return data, nil
}

// Initiate starts an outbound call and returns the carrier's view of it.
func (h *HTTPCarrier) Initiate(ctx context.Context, params InitiateParams) (*Call, error) {
	form := url.Values{}
	form.Set("From", params.From)
	form.Set("To", params.To)
	form.Set("CallerId", params.CallerID)
	appID := params.AppID
	if appID == "" {
		appID = h.appID
	}
	form.Set("Url", fmt.Sprintf("http://my.exotel.com/%s/exoml/start_voice/%s", params.Credentials.Subdomain, appID))
	form.Set("CustomField", params.CustomField)
	form.Set("StatusCallbackEvents[0]", "terminal")
	form.Set("StatusCallbackContentType", "application/json")

	body, err := h.do(ctx, http.MethodPost,
		fmt.Sprintf("/v1/Accounts/%s/Calls/connect.json", params.Credentials.SID),
		params.Credentials, form)
	if err != nil {
		return nil, err
	}
	return parseCall(body)
}

// Hangup terminates a live call.
func (h *HTTPCarrier) Hangup(ctx context.Context, sid string) error {
	form := url.Values{}
	form.Set("Status", "completed")
	_, err := h.do(ctx, http.MethodPost,
		fmt.Sprintf("/v1/Accounts/%s/Calls/%s.json", h.defaultCreds.SID, sid),
		h.defaultCreds, form)
	return err
}

// GetDetails fetches the current state of a call.
func (h *HTTPCarrier) GetDetails(ctx context.Context, sid string) (*Call, error) {
	body, err := h.do(ctx, http.MethodGet,
		fmt.Sprintf("/v1/Accounts/%s/Calls/%s.json", h.defaultCreds.SID, sid),
		h.defaultCreds, nil)
	if err != nil {
		return nil, err
	}
	return parseCall(body)
}
