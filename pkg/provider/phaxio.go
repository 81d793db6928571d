package provider

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/faxbot/faxbot/pkg/config"
	"github.com/faxbot/faxbot/pkg/fax"
)

// Phaxio is the URL-fetch cloud backend. Send posts job metadata with a
// tokenized URL to the converted PDF; the provider fetches the URL and calls
// back with an HMAC-SHA256 signature over the raw body.
type Phaxio struct {
	apiURL         string
	apiKey         string
	apiSecret      string
	callbackSecret string
	client         *http.Client
}

// NewPhaxio builds the Phaxio backend from configuration.
func NewPhaxio(cfg *config.Config) *Phaxio {
	return &Phaxio{
		apiURL:         strings.TrimRight(cfg.PhaxioAPIURL, "/"),
		apiKey:         cfg.PhaxioAPIKey,
		apiSecret:      cfg.PhaxioAPISecret,
		callbackSecret: cfg.PhaxioCallbackSecret,
		client:         httpClient(),
	}
}

func (p *Phaxio) Name() string { return fax.BackendPhaxio }

// Send submits the job. The provider pulls the document from job.PDFURL, so
// no bytes travel in this request.
func (p *Phaxio) Send(ctx context.Context, job *fax.Job, _ fax.Artifacts) (*fax.SendResult, error) {
	form := url.Values{}
	form.Set("to", job.ToNumber)
	form.Set("content_url[]", job.PDFURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiURL+"/faxes",
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("building send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(p.apiKey, p.apiSecret)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending to provider: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading provider response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("provider rejected send: status %d", resp.StatusCode)
	}

	var out struct {
		Success bool `json:"success"`
		Data    struct {
			ID json.Number `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decoding provider response: %w", err)
	}
	if !out.Success || out.Data.ID.String() == "" {
		return nil, fmt.Errorf("provider rejected send")
	}
	return &fax.SendResult{ProviderSID: out.Data.ID.String(), Status: fax.StatusInProgress}, nil
}

// GetStatus polls a single fax.
func (p *Phaxio) GetStatus(ctx context.Context, providerSID string) (fax.JobStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		p.apiURL+"/faxes/"+url.PathEscape(providerSID), nil)
	if err != nil {
		return "", fmt.Errorf("building status request: %w", err)
	}
	req.SetBasicAuth(p.apiKey, p.apiSecret)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("polling provider: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("provider status poll: status %d", resp.StatusCode)
	}

	var out struct {
		Data struct {
			Status string `json:"status"`
		} `json:"data"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding status response: %w", err)
	}
	return mapPhaxioStatus(out.Data.Status), nil
}

// VerifyCallback checks the X-Phaxio-Signature header: hex-encoded
// HMAC-SHA256 over the raw request body using the callback secret.
func (p *Phaxio) VerifyCallback(r *http.Request, rawBody []byte) error {
	if p.callbackSecret == "" {
		return fmt.Errorf("%w: no callback secret configured", ErrAuth)
	}
	sig := r.Header.Get("X-Phaxio-Signature")
	if sig == "" {
		return fmt.Errorf("%w: missing signature", ErrAuth)
	}
	mac := hmac.New(sha256.New, []byte(p.callbackSecret))
	mac.Write(rawBody)
	want := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(want), []byte(strings.ToLower(sig))) {
		return fmt.Errorf("%w: signature mismatch", ErrAuth)
	}
	return nil
}

// ParseCallback extracts the terminal event from a verified delivery.
func (p *Phaxio) ParseCallback(rawBody []byte, _ url.Values) (*fax.CallbackEvent, error) {
	var payload struct {
		Success bool `json:"success"`
		Fax     struct {
			ID       json.Number `json:"id"`
			NumPages int         `json:"num_pages"`
			Status   string      `json:"status"`
			ErrorMsg string      `json:"error_message"`
			From     string      `json:"from_number"`
			To       string      `json:"to_number"`
		} `json:"fax"`
	}
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		return nil, fmt.Errorf("decoding callback: %w", err)
	}
	if payload.Fax.ID.String() == "" {
		return nil, fmt.Errorf("callback missing fax id")
	}
	ev := &fax.CallbackEvent{
		ProviderSID: payload.Fax.ID.String(),
		EventType:   "fax_complete",
		Status:      mapPhaxioStatus(payload.Fax.Status),
		Pages:       payload.Fax.NumPages,
		Error:       payload.Fax.ErrorMsg,
	}
	if !payload.Success && ev.Status != fax.StatusFailed {
		ev.Status = fax.StatusFailed
		if ev.Error == "" {
			ev.Error = "provider reported failure"
		}
	}
	return ev, nil
}

// ParseInbound extracts an inbound fax notification from a verified
// delivery.
func (p *Phaxio) ParseInbound(rawBody []byte) (*fax.InboundEvent, error) {
	var payload struct {
		Success bool `json:"success"`
		Fax     struct {
			ID       json.Number `json:"id"`
			NumPages int         `json:"num_pages"`
			Status   string      `json:"status"`
			ErrorMsg string      `json:"error_message"`
			From     string      `json:"from_number"`
			To       string      `json:"to_number"`
		} `json:"fax"`
	}
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		return nil, fmt.Errorf("decoding inbound callback: %w", err)
	}
	if payload.Fax.ID.String() == "" {
		return nil, fmt.Errorf("inbound callback missing fax id")
	}
	return &fax.InboundEvent{
		ProviderSID: payload.Fax.ID.String(),
		EventType:   "inbound_received",
		FromNumber:  payload.Fax.From,
		ToNumber:    payload.Fax.To,
		Pages:       payload.Fax.NumPages,
		Failed:      !payload.Success || mapPhaxioStatus(payload.Fax.Status) == fax.StatusFailed,
		Error:       payload.Fax.ErrorMsg,
	}, nil
}

// FetchInboundMedia retrieves a received fax's PDF over the provider API.
func (p *Phaxio) FetchInboundMedia(ctx context.Context, providerSID string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		p.apiURL+"/faxes/"+url.PathEscape(providerSID)+"/file", nil)
	if err != nil {
		return nil, fmt.Errorf("building media request: %w", err)
	}
	req.SetBasicAuth(p.apiKey, p.apiSecret)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching inbound media: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching inbound media: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, fmt.Errorf("reading inbound media: %w", err)
	}
	return data, nil
}

func mapPhaxioStatus(s string) fax.JobStatus {
	switch strings.ToLower(s) {
	case "success":
		return fax.StatusSuccess
	case "queued", "pendingbatch":
		return fax.StatusQueued
	case "inprogress", "dialing", "sending":
		return fax.StatusInProgress
	default:
		return fax.StatusFailed
	}
}
