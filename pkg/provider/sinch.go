package provider

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	"github.com/faxbot/faxbot/pkg/config"
	"github.com/faxbot/faxbot/pkg/fax"
)

// Sinch is the direct-upload cloud backend. Send posts the PDF bytes in one
// multipart request. Callback authentication is HTTP Basic and/or HMAC,
// whichever the operator configured.
type Sinch struct {
	apiURL     string
	projectID  string
	apiKey     string
	apiSecret  string
	basicUser  string
	basicPass  string
	hmacSecret string
	client     *http.Client
}

// NewSinch builds the Sinch backend from configuration.
func NewSinch(cfg *config.Config) *Sinch {
	return &Sinch{
		apiURL:     strings.TrimRight(cfg.SinchAPIURL, "/"),
		projectID:  cfg.SinchProjectID,
		apiKey:     cfg.SinchAPIKey,
		apiSecret:  cfg.SinchAPISecret,
		basicUser:  cfg.SinchBasicUser,
		basicPass:  cfg.SinchBasicPass,
		hmacSecret: cfg.SinchHMACSecret,
		client:     httpClient(),
	}
}

func (s *Sinch) Name() string { return fax.BackendSinch }

// Send uploads the PDF directly.
func (s *Sinch) Send(ctx context.Context, job *fax.Job, art fax.Artifacts) (*fax.SendResult, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("to", job.ToNumber); err != nil {
		return nil, fmt.Errorf("building upload: %w", err)
	}
	part, err := w.CreateFormFile("file", "fax.pdf")
	if err != nil {
		return nil, fmt.Errorf("building upload: %w", err)
	}
	if _, err := part.Write(art.PDF); err != nil {
		return nil, fmt.Errorf("building upload: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("building upload: %w", err)
	}

	endpoint := fmt.Sprintf("%s/projects/%s/faxes", s.apiURL, url.PathEscape(s.projectID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &buf)
	if err != nil {
		return nil, fmt.Errorf("building send request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.SetBasicAuth(s.apiKey, s.apiSecret)

	resp, err := s.client.Do(req)
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
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decoding provider response: %w", err)
	}
	if out.ID == "" {
		return nil, fmt.Errorf("provider rejected send")
	}
	return &fax.SendResult{ProviderSID: out.ID, Status: fax.StatusInProgress}, nil
}

// GetStatus polls a single fax.
func (s *Sinch) GetStatus(ctx context.Context, providerSID string) (fax.JobStatus, error) {
	endpoint := fmt.Sprintf("%s/projects/%s/faxes/%s",
		s.apiURL, url.PathEscape(s.projectID), url.PathEscape(providerSID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("building status request: %w", err)
	}
	req.SetBasicAuth(s.apiKey, s.apiSecret)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("polling provider: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("provider status poll: status %d", resp.StatusCode)
	}

	var out struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding status response: %w", err)
	}
	return mapSinchStatus(out.Status), nil
}

// VerifyCallback applies whichever schemes the operator configured. When
// both Basic and HMAC are set, both must pass. With neither configured the
// callback is rejected.
func (s *Sinch) VerifyCallback(r *http.Request, rawBody []byte) error {
	checked := false
	if s.basicUser != "" || s.basicPass != "" {
		user, pass, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(user), []byte(s.basicUser)) != 1 ||
			subtle.ConstantTimeCompare([]byte(pass), []byte(s.basicPass)) != 1 {
			return fmt.Errorf("%w: basic credentials mismatch", ErrAuth)
		}
		checked = true
	}
	if s.hmacSecret != "" {
		sig := r.Header.Get("X-Sinch-Signature")
		if sig == "" {
			return fmt.Errorf("%w: missing signature", ErrAuth)
		}
		mac := hmac.New(sha256.New, []byte(s.hmacSecret))
		mac.Write(rawBody)
		want := hex.EncodeToString(mac.Sum(nil))
		if !hmac.Equal([]byte(want), []byte(strings.ToLower(sig))) {
			return fmt.Errorf("%w: signature mismatch", ErrAuth)
		}
		checked = true
	}
	if !checked {
		return fmt.Errorf("%w: no callback authentication configured", ErrAuth)
	}
	return nil
}

// ParseCallback extracts the event from a verified delivery.
func (s *Sinch) ParseCallback(rawBody []byte, _ url.Values) (*fax.CallbackEvent, error) {
	var payload struct {
		Event string `json:"event"`
		Fax   struct {
			ID           string `json:"id"`
			Status       string `json:"status"`
			PageCount    int    `json:"pageCount"`
			ErrorMessage string `json:"errorMessage"`
			From         string `json:"from"`
			To           string `json:"to"`
		} `json:"fax"`
	}
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		return nil, fmt.Errorf("decoding callback: %w", err)
	}
	if payload.Fax.ID == "" {
		return nil, fmt.Errorf("callback missing fax id")
	}
	eventType := payload.Event
	if eventType == "" {
		eventType = "fax_complete"
	}
	return &fax.CallbackEvent{
		ProviderSID: payload.Fax.ID,
		EventType:   eventType,
		Status:      mapSinchStatus(payload.Fax.Status),
		Pages:       payload.Fax.PageCount,
		Error:       payload.Fax.ErrorMessage,
	}, nil
}

// ParseInbound extracts an inbound fax notification from a verified
// delivery.
func (s *Sinch) ParseInbound(rawBody []byte) (*fax.InboundEvent, error) {
	var payload struct {
		Event string `json:"event"`
		Fax   struct {
			ID           string `json:"id"`
			Status       string `json:"status"`
			PageCount    int    `json:"pageCount"`
			ErrorMessage string `json:"errorMessage"`
			From         string `json:"from"`
			To           string `json:"to"`
		} `json:"fax"`
	}
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		return nil, fmt.Errorf("decoding inbound callback: %w", err)
	}
	if payload.Fax.ID == "" {
		return nil, fmt.Errorf("inbound callback missing fax id")
	}
	eventType := payload.Event
	if eventType == "" {
		eventType = "inbound_received"
	}
	return &fax.InboundEvent{
		ProviderSID: payload.Fax.ID,
		EventType:   eventType,
		FromNumber:  payload.Fax.From,
		ToNumber:    payload.Fax.To,
		Pages:       payload.Fax.PageCount,
		Failed:      mapSinchStatus(payload.Fax.Status) == fax.StatusFailed,
		Error:       payload.Fax.ErrorMessage,
	}, nil
}

// FetchInboundMedia retrieves a received fax's PDF over the provider API.
func (s *Sinch) FetchInboundMedia(ctx context.Context, providerSID string) ([]byte, error) {
	endpoint := fmt.Sprintf("%s/projects/%s/faxes/%s/file",
		s.apiURL, url.PathEscape(s.projectID), url.PathEscape(providerSID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("building media request: %w", err)
	}
	req.SetBasicAuth(s.apiKey, s.apiSecret)

	resp, err := s.client.Do(req)
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

func mapSinchStatus(s string) fax.JobStatus {
	switch strings.ToUpper(s) {
	case "COMPLETED", "SUCCESS":
		return fax.StatusSuccess
	case "QUEUED":
		return fax.StatusQueued
	case "IN_PROGRESS", "SENDING":
		return fax.StatusInProgress
	default:
		return fax.StatusFailed
	}
}
