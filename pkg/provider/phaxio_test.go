package provider

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/faxbot/faxbot/pkg/config"
	"github.com/faxbot/faxbot/pkg/fax"
)

func newPhaxio(apiURL string) *Phaxio {
	return NewPhaxio(&config.Config{
		PhaxioAPIURL:         apiURL,
		PhaxioAPIKey:         "key",
		PhaxioAPISecret:      "secret",
		PhaxioCallbackSecret: "cb-secret",
	})
}

func phaxioSign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestPhaxioVerifyCallback(t *testing.T) {
	p := newPhaxio("https://api.example.com")
	body := []byte(`{"success":true}`)

	req := httptest.NewRequest(http.MethodPost, "/phaxio-callback", nil)
	req.Header.Set("X-Phaxio-Signature", phaxioSign("cb-secret", body))
	assert.NoError(t, p.VerifyCallback(req, body))

	// Uppercase hex is accepted.
	req = httptest.NewRequest(http.MethodPost, "/phaxio-callback", nil)
	req.Header.Set("X-Phaxio-Signature", strings.ToUpper(phaxioSign("cb-secret", body)))
	assert.NoError(t, p.VerifyCallback(req, body))

	// Wrong secret.
	req = httptest.NewRequest(http.MethodPost, "/phaxio-callback", nil)
	req.Header.Set("X-Phaxio-Signature", phaxioSign("other", body))
	assert.ErrorIs(t, p.VerifyCallback(req, body), ErrAuth)

	// Missing header.
	req = httptest.NewRequest(http.MethodPost, "/phaxio-callback", nil)
	assert.ErrorIs(t, p.VerifyCallback(req, body), ErrAuth)

	// Signature over different bytes.
	req = httptest.NewRequest(http.MethodPost, "/phaxio-callback", nil)
	req.Header.Set("X-Phaxio-Signature", phaxioSign("cb-secret", []byte("tampered")))
	assert.ErrorIs(t, p.VerifyCallback(req, body), ErrAuth)

	// No secret configured rejects everything.
	bare := NewPhaxio(&config.Config{PhaxioAPIURL: "https://api.example.com"})
	req = httptest.NewRequest(http.MethodPost, "/phaxio-callback", nil)
	req.Header.Set("X-Phaxio-Signature", phaxioSign("", body))
	assert.ErrorIs(t, bare.VerifyCallback(req, body), ErrAuth)
}

func TestPhaxioParseCallback(t *testing.T) {
	p := newPhaxio("https://api.example.com")

	ev, err := p.ParseCallback([]byte(`{"success":true,"fax":{"id":12345,"num_pages":3,"status":"success"}}`), nil)
	require.NoError(t, err)
	assert.Equal(t, "12345", ev.ProviderSID)
	assert.Equal(t, "fax_complete", ev.EventType)
	assert.Equal(t, fax.StatusSuccess, ev.Status)
	assert.Equal(t, 3, ev.Pages)

	ev, err = p.ParseCallback([]byte(`{"success":false,"fax":{"id":1,"status":"failure","error_message":"busy"}}`), nil)
	require.NoError(t, err)
	assert.Equal(t, fax.StatusFailed, ev.Status)
	assert.Equal(t, "busy", ev.Error)

	// success:false forces FAILED even when the status field looks benign.
	ev, err = p.ParseCallback([]byte(`{"success":false,"fax":{"id":1,"status":"success"}}`), nil)
	require.NoError(t, err)
	assert.Equal(t, fax.StatusFailed, ev.Status)
	assert.Equal(t, "provider reported failure", ev.Error)

	_, err = p.ParseCallback([]byte(`{"success":true,"fax":{}}`), nil)
	assert.Error(t, err)
	_, err = p.ParseCallback([]byte(`not json`), nil)
	assert.Error(t, err)
}

func TestMapPhaxioStatus(t *testing.T) {
	cases := map[string]fax.JobStatus{
		"success":        fax.StatusSuccess,
		"Success":        fax.StatusSuccess,
		"queued":         fax.StatusQueued,
		"pendingbatch":   fax.StatusQueued,
		"inprogress":     fax.StatusInProgress,
		"dialing":        fax.StatusInProgress,
		"sending":        fax.StatusInProgress,
		"failure":        fax.StatusFailed,
		"partialsuccess": fax.StatusFailed,
		"":               fax.StatusFailed,
	}
	for in, want := range cases {
		if got := mapPhaxioStatus(in); got != want {
			t.Fatalf("mapPhaxioStatus(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPhaxioSend(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/faxes", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "key", user)
		assert.Equal(t, "secret", pass)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "+15551234567", r.PostFormValue("to"))
		assert.Equal(t, "https://fax.example.com/fax/abc/pdf?token=tok", r.PostFormValue("content_url[]"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"data":{"id":99887}}`))
	}))
	defer ts.Close()

	p := newPhaxio(ts.URL)
	res, err := p.Send(context.Background(), &fax.Job{
		ID:       "abc",
		ToNumber: "+15551234567",
		PDFURL:   "https://fax.example.com/fax/abc/pdf?token=tok",
	}, fax.Artifacts{})
	require.NoError(t, err)
	assert.Equal(t, "99887", res.ProviderSID)
	assert.Equal(t, fax.StatusInProgress, res.Status)
}

func TestPhaxioSend_ProviderRejection(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"success":false}`))
	}))
	defer ts.Close()

	p := newPhaxio(ts.URL)
	_, err := p.Send(context.Background(), &fax.Job{ToNumber: "+15551234567"}, fax.Artifacts{})
	assert.Error(t, err)
}

func TestPhaxioSend_HTTPError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	p := newPhaxio(ts.URL)
	_, err := p.Send(context.Background(), &fax.Job{ToNumber: "+15551234567"}, fax.Artifacts{})
	assert.Error(t, err)
}

func TestPhaxioGetStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/faxes/42", r.URL.Path)
		_, _ = w.Write([]byte(`{"data":{"status":"inprogress"}}`))
	}))
	defer ts.Close()

	p := newPhaxio(ts.URL)
	status, err := p.GetStatus(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, fax.StatusInProgress, status)
}

func TestPhaxioFetchInboundMedia(t *testing.T) {
	want := []byte("%PDF-1.4 payload")
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/faxes/777/file", r.URL.Path)
		_, _ = w.Write(want)
	}))
	defer ts.Close()

	p := newPhaxio(ts.URL)
	data, err := p.FetchInboundMedia(context.Background(), "777")
	require.NoError(t, err)
	assert.Equal(t, want, data)
}

func TestDisabledBackend(t *testing.T) {
	d := NewDisabled()
	res, err := d.Send(context.Background(), &fax.Job{ID: "j1"}, fax.Artifacts{})
	require.NoError(t, err)
	assert.Equal(t, "disabled-j1", res.ProviderSID)
	assert.Equal(t, fax.StatusSuccess, res.Status)

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	assert.ErrorIs(t, d.VerifyCallback(req, nil), ErrAuth)
}
