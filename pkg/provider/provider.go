// Package provider implements the outbound dispatch abstraction and its
// concrete backends: a URL-fetch cloud provider (Phaxio), a direct-upload
// cloud provider (Sinch), a self-hosted PBX over Asterisk AMI, and a
// test/disabled backend.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/faxbot/faxbot/pkg/config"
	"github.com/faxbot/faxbot/pkg/fax"
	"github.com/faxbot/faxbot/pkg/provider/ami"
)

// ErrAuth signals a callback that failed signature or credential checks.
var ErrAuth = errors.New("callback authentication failed")

// Provider is an outbound fax backend. The send half matches fax.Outbound
// so the job service can depend on it without importing this package.
type Provider interface {
	Name() string

	// Send hands the job to the provider. It is synchronous through to
	// "accepted by provider" or error.
	Send(ctx context.Context, job *fax.Job, art fax.Artifacts) (*fax.SendResult, error)

	// GetStatus polls the provider for the current status. Backends
	// without a poll API return an error.
	GetStatus(ctx context.Context, providerSID string) (fax.JobStatus, error)

	// VerifyCallback authenticates a webhook delivery against the raw body.
	VerifyCallback(r *http.Request, rawBody []byte) error

	// ParseCallback extracts the event from a verified delivery.
	ParseCallback(rawBody []byte, query url.Values) (*fax.CallbackEvent, error)
}

// httpClient builds the bounded client shared by the cloud providers.
func httpClient() *http.Client {
	return &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{Timeout: 15 * time.Second}).DialContext,
		},
	}
}

// New selects and constructs the backend named in configuration.
func New(cfg *config.Config, amiClient *ami.Client) (Provider, error) {
	switch cfg.Backend {
	case fax.BackendPhaxio:
		if cfg.PhaxioAPIKey == "" || cfg.PhaxioAPISecret == "" {
			return nil, errors.New("phaxio backend requires PHAXIO_API_KEY and PHAXIO_API_SECRET")
		}
		return NewPhaxio(cfg), nil
	case fax.BackendSinch:
		if cfg.SinchProjectID == "" || cfg.SinchAPIKey == "" {
			return nil, errors.New("sinch backend requires SINCH_PROJECT_ID and SINCH_API_KEY")
		}
		return NewSinch(cfg), nil
	case fax.BackendSIP:
		if amiClient == nil {
			return nil, errors.New("sip backend requires an AMI connection")
		}
		return NewSIP(cfg, amiClient), nil
	case fax.BackendDisabled:
		return NewDisabled(), nil
	default:
		return nil, fmt.Errorf("unknown fax backend %q", cfg.Backend)
	}
}
