package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/faxbot/faxbot/pkg/fax"
)

// Disabled is the test backend. Sends complete immediately with no external
// I/O; used in CI and development.
type Disabled struct{}

// NewDisabled builds the disabled backend.
func NewDisabled() *Disabled { return &Disabled{} }

func (d *Disabled) Name() string { return fax.BackendDisabled }

func (d *Disabled) Send(_ context.Context, job *fax.Job, _ fax.Artifacts) (*fax.SendResult, error) {
	return &fax.SendResult{ProviderSID: "disabled-" + job.ID, Status: fax.StatusSuccess}, nil
}

func (d *Disabled) GetStatus(_ context.Context, _ string) (fax.JobStatus, error) {
	return fax.StatusSuccess, nil
}

func (d *Disabled) VerifyCallback(_ *http.Request, _ []byte) error {
	return fmt.Errorf("%w: disabled backend accepts no callbacks", ErrAuth)
}

func (d *Disabled) ParseCallback(_ []byte, _ url.Values) (*fax.CallbackEvent, error) {
	return nil, fmt.Errorf("disabled backend accepts no callbacks")
}
