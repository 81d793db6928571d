package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"

	"github.com/faxbot/faxbot/pkg/config"
	"github.com/faxbot/faxbot/pkg/fax"
	"github.com/faxbot/faxbot/pkg/provider/ami"
)

// SIP is the self-hosted PBX backend. Send writes the TIFF to the directory
// shared with Asterisk and originates the call over the AMI control
// connection. The terminal result arrives as a correlated UserEvent,
// surfaced through Results.
type SIP struct {
	client    *ami.Client
	dataDir   string
	stationID string
	results   chan *ami.FaxResult
}

// NewSIP builds the SIP backend around an already-started AMI client.
func NewSIP(cfg *config.Config, client *ami.Client) *SIP {
	return &SIP{
		client:    client,
		dataDir:   cfg.DataDir,
		stationID: cfg.AMIStationID,
		results:   make(chan *ami.FaxResult, 16),
	}
}

func (s *SIP) Name() string { return fax.BackendSIP }

// Results delivers terminal outcomes for in-flight sends. The job service
// consumes this the way cloud backends use webhooks.
func (s *SIP) Results() <-chan *ami.FaxResult { return s.results }

// Send stores the TIFF where the PBX can read it and originates the call.
// A goroutine waits for the correlated result and forwards it to Results;
// command-window expiry is reported as FAILED with a "no response" error.
func (s *SIP) Send(ctx context.Context, job *fax.Job, art fax.Artifacts) (*fax.SendResult, error) {
	if len(art.TIFF) == 0 {
		return nil, fmt.Errorf("sip send requires a TIFF artifact")
	}
	dir := filepath.Join(s.dataDir, "outbound")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating outbound dir: %w", err)
	}
	tiffPath := filepath.Join(dir, job.ID+".tiff")
	if err := os.WriteFile(tiffPath, art.TIFF, 0644); err != nil {
		return nil, fmt.Errorf("writing tiff for pbx: %w", err)
	}

	if err := s.client.Originate(job.ID, job.ToNumber, tiffPath, s.stationID); err != nil {
		return nil, fmt.Errorf("originating call: %w", err)
	}

	go func() {
		res, err := s.client.WaitResult(context.Background(), job.ID)
		if err != nil {
			res = &ami.FaxResult{JobID: job.ID, Status: "FAILED", Error: "no response from pbx"}
		}
		s.results <- res
	}()

	return &fax.SendResult{ProviderSID: "ami:" + job.ID, Status: fax.StatusInProgress}, nil
}

// GetStatus has no poll API on the PBX path.
func (s *SIP) GetStatus(_ context.Context, _ string) (fax.JobStatus, error) {
	return "", fmt.Errorf("sip backend has no status poll")
}

// VerifyCallback rejects; PBX correlation happens over the control
// connection, not webhooks.
func (s *SIP) VerifyCallback(_ *http.Request, _ []byte) error {
	return fmt.Errorf("%w: sip backend accepts no webhooks", ErrAuth)
}

func (s *SIP) ParseCallback(_ []byte, _ url.Values) (*fax.CallbackEvent, error) {
	return nil, fmt.Errorf("sip backend accepts no webhooks")
}
