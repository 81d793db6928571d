// Package fax defines the core domain model: outbound jobs, inbound records,
// API keys, mailboxes, and the services that drive their lifecycles.
package fax

import "time"

// JobStatus is the lifecycle state of an outbound job.
// Transitions are monotone: queued -> in_progress -> SUCCESS|FAILED.
// Terminal states are absorbing.
type JobStatus string

const (
	StatusQueued     JobStatus = "queued"
	StatusInProgress JobStatus = "in_progress"
	StatusSuccess    JobStatus = "SUCCESS"
	StatusFailed     JobStatus = "FAILED"
)

// Terminal reports whether the status is absorbing.
func (s JobStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Backend tags identify which provider handled a record.
const (
	BackendPhaxio   = "phaxio"
	BackendSinch    = "sinch"
	BackendSIP      = "sip"
	BackendDisabled = "disabled"
)

// Job is one outbound fax submission and its lifecycle.
// Metadata rows are never deleted; artifacts are reaped by retention.
type Job struct {
	ID          string    `json:"id"`
	ToNumber    string    `json:"to"`
	Status      JobStatus `json:"status"`
	Backend     string    `json:"backend"`
	ProviderSID string    `json:"provider_sid,omitempty"`
	Pages       int       `json:"pages,omitempty"`
	Error       string    `json:"error,omitempty"`

	PDFPath  string `json:"-"`
	TIFFPath string `json:"-"`

	// PDFURL is the publicly fetchable tokenized URL handed to URL-fetch
	// providers. The token itself is never serialized to clients or logs.
	PDFURL         string    `json:"pdf_url,omitempty"`
	PDFToken       string    `json:"-"`
	PDFTokenExpiry time.Time `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// InboundStatus is the lifecycle state of an inbound record.
type InboundStatus string

const (
	InboundReceived InboundStatus = "received"
	InboundFailed   InboundStatus = "failed"
)

// Inbound is one received fax and its artifact.
type Inbound struct {
	ID          string        `json:"id"`
	FromNumber  string        `json:"from,omitempty"`
	ToNumber    string        `json:"to,omitempty"`
	Status      InboundStatus `json:"status"`
	Backend     string        `json:"backend"`
	ProviderSID string        `json:"provider_sid,omitempty"`
	Pages       int           `json:"pages,omitempty"`
	SizeBytes   int64         `json:"size_bytes,omitempty"`
	SHA256      string        `json:"sha256,omitempty"`
	Error       string        `json:"error,omitempty"`

	PDFPath  string `json:"-"`
	TIFFPath string `json:"-"`

	MailboxLabel string `json:"mailbox,omitempty"`

	PDFToken       string    `json:"-"`
	PDFTokenExpiry time.Time `json:"-"`

	RetentionUntil time.Time `json:"retention_until,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	ReceivedAt     time.Time `json:"received_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// APIKey is the stored half of an issued credential. The secret is never
// persisted; only a scrypt-derived hash survives issuance.
type APIKey struct {
	KeyID      string     `json:"key_id"`
	KeyHash    string     `json:"-"`
	Name       string     `json:"name,omitempty"`
	Owner      string     `json:"owner,omitempty"`
	Scopes     []string   `json:"scopes"`
	Note       string     `json:"note,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
}

// Valid reports whether the key may authenticate right now.
func (k *APIKey) Valid(now time.Time) bool {
	if k.RevokedAt != nil {
		return false
	}
	if k.ExpiresAt != nil && !now.Before(*k.ExpiresAt) {
		return false
	}
	return true
}

// HasScope reports whether the key carries the named scope.
func (k *APIKey) HasScope(scope string) bool {
	for _, s := range k.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Mailbox is a named bucket inbound faxes are routed into.
type Mailbox struct {
	Label     string    `json:"label"`
	Note      string    `json:"note,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// InboundRule maps a destination number to a mailbox label.
// At most one active rule exists per to_number.
type InboundRule struct {
	ToNumber     string    `json:"to_number"`
	MailboxLabel string    `json:"mailbox"`
	CreatedAt    time.Time `json:"created_at"`
}

// DedupEntry asserts that a (provider_sid, event_type) callback pair has
// already been processed. The unique index on the pair is what guarantees
// at-most-once effect for retried deliveries.
type DedupEntry struct {
	ProviderSID string
	EventType   string
	SeenAt      time.Time
}
