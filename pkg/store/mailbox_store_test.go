package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/faxbot/faxbot/pkg/fax"
)

func TestMailboxStore_CreateAndList(t *testing.T) {
	s := NewMailboxStore(setupDB(t))
	ctx := context.Background()

	require.NoError(t, s.CreateMailbox(ctx, &fax.Mailbox{Label: "billing", CreatedAt: time.Now()}))
	require.NoError(t, s.CreateMailbox(ctx, &fax.Mailbox{Label: "radiology", CreatedAt: time.Now()}))
	assert.ErrorIs(t, s.CreateMailbox(ctx, &fax.Mailbox{Label: "billing", CreatedAt: time.Now()}), ErrDuplicate)

	boxes, err := s.ListMailboxes(ctx)
	require.NoError(t, err)
	require.Len(t, boxes, 2)
	assert.Equal(t, "billing", boxes[0].Label)
}

func TestMailboxStore_ResolveMailbox(t *testing.T) {
	s := NewMailboxStore(setupDB(t))
	ctx := context.Background()

	require.NoError(t, s.SetRule(ctx, &fax.InboundRule{
		ToNumber: "+15551234567", MailboxLabel: "billing", CreatedAt: time.Now(),
	}))

	label, err := s.ResolveMailbox(ctx, "+15551234567")
	require.NoError(t, err)
	assert.Equal(t, "billing", label)

	// No rule resolves to the empty label, not an error.
	label, err = s.ResolveMailbox(ctx, "+15559999999")
	require.NoError(t, err)
	assert.Empty(t, label)
}

func TestMailboxStore_SetRuleUpsert(t *testing.T) {
	s := NewMailboxStore(setupDB(t))
	ctx := context.Background()

	rule := &fax.InboundRule{ToNumber: "+15551234567", MailboxLabel: "billing", CreatedAt: time.Now()}
	require.NoError(t, s.SetRule(ctx, rule))

	rule.MailboxLabel = "radiology"
	require.NoError(t, s.SetRule(ctx, rule))

	label, err := s.ResolveMailbox(ctx, "+15551234567")
	require.NoError(t, err)
	assert.Equal(t, "radiology", label)
}
