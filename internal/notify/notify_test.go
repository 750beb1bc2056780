package notify

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LuanFBA/estoque-system/internal/config"
)

func TestTemplates(t *testing.T) {
	ok := OrderProcessed(12)
	assert.Equal(t, "Order #12 processed successfully", ok.Subject)
	assert.Contains(t, ok.Body, "#12")

	failed := PaymentFailed(1, "card declined")
	assert.Equal(t, "Payment for order #1 failed", failed.Subject)
	assert.Contains(t, failed.Body, "Reason: card declined")

	assert.Contains(t, PaymentFailed(1, "").Body, "Reason: "+ReasonPlaceholder)
}

func TestSMTPSender_NotConfigured(t *testing.T) {
	s := NewSMTPSender(config.SMTPConfig{})
	assert.ErrorIs(t, s.Send(context.Background(), "a@b.com", "s", "b"), ErrNotConfigured)
}

func TestSMTPSender_BuildMessage(t *testing.T) {
	s := NewSMTPSender(config.SMTPConfig{Host: "smtp.example.com", Port: 587, From: "estoque@example.com"})

	msg, err := s.buildMessage("a@b.com", "Order #1 processed successfully", "body")
	require.NoError(t, err)
	to := msg.GetToString()
	require.Len(t, to, 1)
	assert.Contains(t, to[0], "a@b.com")

	_, err = s.buildMessage("not an address", "s", "b")
	assert.Error(t, err)

	bad := NewSMTPSender(config.SMTPConfig{Host: "smtp.example.com", From: "@@"})
	_, err = bad.buildMessage("a@b.com", "s", "b")
	assert.Error(t, err)
}

func TestSMTPSender_ClientOptions(t *testing.T) {
	plain := NewSMTPSender(config.SMTPConfig{Host: "h", Port: 25})
	assert.Len(t, plain.clientOptions(), 3)

	auth := NewSMTPSender(config.SMTPConfig{Host: "h", Port: 587, TLS: true, User: "u", Password: "p"})
	assert.Len(t, auth.clientOptions(), 6)
}
