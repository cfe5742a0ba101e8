package email

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderContractSent(t *testing.T) {
	subject, body, err := Render("contract_sent", map[string]any{
		"CompanyName":    "Acme Renovations",
		"ContractTitle":  "Kitchen remodel",
		"ContractorName": "Dana Builder",
		"RecipientName":  "Sam Client",
		"Link":           "https://sign.example/sign/abc",
	})
	require.NoError(t, err)
	assert.Equal(t, `Acme Renovations sent you "Kitchen remodel" to sign`, subject)
	assert.Contains(t, body, `href="https://sign.example/sign/abc"`)
	assert.Contains(t, body, "Sam Client")
}

func TestRenderUnknownTemplate(t *testing.T) {
	_, _, err := Render("does_not_exist", nil)
	assert.Error(t, err)
}

func TestRecordingProvider(t *testing.T) {
	p := &RecordingProvider{}
	err := p.SendTemplate(context.Background(), []string{"sam@client.test"}, "contract_cancelled", map[string]any{
		"CompanyName":   "Acme",
		"ContractTitle": "Deck",
		"RecipientName": "Sam",
	})
	require.NoError(t, err)

	msgs := p.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "contract_cancelled", msgs[0].Template)
	assert.Equal(t, `"Deck" was cancelled`, msgs[0].Subject)
}
