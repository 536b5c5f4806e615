package validation

import (
	"testing"

	"example.com/eduwallet/services/partners/internal/models"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Name    string `validate:"required"`
	Kind    string `validate:"oneof=a b"`
	Percent int    `validate:"gte=0,lte=100"`
	Domain  string `validate:"omitempty,partner_domain"`
}

func TestValidateStruct(t *testing.T) {
	require.NoError(t, ValidateStruct(sample{Name: "n", Kind: "a", Percent: 50, Domain: "partner.example:8080"}))

	err := ValidateStruct(sample{Kind: "c", Percent: 101, Domain: "https://partner.example"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrInvalidArgument))
	assert.Contains(t, err.Error(), "Name is required")
	assert.Contains(t, err.Error(), "Kind must be one of [a b]")
	assert.Contains(t, err.Error(), "Percent must be at most 100")
	assert.Contains(t, err.Error(), "Domain failed partner_domain validation")
}

func TestIsValidDomain(t *testing.T) {
	assert.True(t, IsValidDomain("partner.example"))
	assert.True(t, IsValidDomain("localhost:3000"))
	assert.False(t, IsValidDomain(""))
	assert.False(t, IsValidDomain("http://partner.example"))
	assert.False(t, IsValidDomain("partner.example/path"))
}
