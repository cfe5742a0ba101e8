package masking

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskReference(t *testing.T) {
	cases := map[string]string{
		"":                     "",
		"pm_1NvXk2abcd9876":    "pm_****9876",
		"cus_abc":              "cus_****",
		"pi_3Ab_secret_zz1234": "pi_****1234",
		"203.0.113.45":         "****3.45",
		"abc_":                 "****",
	}
	for in, want := range cases {
		assert.Equal(t, want, MaskReference(in), in)
	}
}

func TestMaskFields(t *testing.T) {
	in := map[string]any{
		"ip_address":  "203.0.113.45",
		"signer_name": "Jane Client",
		"attempt":     2,
	}
	out := MaskFields(in, "ip_address", "attempt")

	assert.Equal(t, "****3.45", out["ip_address"])
	assert.Equal(t, "Jane Client", out["signer_name"])
	assert.Equal(t, 2, out["attempt"])
	// The input is untouched.
	assert.Equal(t, "203.0.113.45", in["ip_address"])
	assert.Nil(t, MaskFields(nil))
}
