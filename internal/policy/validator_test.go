package policy

import (
	"testing"

	"github.com/adamscao/nodetrust/internal/certs"
	"github.com/adamscao/nodetrust/internal/errs"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCSR(t *testing.T, identity string) []byte {
	t.Helper()

	store, err := certs.New(certs.Options{Root: t.TempDir(), InstanceName: "instanceA"})
	require.NoError(t, err)
	csr, err := store.CreateCSR(identity, "instanceA")
	require.NoError(t, err)
	return csr
}

func TestValidateCSR(t *testing.T) {
	v := NewValidator("instanceA")

	identity, err := v.ValidateCSR(newCSR(t, "instanceA.device1"))
	require.NoError(t, err)
	assert.Equal(t, "instanceA.device1", identity)

	identity, err = v.ValidateCSR(newCSR(t, "instanceB.device1"))
	assert.True(t, errors.Is(err, errs.ErrIdentityMismatch))
	assert.Equal(t, "instanceB.device1", identity)
	assert.Contains(t, err.Error(), "CSR must start with instance name: instanceA")

	_, err = v.ValidateCSR([]byte("-----BEGIN NOTHING-----"))
	assert.True(t, errors.Is(err, errs.ErrIdentityMismatch))
}

func TestValidateIdentity(t *testing.T) {
	v := NewValidator("instanceA")

	tests := []struct {
		identity string
		valid    bool
	}{
		{"instanceA.device1", true},
		{"instanceA.a.b", true},
		{"instanceA.", false},
		{"instanceA", false},
		{"instanceAB.device1", false},
		{"xinstanceA.device1", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.identity, func(t *testing.T) {
			err := v.ValidateIdentity(tt.identity)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.True(t, errors.Is(err, errs.ErrIdentityMismatch))
			}
		})
	}
}
