package policy

import (
	"strings"

	"github.com/adamscao/nodetrust/internal/certs"
	"github.com/adamscao/nodetrust/internal/errs"
	"github.com/pkg/errors"
)

// Validator validates certificate signing requests against the instance
// naming policy
type Validator struct {
	instanceName string
}

// NewValidator creates a new policy validator for instanceName
func NewValidator(instanceName string) *Validator {
	return &Validator{instanceName: instanceName}
}

// Prefix returns the prefix every node identity of the instance must carry
func (v *Validator) Prefix() string {
	return v.instanceName + "."
}

// ValidateCSR parses csrPEM and returns its common name. The common name must
// be namespaced under the local instance.
func (v *Validator) ValidateCSR(csrPEM []byte) (string, error) {
	identity, err := certs.CommonName(csrPEM)
	if err != nil {
		return "", errors.Wrap(errs.ErrIdentityMismatch, err.Error())
	}

	if err := v.ValidateIdentity(identity); err != nil {
		return identity, err
	}

	return identity, nil
}

// ValidateIdentity checks that identity belongs to the local instance
func (v *Validator) ValidateIdentity(identity string) error {
	prefix := v.Prefix()

	if !strings.HasPrefix(identity, prefix) || len(identity) == len(prefix) {
		return errors.Wrapf(errs.ErrIdentityMismatch, "CSR must start with instance name: %s", v.instanceName)
	}

	return nil
}
