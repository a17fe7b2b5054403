package certificate

import (
	"time"

	"golang.org/x/exp/slices"
)

// Details describes a certificate obtained from a Supplier for use as the default identity.
type Details struct {
	Issuer      string `json:"issuer"`
	PrivateKey  string `json:"privateKey"`
	Certificate string `json:"certificate"`

	Subject  string    `json:"subject"`
	AltNames []string  `json:"altNames"`
	NotAfter time.Time `json:"notAfter"`

	OcspResponse   []byte    `json:"ocspResponse,omitempty"`
	NextOcspUpdate time.Time `json:"nextOcspUpdate"`
}

// ValidFor indicates whether the certificate remains valid for at least the given period from now.
func (d *Details) ValidFor(period time.Duration) bool {
	return d.NotAfter.After(time.Now().Add(period))
}

// HasStapleFor indicates whether the OCSP staple remains current for at least the given period from now.
func (d *Details) HasStapleFor(period time.Duration) bool {
	return d.NextOcspUpdate.After(time.Now().Add(period))
}

// IsFor reports whether the certificate was requested for exactly this subject and set of alternate names.
func (d *Details) IsFor(subject string, altNames []string) bool {
	if d.Subject != subject {
		return false
	}

	have := slices.Clone(d.AltNames)
	want := slices.Clone(altNames)
	slices.Sort(have)
	slices.Sort(want)
	return slices.Equal(have, want)
}

// Identity converts the details into an Identity, with the certificate chain preceding the key.
func (d *Details) Identity() (*Identity, error) {
	identity := NewIdentity("default", []byte(d.Certificate+"\n"+d.PrivateKey))
	pair, err := identity.KeyPair()
	if err != nil {
		return nil, err
	}
	pair.OCSPStaple = d.OcspResponse
	return identity, nil
}
