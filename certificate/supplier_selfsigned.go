package certificate

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-acme/lego/v4/certcrypto"
	"golang.org/x/exp/slices"
)

const (
	selfSignedValidity  = 30 * 24 * time.Hour
	selfSignedBackdate  = time.Hour
	selfSignedRenewTime = 7 * 24 * time.Hour
)

var maxSerial = new(big.Int).Lsh(big.NewInt(1), 128)

// SelfSignedSupplier generates throwaway certificates signed by their own key. It is the supplier of last resort
// for the default identity.
type SelfSignedSupplier struct {
	Organisation string
	Validity     time.Duration
	Clock        clock.Clock
}

// NewSelfSignedSupplier creates a new supplier.
func NewSelfSignedSupplier() *SelfSignedSupplier {
	return &SelfSignedSupplier{
		Organisation: "Polaris",
		Validity:     selfSignedValidity,
		Clock:        clock.New(),
	}
}

// GetCertificate signs a new P-256 certificate covering the subject and every distinct alternate name.
func (s *SelfSignedSupplier) GetCertificate(subject string, altNames []string) (*Details, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("unable to generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, maxSerial)
	if err != nil {
		return nil, fmt.Errorf("unable to generate serial: %w", err)
	}

	names := []string{subject}
	for _, n := range altNames {
		if !slices.Contains(names, n) {
			names = append(names, n)
		}
	}

	now := s.now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{s.Organisation}, CommonName: subject},
		DNSNames:              names,
		NotBefore:             now.Add(-selfSignedBackdate),
		NotAfter:              now.Add(s.validity()),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	if err != nil {
		return nil, fmt.Errorf("unable to sign certificate for '%s': %w", subject, err)
	}

	return &Details{
		PrivateKey:     string(certcrypto.PEMEncode(key)),
		Certificate:    string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})),
		Subject:        subject,
		AltNames:       altNames,
		NotAfter:       template.NotAfter,
		NextOcspUpdate: template.NotAfter,
	}, nil
}

// UpdateStaple does nothing, as self-signed certificates have no OCSP responder.
func (s *SelfSignedSupplier) UpdateStaple(_ *Details) error {
	return nil
}

func (s *SelfSignedSupplier) MinCertificateValidity() time.Duration {
	return min(selfSignedRenewTime, s.validity()/4)
}

func (s *SelfSignedSupplier) MinStapleValidity() time.Duration {
	return time.Second
}

func (s *SelfSignedSupplier) now() time.Time {
	if s.Clock == nil {
		return time.Now()
	}
	return s.Clock.Now()
}

func (s *SelfSignedSupplier) validity() time.Duration {
	if s.Validity <= 0 {
		return selfSignedValidity
	}
	return s.Validity
}
