package certificate

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
	legocert "github.com/go-acme/lego/v4/certificate"
	"github.com/go-acme/lego/v4/challenge"
	"github.com/go-acme/lego/v4/challenge/dns01"
	"github.com/go-acme/lego/v4/lego"
	"github.com/go-acme/lego/v4/registration"
	"golang.org/x/crypto/ocsp"
)

type registrar interface {
	Register(options registration.RegisterOptions) (*registration.Resource, error)
}

type certifier interface {
	Obtain(request legocert.ObtainRequest) (*legocert.Resource, error)
	GetOCSP(bundle []byte) ([]byte, *ocsp.Response, error)
}

// acmeAccount is the ACME account used to request certificates. It satisfies lego's registration.User.
type acmeAccount struct {
	Email        string                 `json:"email"`
	Registration *registration.Resource `json:"registration"`
	Key          string                 `json:"key"`
	key          crypto.PrivateKey
}

func (a *acmeAccount) GetEmail() string {
	return a.Email
}

func (a *acmeAccount) GetRegistration() *registration.Resource {
	return a.Registration
}

func (a *acmeAccount) GetPrivateKey() crypto.PrivateKey {
	return a.key
}

// load reads a previously saved account from path, or generates a fresh key if there isn't one.
func (a *acmeAccount) load(path string) error {
	if err := readJSON(path, a); err != nil {
		return fmt.Errorf("unable to read saved account from '%s': %w", path, err)
	}

	if a.Key == "" {
		slog.Info("No saved ACME account found, generating a new key", "path", path)
		key, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
		if err != nil {
			return fmt.Errorf("unable to generate account key: %w", err)
		}
		a.key = key
		a.Key = string(certcrypto.PEMEncode(key))
		return nil
	}

	key, err := certcrypto.ParsePEMPrivateKey([]byte(a.Key))
	if err != nil {
		return fmt.Errorf("unable to decode saved account key: %w", err)
	}
	a.key = key
	return nil
}

func (a *acmeAccount) register(registrar registrar, path string) error {
	slog.Info("Registering ACME account", "email", a.Email)
	reg, err := registrar.Register(registration.RegisterOptions{TermsOfServiceAgreed: true})
	if err != nil {
		return fmt.Errorf("unable to register new account: %w", err)
	}
	a.Registration = reg

	b, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("unable to serialise account: %w", err)
	}
	return os.WriteFile(path, b, 0600)
}

// LegoSupplier obtains certificates from an ACME endpoint using DNS-01 challenges.
type LegoSupplier struct {
	certifier certifier
}

// LegoSupplierConfig contains the configuration used to create a new LegoSupplier.
type LegoSupplierConfig struct {
	// Path is where the ACME account is saved between runs.
	Path string
	// Email is the contact address given to the ACME endpoint.
	Email string
	// DirUrl is the URL of the ACME directory.
	DirUrl string
	// KeyType is the type of key to generate for certificates.
	KeyType certcrypto.KeyType
	// DnsProvider solves DNS-01 challenges.
	DnsProvider challenge.Provider
	// DisablePropagationCheck skips waiting for authoritative nameservers to agree on challenge records.
	DisablePropagationCheck bool
}

// NewLegoSupplier creates a new supplier, registering an ACME account if one hasn't been saved before.
func NewLegoSupplier(config *LegoSupplierConfig) (*LegoSupplier, error) {
	account := &acmeAccount{Email: config.Email}
	if err := account.load(config.Path); err != nil {
		return nil, err
	}

	legoConfig := lego.NewConfig(account)
	legoConfig.CADirURL = config.DirUrl
	legoConfig.Certificate.KeyType = config.KeyType

	client, err := lego.NewClient(legoConfig)
	if err != nil {
		return nil, err
	}

	if err := client.Challenge.SetDNS01Provider(
		config.DnsProvider,
		dns01.CondOption(config.DisablePropagationCheck, dns01.DisableAuthoritativeNssPropagationRequirement()),
	); err != nil {
		return nil, err
	}

	if account.Registration == nil {
		if err := account.register(client.Registration, config.Path); err != nil {
			return nil, err
		}
	}

	return &LegoSupplier{certifier: client.Certificate}, nil
}

// GetCertificate obtains a new certificate for the given names. An OCSP staple is requested straight away, but
// failing to get one doesn't fail the certificate.
func (s *LegoSupplier) GetCertificate(subject string, altNames []string) (*Details, error) {
	res, err := s.certifier.Obtain(legocert.ObtainRequest{
		Domains: append([]string{subject}, altNames...),
		Bundle:  true,
	})
	if err != nil {
		return nil, err
	}

	leaf, err := certcrypto.ParsePEMCertificate(res.Certificate)
	if err != nil {
		return nil, fmt.Errorf("unable to parse returned certificate: %w", err)
	}

	details := &Details{
		Issuer:      string(res.IssuerCertificate),
		PrivateKey:  string(res.PrivateKey),
		Certificate: string(res.Certificate),
		Subject:     subject,
		AltNames:    altNames,
		NotAfter:    leaf.NotAfter,
	}

	if err := s.UpdateStaple(details); err != nil {
		slog.Warn("Unable to obtain OCSP staple for new certificate", "subject", subject, "error", err)
	}
	return details, nil
}

// UpdateStaple requests a new OCSP staple for the given certificate.
func (s *LegoSupplier) UpdateStaple(cert *Details) error {
	b, response, err := s.certifier.GetOCSP([]byte(cert.Certificate))
	if err != nil {
		return err
	}

	if response == nil || response.Status != ocsp.Good {
		return errors.New("OCSP response was not good")
	}

	cert.OcspResponse = b
	cert.NextOcspUpdate = response.NextUpdate
	return nil
}

func (s *LegoSupplier) MinCertificateValidity() time.Duration {
	return time.Hour * 24 * 30
}

func (s *LegoSupplier) MinStapleValidity() time.Duration {
	return time.Hour * 24
}
