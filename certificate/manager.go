package certificate

import (
	"fmt"
	"log/slog"
	"time"
)

// Store provides functions to get and store certificates.
type Store interface {
	GetCertificate(subject string, altNames []string) *Details
	SaveCertificate(cert *Details) error
}

// Supplier provides new certificates and OCSP staples.
type Supplier interface {
	GetCertificate(subject string, altNames []string) (*Details, error)
	UpdateStaple(cert *Details) error
	MinCertificateValidity() time.Duration
	MinStapleValidity() time.Duration
}

// Manager co-ordinates a certificate store and a set of suppliers to keep a certificate current. Suppliers are
// tried in order of preference; the first one that returns a certificate wins.
type Manager struct {
	store              Store
	suppliers          map[string]Supplier
	supplierPreference []string
}

// NewManager returns a new certificate manager backed by the given store and suppliers.
func NewManager(store Store, suppliers map[string]Supplier, supplierPreference []string) *Manager {
	return &Manager{
		store:              store,
		suppliers:          suppliers,
		supplierPreference: supplierPreference,
	}
}

// GetCertificate returns a certificate for the given subject and alternate names, obtaining a new one or a new
// OCSP staple if the stored one is missing or close to expiry.
func (m *Manager) GetCertificate(subject string, altNames []string) (*Details, error) {
	var lastErr error
	for _, name := range m.supplierPreference {
		supplier, ok := m.suppliers[name]
		if !ok {
			continue
		}

		cert, err := m.getFrom(supplier, subject, altNames)
		if err == nil {
			return cert, nil
		}

		slog.Warn("Certificate supplier failed", "supplier", name, "subject", subject, "error", err)
		lastErr = err
	}

	if lastErr == nil {
		return nil, fmt.Errorf("no suppliers found for preference: %v", m.supplierPreference)
	}
	return nil, lastErr
}

func (m *Manager) getFrom(supplier Supplier, subject string, altNames []string) (*Details, error) {
	cert := m.store.GetCertificate(subject, altNames)
	switch {
	case cert == nil:
		slog.Info("Obtaining new certificate", "subject", subject)
		return m.obtain(supplier, subject, altNames)
	case !cert.ValidFor(supplier.MinCertificateValidity()):
		slog.Info("Renewing certificate", "subject", subject, "expiry", cert.NotAfter)
		return m.obtain(supplier, subject, altNames)
	case !cert.HasStapleFor(supplier.MinStapleValidity()):
		slog.Info("Obtaining new OCSP staple", "subject", subject)
		return m.staple(supplier, cert)
	default:
		return cert, nil
	}
}

func (m *Manager) obtain(supplier Supplier, subject string, altNames []string) (*Details, error) {
	cert, err := supplier.GetCertificate(subject, altNames)
	if err != nil {
		return nil, fmt.Errorf("failed to obtain certificate for %s: %w", subject, err)
	}

	if err := m.store.SaveCertificate(cert); err != nil {
		return nil, fmt.Errorf("failed to save certificate for %s: %w", subject, err)
	}
	return cert, nil
}

// staple refreshes the OCSP staple of an otherwise valid certificate. Failing to get a staple isn't fatal: the
// certificate is still served, just without one.
func (m *Manager) staple(supplier Supplier, cert *Details) (*Details, error) {
	if err := supplier.UpdateStaple(cert); err != nil {
		slog.Warn("Unable to update OCSP staple", "subject", cert.Subject, "error", err)
		return cert, nil
	}

	if err := m.store.SaveCertificate(cert); err != nil {
		return nil, fmt.Errorf("failed to save certificate for %s: %w", cert.Subject, err)
	}
	return cert, nil
}
