package certificate

import (
	"crypto/tls"
	"sync"
)

// Identity is a TLS certificate, private key and optional chain, held exactly as it was supplied. The bundle is
// served verbatim: anything surrounding the PEM blocks is carried along untouched.
type Identity struct {
	Source string
	Bundle []byte

	once    sync.Once
	pair    *tls.Certificate
	pairErr error
}

// NewIdentity creates an identity from a PEM bundle containing at least a certificate and its private key.
func NewIdentity(source string, bundle []byte) *Identity {
	return &Identity{Source: source, Bundle: bundle}
}

// KeyPair parses the bundle into a tls.Certificate. The bundle is only parsed once per Identity.
func (i *Identity) KeyPair() (*tls.Certificate, error) {
	i.once.Do(func() {
		pair, err := tls.X509KeyPair(i.Bundle, i.Bundle)
		if err != nil {
			i.pairErr = err
			return
		}
		i.pair = &pair
	})
	return i.pair, i.pairErr
}

// Usable indicates whether the bundle contains a matching certificate and key.
func (i *Identity) Usable() bool {
	_, err := i.KeyPair()
	return err == nil
}

// inlineBundle joins separately declared PEM values in the order they are served: leaf certificate, then any CA
// chain, then the key.
func inlineBundle(cert, ca, key string) []byte {
	if ca == "" {
		return []byte(cert + "\n" + key)
	}
	return []byte(cert + "\n" + ca + "\n" + key)
}
