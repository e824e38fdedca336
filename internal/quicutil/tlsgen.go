// Package quicutil supplies certificates and keys to quicstunt endpoints.
package quicutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"time"

	"github.com/quicstunt/quicstunt/internal/neterr"
)

// Conventional file names for a generated pair.
const (
	DefaultCertFile = "cert.pem"
	DefaultKeyFile  = "key.pem"
)

// CertKey is a generated certificate with its private key, in PEM and in
// parsed form.
type CertKey struct {
	CertPEM     []byte
	KeyPEM      []byte
	Certificate tls.Certificate
	Leaf        *x509.Certificate
}

// GenerateSelfSigned creates a self-signed ECDSA P-256 certificate valid
// for one year. Each subject alternative name that parses as an IP becomes
// an IP SAN, the rest become DNS names. The first name is the common name.
//
// Peers must trust the returned certificate explicitly, see CertPool.
func GenerateSelfSigned(subjectAltNames []string) (*CertKey, error) {
	if len(subjectAltNames) == 0 {
		return nil, neterr.New(neterr.KindInternal, "self-signed certificate needs at least one name")
	}

	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, neterr.Wrap(neterr.KindInternal, fmt.Errorf("failed to generate private key: %w", err))
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, neterr.Wrap(neterr.KindInternal, fmt.Errorf("failed to generate serial number: %w", err))
	}

	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName:   subjectAltNames[0],
			Organization: []string{"quicstunt"},
		},
		NotBefore:             time.Now().Add(-1 * time.Hour),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	for _, name := range subjectAltNames {
		if ip := net.ParseIP(name); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, name)
		}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return nil, neterr.Wrap(neterr.KindInternal, fmt.Errorf("failed to create certificate: %w", err))
	}
	leaf, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, neterr.Wrap(neterr.KindInternal, err)
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(privateKey)
	if err != nil {
		return nil, neterr.Wrap(neterr.KindInternal, fmt.Errorf("failed to marshal private key: %w", err))
	}

	return &CertKey{
		CertPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER}),
		KeyPEM:  pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}),
		Certificate: tls.Certificate{
			Certificate: [][]byte{certDER},
			PrivateKey:  privateKey,
			Leaf:        leaf,
		},
		Leaf: leaf,
	}, nil
}

// CertPool returns a pool trusting only this certificate.
func (ck *CertKey) CertPool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(ck.Leaf)
	return pool
}

// WriteFiles stores the certificate and key as PEM. The key file is
// readable by the owner only.
func (ck *CertKey) WriteFiles(certPath, keyPath string) error {
	if err := os.WriteFile(certPath, ck.CertPEM, 0o644); err != nil {
		return neterr.From(err)
	}
	if err := os.WriteFile(keyPath, ck.KeyPEM, 0o600); err != nil {
		return neterr.From(err)
	}
	return nil
}
