package quicutil

import (
	"bytes"
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"os"

	"github.com/quicstunt/quicstunt/internal/neterr"
)

// KeyEncoding identifies how a private key was stored.
type KeyEncoding int

const (
	KeyRSA   KeyEncoding = iota + 1 // PKCS#1, "RSA PRIVATE KEY"
	KeyPKCS8                        // PKCS#8, "PRIVATE KEY"
	KeyEC                           // SEC 1, "EC PRIVATE KEY"
)

func (e KeyEncoding) String() string {
	switch e {
	case KeyRSA:
		return "rsa"
	case KeyPKCS8:
		return "pkcs8"
	case KeyEC:
		return "ec"
	}
	return "unknown"
}

type keyParser struct {
	encoding KeyEncoding
	pemType  string
	parse    func(der []byte) (crypto.PrivateKey, error)
}

// Order matters: the first encoding with exactly one key wins.
var keyParsers = []keyParser{
	{KeyRSA, "RSA PRIVATE KEY", func(der []byte) (crypto.PrivateKey, error) { return x509.ParsePKCS1PrivateKey(der) }},
	{KeyPKCS8, "PRIVATE KEY", func(der []byte) (crypto.PrivateKey, error) { return x509.ParsePKCS8PrivateKey(der) }},
	{KeyEC, "EC PRIVATE KEY", func(der []byte) (crypto.PrivateKey, error) { return x509.ParseECPrivateKey(der) }},
}

// ReadKey loads a private key stored as PEM or DER.
func ReadKey(path string) (crypto.PrivateKey, KeyEncoding, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, neterr.From(err)
	}
	return ParseKey(data)
}

// ParseKey tries the RSA, PKCS#8 and EC encodings in that order. An
// encoding with no key moves on to the next; exactly one key is accepted
// and more than one is an error. Input without PEM blocks is tried as DER
// in the same order.
func ParseKey(data []byte) (crypto.PrivateKey, KeyEncoding, error) {
	blocks := pemBlocks(data)
	if len(blocks) == 0 {
		return parseKeyDER(data)
	}

	for _, p := range keyParsers {
		var keys []crypto.PrivateKey
		for _, b := range blocks {
			if b.Type != p.pemType {
				continue
			}
			key, err := p.parse(b.Bytes)
			if err != nil {
				return nil, 0, neterr.New(neterr.KindInternal, "malformed %s block: %v", p.pemType, err)
			}
			keys = append(keys, key)
		}
		switch len(keys) {
		case 0:
			continue
		case 1:
			return keys[0], p.encoding, nil
		default:
			return nil, 0, neterr.New(neterr.KindInternal, "expected one %s key, found %d", p.encoding, len(keys))
		}
	}
	return nil, 0, neterr.New(neterr.KindInternal, "no private key in %d PEM blocks", len(blocks))
}

func parseKeyDER(der []byte) (crypto.PrivateKey, KeyEncoding, error) {
	for _, p := range keyParsers {
		if key, err := p.parse(der); err == nil {
			return key, p.encoding, nil
		}
	}
	return nil, 0, neterr.New(neterr.KindInternal, "no private key found")
}

// ReadCertChain loads every certificate of a PEM file, leaf first, or the
// single certificate of a DER file.
func ReadCertChain(path string) ([][]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, neterr.From(err)
	}
	return ParseCertChain(data)
}

// ParseCertChain is ReadCertChain on bytes.
func ParseCertChain(data []byte) ([][]byte, error) {
	blocks := pemBlocks(data)
	if len(blocks) == 0 {
		if _, err := x509.ParseCertificate(data); err != nil {
			return nil, neterr.New(neterr.KindInternal, "no certificate found: %v", err)
		}
		return [][]byte{bytes.Clone(data)}, nil
	}

	var chain [][]byte
	for _, b := range blocks {
		if b.Type != "CERTIFICATE" {
			continue
		}
		if _, err := x509.ParseCertificate(b.Bytes); err != nil {
			return nil, neterr.New(neterr.KindInternal, "malformed certificate %d: %v", len(chain), err)
		}
		chain = append(chain, b.Bytes)
	}
	if len(chain) == 0 {
		return nil, neterr.New(neterr.KindInternal, "no CERTIFICATE block in %d PEM blocks", len(blocks))
	}
	return chain, nil
}

// LoadKeyPair reads a certificate chain and its private key and checks
// that they belong together.
func LoadKeyPair(certPath, keyPath string) (tls.Certificate, error) {
	chain, err := ReadCertChain(certPath)
	if err != nil {
		return tls.Certificate{}, err
	}
	key, _, err := ReadKey(keyPath)
	if err != nil {
		return tls.Certificate{}, err
	}

	leaf, err := x509.ParseCertificate(chain[0])
	if err != nil {
		return tls.Certificate{}, neterr.Wrap(neterr.KindInternal, err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return tls.Certificate{}, neterr.New(neterr.KindInternal, "private key %T cannot sign", key)
	}
	pub, ok := leaf.PublicKey.(interface{ Equal(crypto.PublicKey) bool })
	if !ok || !pub.Equal(signer.Public()) {
		return tls.Certificate{}, neterr.New(neterr.KindInternal, "private key does not match certificate %s", leaf.Subject.CommonName)
	}

	return tls.Certificate{Certificate: chain, PrivateKey: key, Leaf: leaf}, nil
}

// CertPoolFromFile builds a root pool from a PEM or DER certificate file.
func CertPoolFromFile(path string) (*x509.CertPool, error) {
	chain, err := ReadCertChain(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	for _, der := range chain {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, neterr.Wrap(neterr.KindInternal, err)
		}
		pool.AddCert(cert)
	}
	return pool, nil
}

func pemBlocks(data []byte) []*pem.Block {
	var blocks []*pem.Block
	for {
		var b *pem.Block
		b, data = pem.Decode(data)
		if b == nil {
			return blocks
		}
		blocks = append(blocks, b)
	}
}
