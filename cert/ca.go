// Package cert implements the Certificate Factory: it owns the proxy's
// root CA and mints short-lived leaf certificates signed by that CA so
// the proxy can terminate TLS on behalf of any origin it intercepts.
package cert

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
	"github.com/golang/groupcache/singleflight"
)

// CA is the Certificate Factory contract consumed by the proxy core: given
// a hostname (the TLS SNI or CONNECT target), return a leaf certificate
// signed by the CA's root key. GetRootCA exposes the root for export to
// clients (trust bootstrap is out of scope here).
type CA interface {
	GetCert(commonName string) (*tls.Certificate, error)
	GetRootCA() *x509.Certificate
}

// KeyType selects the leaf key algorithm minted by SelfSignCA.
type KeyType int

const (
	// KeyTypeECDSA mints P-256 ECDSA leaves (default: cheaper to sign).
	KeyTypeECDSA KeyType = iota
	// KeyTypeRSA mints 2048-bit RSA leaves, for clients that reject ECDSA.
	KeyTypeRSA
)

const (
	rootCertFile = "mitmcore-ca-cert.pem"
	rootKeyFile  = "mitmcore-ca-key.pem"

	defaultLeafCacheCapacity = 1000
	defaultLeafValidity      = 7 * 24 * time.Hour
	defaultProbeTimeout      = time.Second
)

// SelfSignCA is a CA backed by a self-signed (or operator-provided) root
// key pair, persisted as two PEM files. Leaf issuance is an LRU-cached,
// singleflight-coalesced factory: on a cache miss it races a short TLS
// probe of the real origin against a timeout to decide whether to clone
// the origin's SAN set or synthesize a single-host leaf.
type SelfSignCA struct {
	rootCert *x509.Certificate
	rootKey  any // *rsa.PrivateKey or *ecdsa.PrivateKey
	rootDER  []byte

	storePath string
	keyType   KeyType
	leafTTL   time.Duration

	ProbeTimeout time.Duration

	mu        sync.Mutex
	leafLRU   *lru.Cache
	hostIndex map[string]string // hostname -> leaf set key, kept in sync via the LRU's OnEvicted hook
	group     singleflight.Group
	fixed     *tls.Certificate
	fixedSet  bool
}

// Option configures a SelfSignCA at construction time.
type Option func(*SelfSignCA)

// WithKeyType overrides the default leaf key algorithm (ECDSA).
func WithKeyType(kt KeyType) Option {
	return func(ca *SelfSignCA) { ca.keyType = kt }
}

// WithLeafValidity overrides the default leaf validity window.
func WithLeafValidity(d time.Duration) Option {
	return func(ca *SelfSignCA) { ca.leafTTL = d }
}

// WithProbeTimeout overrides the default real-origin probe timeout
// (spec: get_cert_socket_timeout, default ~1s).
func WithProbeTimeout(d time.Duration) Option {
	return func(ca *SelfSignCA) { ca.ProbeTimeout = d }
}

// WithLeafCacheCapacity overrides the default leaf LRU capacity.
func WithLeafCacheCapacity(n int) Option {
	return func(ca *SelfSignCA) { ca.setLeafCache(n) }
}

// NewSelfSignCA loads CA material from storePath, generating and saving a
// new self-signed root if none exists yet. An empty storePath resolves to
// a default per-user directory via getStorePath. CA load/generation
// failure is fatal to the caller (spec §4.1).
func NewSelfSignCA(storePath string, opts ...Option) (CA, error) {
	path, err := getStorePath(storePath)
	if err != nil {
		return nil, fmt.Errorf("cert: resolve store path: %w", err)
	}

	ca := newSelfSignCA(opts...)
	ca.storePath = path

	if err := os.MkdirAll(path, 0o700); err != nil {
		return nil, fmt.Errorf("cert: create store path: %w", err)
	}

	if _, statErr := os.Stat(ca.caFile()); statErr == nil {
		if err := ca.load(); err != nil {
			return nil, fmt.Errorf("cert: load CA material: %w", err)
		}
		return ca, nil
	}

	if err := ca.generateRoot(); err != nil {
		return nil, fmt.Errorf("cert: generate CA: %w", err)
	}
	if err := ca.persist(); err != nil {
		return nil, fmt.Errorf("cert: persist CA: %w", err)
	}
	return ca, nil
}

// NewSelfSignCAMemory generates a root CA entirely in memory, never
// touching disk. Intended for tests and short-lived embedded uses.
func NewSelfSignCAMemory(opts ...Option) (CA, error) {
	ca := newSelfSignCA(opts...)
	if err := ca.generateRoot(); err != nil {
		return nil, fmt.Errorf("cert: generate CA: %w", err)
	}
	return ca, nil
}

func newSelfSignCA(opts ...Option) *SelfSignCA {
	ca := &SelfSignCA{
		keyType:      KeyTypeECDSA,
		leafTTL:      defaultLeafValidity,
		ProbeTimeout: defaultProbeTimeout,
	}
	ca.setLeafCache(defaultLeafCacheCapacity)
	for _, opt := range opts {
		opt(ca)
	}
	return ca
}

// setLeafCache (re)installs the leaf LRU with an eviction hook that keeps
// hostIndex in sync: when a leaf set key falls off the LRU, every hostname
// that still points at it is removed too.
func (ca *SelfSignCA) setLeafCache(capacity int) {
	ca.hostIndex = make(map[string]string)
	ca.leafLRU = &lru.Cache{
		MaxEntries: capacity,
		OnEvicted: func(key lru.Key, _ any) {
			setKey := key.(string)
			for _, h := range strings.Split(setKey, ",") {
				if ca.hostIndex[h] == setKey {
					delete(ca.hostIndex, h)
				}
			}
		},
	}
}

// GetRootCA returns the parsed root certificate.
func (ca *SelfSignCA) GetRootCA() *x509.Certificate {
	return ca.rootCert
}

func (ca *SelfSignCA) caFile() string {
	return filepath.Join(ca.storePath, rootCertFile)
}

func (ca *SelfSignCA) keyFile() string {
	return filepath.Join(ca.storePath, rootKeyFile)
}

// getStorePath resolves the directory CA material is persisted under. An
// empty input defers to os.UserConfigDir()/mitmcore/ca.
func getStorePath(storePath string) (string, error) {
	if storePath != "" {
		return storePath, nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "mitmcore", "ca"), nil
}

func (ca *SelfSignCA) generateRoot() error {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return err
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   "mitmcore root CA",
			Organization: []string{"mitmcore"},
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        false,
	}

	key, pub, err := generateKey(ca.keyType)
	if err != nil {
		return err
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, pub, key)
	if err != nil {
		return err
	}

	parsed, err := x509.ParseCertificate(der)
	if err != nil {
		return err
	}

	ca.rootCert = parsed
	ca.rootDER = der
	ca.rootKey = key
	return nil
}

func generateKey(kt KeyType) (signer any, pub any, err error) {
	switch kt {
	case KeyTypeRSA:
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, nil, err
		}
		return key, &key.PublicKey, nil
	default:
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, nil, err
		}
		return key, &key.PublicKey, nil
	}
}

// saveTo PEM-encodes the root certificate to w (the CA key is saved
// separately via persist; saveTo exists so callers/tests can verify the
// exact bytes written to caFile()).
func (ca *SelfSignCA) saveTo(w io.Writer) error {
	return pem.Encode(w, &pem.Block{Type: "CERTIFICATE", Bytes: ca.rootDER})
}

func (ca *SelfSignCA) persist() error {
	certOut, err := os.OpenFile(ca.caFile(), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer certOut.Close()
	if err := ca.saveTo(certOut); err != nil {
		return err
	}

	keyDER, err := marshalKey(ca.rootKey)
	if err != nil {
		return err
	}
	keyOut, err := os.OpenFile(ca.keyFile(), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer keyOut.Close()
	return pem.Encode(keyOut, &pem.Block{Type: keyPEMType(ca.keyType), Bytes: keyDER})
}

func (ca *SelfSignCA) load() error {
	certPEM, err := os.ReadFile(ca.caFile())
	if err != nil {
		return err
	}
	keyPEM, err := os.ReadFile(ca.keyFile())
	if err != nil {
		return err
	}

	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return errors.New("cert: invalid CA certificate PEM")
	}
	parsed, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return err
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return errors.New("cert: invalid CA key PEM")
	}
	key, err := unmarshalKey(keyBlock)
	if err != nil {
		return err
	}

	ca.rootCert = parsed
	ca.rootDER = certBlock.Bytes
	ca.rootKey = key
	return nil
}

func keyPEMType(kt KeyType) string {
	if kt == KeyTypeRSA {
		return "RSA PRIVATE KEY"
	}
	return "EC PRIVATE KEY"
}

func marshalKey(key any) ([]byte, error) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return x509.MarshalPKCS1PrivateKey(k), nil
	case *ecdsa.PrivateKey:
		return x509.MarshalECPrivateKey(k)
	default:
		return nil, fmt.Errorf("cert: unsupported key type %T", key)
	}
}

func unmarshalKey(block *pem.Block) (any, error) {
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		return x509.ParseECPrivateKey(block.Bytes)
	default:
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		return key, nil
	}
}
