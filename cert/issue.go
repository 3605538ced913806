package cert

import (
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"net"
	"sort"
	"strings"
	"time"
)

// leafSetKey turns a leaf's DNS name set into a stable LRU key so that
// repeated requests for any hostname the leaf already covers hit the
// same cache entry.
func leafSetKey(names []string) string {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}

// GetCert implements CA. In fixed-certificate mode it returns the
// preloaded leaf unconditionally. Otherwise it consults the LRU (promoting
// on hit) and, on miss, coalesces concurrent callers for the same hostname
// behind a single issuance that clones the real origin's certificate when
// a probe succeeds, or synthesizes a single-SAN leaf otherwise.
func (ca *SelfSignCA) GetCert(commonName string) (*tls.Certificate, error) {
	ca.mu.Lock()
	if ca.fixedSet {
		fixed := ca.fixed
		ca.mu.Unlock()
		return fixed, nil
	}
	if setKey, ok := ca.hostIndex[commonName]; ok {
		if val, ok := ca.leafLRU.Get(setKey); ok {
			ca.mu.Unlock()
			return val.(*tls.Certificate), nil
		}
	}
	ca.mu.Unlock()

	val, err := ca.group.Do(commonName, func() (any, error) {
		return ca.issue(commonName)
	})
	if err != nil {
		return nil, err
	}
	return val.(*tls.Certificate), nil
}

// issue mints a leaf certificate for hostname and records it in the LRU;
// concurrent callers for the same hostname share one call through
// GetCert's singleflight group. The probe and the
// timeout race; whichever resolves first decides whether the leaf clones
// the real origin's SAN set or is synthesized with a single SAN.
func (ca *SelfSignCA) issue(hostname string) (*tls.Certificate, error) {
	type probeResult struct {
		peer *x509.Certificate
	}

	resultCh := make(chan probeResult, 1)
	go func() {
		peer, err := probeOrigin(hostname, ca.ProbeTimeout)
		if err != nil {
			// Probe errors are swallowed; fall back to synthesis (spec §4.1, §7).
			resultCh <- probeResult{}
			return
		}
		resultCh <- probeResult{peer: peer}
	}()

	var res probeResult
	select {
	case res = <-resultCh:
	case <-time.After(ca.ProbeTimeout):
	}

	var hostnames []string
	var notBefore, notAfter time.Time
	if res.peer != nil {
		hostnames = res.peer.DNSNames
		if len(hostnames) == 0 {
			hostnames = []string{res.peer.Subject.CommonName}
		}
		notBefore, notAfter = res.peer.NotBefore, res.peer.NotAfter
	} else {
		hostnames = []string{hostname}
		notBefore = time.Now().Add(-time.Hour)
		notAfter = time.Now().Add(ca.leafTTL)
	}

	leaf, err := ca.mintLeaf(hostnames, notBefore, notAfter)
	if err != nil {
		return nil, fmt.Errorf("cert: sign leaf for %s: %w", hostname, err)
	}

	setKey := leafSetKey(hostnames)
	ca.mu.Lock()
	ca.leafLRU.Add(setKey, leaf)
	for _, h := range hostnames {
		ca.hostIndex[h] = setKey
	}
	ca.mu.Unlock()

	return leaf, nil
}

// probeOrigin performs a short best-effort TLS probe of the real origin
// to retrieve its leaf certificate, used to clone a convincing SAN set.
func probeOrigin(hostname string, timeout time.Duration) (*x509.Certificate, error) {
	addr := net.JoinHostPort(hostname, "443")
	dialer := &net.Dialer{Timeout: timeout}
	rawConn, err := dialer.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	defer rawConn.Close()
	_ = rawConn.SetDeadline(time.Now().Add(timeout))

	tlsConn := tls.Client(rawConn, &tls.Config{
		ServerName:         hostname,
		InsecureSkipVerify: true,
	})
	defer tlsConn.Close()

	if err := tlsConn.Handshake(); err != nil {
		return nil, err
	}

	state := tlsConn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return nil, errors.New("cert: probe returned no peer certificate")
	}
	return state.PeerCertificates[0], nil
}

// mintLeaf signs a new leaf certificate for hostnames using the CA's root
// key, deriving Subject/SAN/validity from the supplied window (either
// cloned from a real origin cert or synthesized for the bare hostname).
func (ca *SelfSignCA) mintLeaf(hostnames []string, notBefore, notAfter time.Time) (*tls.Certificate, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}

	var ips []net.IP
	var dnsNames []string
	for _, h := range hostnames {
		if ip := net.ParseIP(h); ip != nil {
			ips = append(ips, ip)
		} else {
			dnsNames = append(dnsNames, h)
		}
	}

	cn := hostnames[0]
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     dnsNames,
		IPAddresses:  ips,
	}
	if template.NotAfter.After(ca.rootCert.NotAfter) {
		template.NotAfter = ca.rootCert.NotAfter
	}

	leafKey, leafPub, err := generateKey(ca.keyType)
	if err != nil {
		return nil, err
	}

	der, err := x509.CreateCertificate(rand.Reader, template, ca.rootCert, leafPub, ca.rootKey)
	if err != nil {
		return nil, err
	}

	return &tls.Certificate{
		Certificate: [][]byte{der, ca.rootDER},
		PrivateKey:  leafKey,
	}, nil
}

// SetFixedCert switches the factory into fixed-certificate mode: GetCert
// returns cert unconditionally, bypassing the probe and the LRU entirely.
func (ca *SelfSignCA) SetFixedCert(cert *tls.Certificate) {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	ca.fixed = cert
	ca.fixedSet = true
}

// UnsetFixedCert reverts to dynamic per-hostname issuance.
func (ca *SelfSignCA) UnsetFixedCert() {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	ca.fixed = nil
	ca.fixedSet = false
}

// LoadFixedCertFromPEM is a convenience constructor for fixed-certificate
// mode from PEM-encoded cert/key bytes (spec: fixed_cert/fixed_key).
func LoadFixedCertFromPEM(certPEM, keyPEM []byte) (*tls.Certificate, error) {
	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	return &pair, nil
}
