package ingest

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func newTestStats() *Stats {
	return NewStats(prometheus.NewRegistry())
}

func testAddr(i int) netip.Addr {
	return netip.MustParseAddr(fmt.Sprintf("10.9.%d.%d", i/256, i%256))
}

func testAddrPort(i int) netip.AddrPort {
	return netip.AddrPortFrom(testAddr(i), uint16(40000+i))
}

func testPubkey(b byte) Pubkey {
	var k Pubkey
	k[0] = b

	return k
}

func newAtomicUint64(v uint64) *atomic.Uint64 {
	u := &atomic.Uint64{}
	u.Store(v)

	return u
}

func generateTLSConfig(proto string) (*tls.Config, ed25519.PublicKey) {
	cert, pub := generateCertificate()

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{proto},
	}, pub
}

func generateCertificate() (tls.Certificate, ed25519.PublicKey) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		panic(err)
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now().Add(time.Hour * -1),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, pub, priv)
	if err != nil {
		panic(err)
	}

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
	}, pub
}

func freePort() *net.UDPAddr {
	zero, err := net.ResolveUDPAddr("udp", "127.0.0.1:0")
	if err != nil {
		panic(err)
	}

	l, err := net.ListenUDP("udp", zero)
	if err != nil {
		panic(err)
	}

	addr := l.LocalAddr().(*net.UDPAddr) //nolint:forcetypeassert //.

	_ = l.Close()

	return addr
}
