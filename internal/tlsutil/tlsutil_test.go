package tlsutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func generateSelfSignedCert(t *testing.T, cn string) (certPEM, keyPEM []byte) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})

	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM
}

func writeKeyPair(t *testing.T, dir, cn string) (certPath, keyPath string) {
	t.Helper()
	certPEM, keyPEM := generateSelfSignedCert(t, cn)
	certPath = filepath.Join(dir, "cert.pem")
	keyPath = filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certPath, certPEM, 0o600))
	require.NoError(t, os.WriteFile(keyPath, keyPEM, 0o600))
	return certPath, keyPath
}

func leafCN(t *testing.T, cert *tls.Certificate) string {
	t.Helper()
	require.NotNil(t, cert)
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	return leaf.Subject.CommonName
}

func TestLoadCAPool(t *testing.T) {
	dir := t.TempDir()

	t.Run("valid bundle", func(t *testing.T) {
		certPEM, _ := generateSelfSignedCert(t, "broker-ca")
		p := filepath.Join(dir, "ca.pem")
		require.NoError(t, os.WriteFile(p, certPEM, 0o600))

		pool, err := LoadCAPool(p)
		require.NoError(t, err)
		assert.NotNil(t, pool)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadCAPool(filepath.Join(dir, "missing.pem"))
		assert.Error(t, err)
	})

	t.Run("not PEM", func(t *testing.T) {
		p := filepath.Join(dir, "junk.pem")
		require.NoError(t, os.WriteFile(p, []byte("not a certificate"), 0o600))
		_, err := LoadCAPool(p)
		assert.Error(t, err)
	})
}

func TestCertificateLoader(t *testing.T) {
	t.Run("serves the loaded pair", func(t *testing.T) {
		certPath, keyPath := writeKeyPair(t, t.TempDir(), "zigbee-beacon")

		cl, err := NewCertificateLoader(certPath, keyPath, zerolog.Nop())
		require.NoError(t, err)
		defer cl.Close()

		cert, err := cl.GetCertificate(nil)
		require.NoError(t, err)
		assert.Equal(t, "zigbee-beacon", leafCN(t, cert))

		clientCert, err := cl.GetClientCertificate(nil)
		require.NoError(t, err)
		assert.Same(t, cert, clientCert)
	})

	t.Run("reloads after the files are rewritten", func(t *testing.T) {
		dir := t.TempDir()
		certPath, keyPath := writeKeyPair(t, dir, "before")

		cl, err := NewCertificateLoader(certPath, keyPath, zerolog.Nop())
		require.NoError(t, err)
		defer cl.Close()

		writeKeyPair(t, dir, "after")

		assert.Eventually(t, func() bool {
			leaf, err := x509.ParseCertificate(cl.Certificate().Certificate[0])
			return err == nil && leaf.Subject.CommonName == "after"
		}, 5*time.Second, 50*time.Millisecond)
	})

	t.Run("missing files", func(t *testing.T) {
		_, err := NewCertificateLoader("/nonexistent/cert.pem", "/nonexistent/key.pem", zerolog.Nop())
		assert.Error(t, err)
	})

	t.Run("close twice", func(t *testing.T) {
		certPath, keyPath := writeKeyPair(t, t.TempDir(), "close")
		cl, err := NewCertificateLoader(certPath, keyPath, zerolog.Nop())
		require.NoError(t, err)

		assert.NoError(t, cl.Close())
		assert.NoError(t, cl.Close())
	})
}

func TestNewClientTLSConfig(t *testing.T) {
	t.Run("server verification only", func(t *testing.T) {
		cfg, loader, err := NewClientTLSConfig(Config{Enabled: true, ServerName: "broker.lan"}, zerolog.Nop())
		require.NoError(t, err)
		assert.Nil(t, loader)
		assert.Equal(t, "broker.lan", cfg.ServerName)
		assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
		assert.Nil(t, cfg.GetClientCertificate)
	})

	t.Run("with CA and client certificate", func(t *testing.T) {
		dir := t.TempDir()
		certPath, keyPath := writeKeyPair(t, dir, "client")
		caPEM, _ := generateSelfSignedCert(t, "ca")
		caPath := filepath.Join(dir, "ca.pem")
		require.NoError(t, os.WriteFile(caPath, caPEM, 0o600))

		cfg, loader, err := NewClientTLSConfig(Config{Enabled: true, CA: caPath, Cert: certPath, Key: keyPath}, zerolog.Nop())
		require.NoError(t, err)
		require.NotNil(t, loader)
		defer loader.Close()

		assert.NotNil(t, cfg.RootCAs)
		require.NotNil(t, cfg.GetClientCertificate)
		cert, err := cfg.GetClientCertificate(nil)
		require.NoError(t, err)
		assert.Equal(t, "client", leafCN(t, cert))
	})

	t.Run("cert without key", func(t *testing.T) {
		_, _, err := NewClientTLSConfig(Config{Enabled: true, Cert: "/tmp/cert.pem"}, zerolog.Nop())
		assert.Error(t, err)
	})

	t.Run("unreadable CA", func(t *testing.T) {
		_, _, err := NewClientTLSConfig(Config{Enabled: true, CA: "/nonexistent/ca.pem"}, zerolog.Nop())
		assert.Error(t, err)
	})
}

func TestNewServerTLSConfig(t *testing.T) {
	certPath, keyPath := writeKeyPair(t, t.TempDir(), "beacon.lan")
	cl, err := NewCertificateLoader(certPath, keyPath, zerolog.Nop())
	require.NoError(t, err)
	defer cl.Close()

	cfg := NewServerTLSConfig(cl)
	require.NotNil(t, cfg.GetCertificate)
	cert, err := cfg.GetCertificate(nil)
	require.NoError(t, err)
	assert.Equal(t, "beacon.lan", leafCN(t, cert))
	assert.Equal(t, tls.NoClientCert, cfg.ClientAuth)
}
