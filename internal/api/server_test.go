package api

import (
	"context"
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
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glean-browser/eventsink/internal/api/middleware"
)

func freePort(t *testing.T) int {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	port := listener.Addr().(*net.TCPAddr).Port
	require.NoError(t, listener.Close())

	return port
}

// writeSelfSignedCert writes a certificate for 127.0.0.1 and its key to dir.
func writeSelfSignedCert(t *testing.T, dir string) (string, string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "eventsink-test"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)

	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")

	require.NoError(t, os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))

	return certFile, keyFile
}

// runServer starts s.Run in the background and returns a stop function that cancels it
// and returns Run's result.
func runServer(t *testing.T, s *Server) func() error {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- s.Run(ctx) }()

	return func() error {
		cancel()

		select {
		case err := <-done:
			return err
		case <-time.After(10 * time.Second):
			t.Fatal("server did not stop")

			return nil
		}
	}
}

func waitForHealthy(t *testing.T, client *http.Client, url string) {
	t.Helper()

	require.Eventually(t, func() bool {
		resp, err := client.Get(url)
		if err != nil {
			return false
		}

		_ = resp.Body.Close()

		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)
}

func TestServer_RunPlainHTTPAndShutdown(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	cfg := testConfig()
	cfg.Port = freePort(t)
	cfg.TLSMode = TLSAuto
	cfg.CertFile = filepath.Join(t.TempDir(), "absent.pem")
	cfg.KeyFile = filepath.Join(t.TempDir(), "absent.key")

	store := &fakeStore{}
	publisher := &fakePublisher{}
	limiter := middleware.NewInMemoryRateLimiter(&middleware.Config{GlobalRPS: 100, ClientRPS: 100})

	server := NewServer(cfg, discardLogger(), store, WithPublisher(publisher), WithRateLimiter(limiter, false))
	stop := runServer(t, server)

	base := fmt.Sprintf("http://%s", cfg.Address())
	waitForHealthy(t, http.DefaultClient, base+"/api/health")

	resp, err := http.Post(base+"/api/events", "application/json", strings.NewReader(`{"event_type":"page_visit"}`))
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, stop())

	assert.True(t, store.closed, "store closed on shutdown")
	assert.True(t, publisher.closed, "publisher closed on shutdown")
	assert.Len(t, store.inserted(), 1)
}

func TestServer_RunTLSWhenCertificatesPresent(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	cfg := testConfig()
	cfg.Port = freePort(t)
	cfg.TLSMode = TLSAuto
	cfg.CertFile, cfg.KeyFile = writeSelfSignedCert(t, t.TempDir())

	stop := runServer(t, NewServer(cfg, discardLogger(), &fakeStore{}))

	client := &http.Client{Transport: &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // self-signed test certificate
	}}

	waitForHealthy(t, client, fmt.Sprintf("https://%s/api/health", cfg.Address()))

	require.NoError(t, stop())
}

func TestServer_RunFailsWhenTLSRequiredButMissing(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	cfg := testConfig()
	cfg.Port = freePort(t)
	cfg.TLSMode = TLSOn
	cfg.CertFile = filepath.Join(t.TempDir(), "absent.pem")

	err := NewServer(cfg, discardLogger(), &fakeStore{}).Run(context.Background())
	require.ErrorIs(t, err, ErrTLSFilesMissing)
}

func TestServer_RunRejectsInvalidConfig(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	cfg := testConfig()
	cfg.Port = 0

	err := NewServer(cfg, discardLogger(), &fakeStore{}).Run(context.Background())
	require.ErrorIs(t, err, ErrInvalidPort)
}

func TestServer_RunReportsListenFailure(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	defer func() { _ = listener.Close() }()

	cfg := testConfig()
	cfg.Port = listener.Addr().(*net.TCPAddr).Port

	store := &fakeStore{}

	err = NewServer(cfg, discardLogger(), store).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server failed to start")
	assert.True(t, store.closed)
}
