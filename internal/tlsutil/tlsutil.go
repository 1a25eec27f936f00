// Package tlsutil builds TLS configurations for the bus clients and the
// HTTP listener, reloading certificates when they change on disk.
package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Config describes the TLS settings of one bus connection.
type Config struct {
	Enabled            bool   `yaml:"enabled"`
	CA                 string `yaml:"ca"`
	Cert               string `yaml:"cert"`
	Key                string `yaml:"key"`
	ServerName         string `yaml:"server_name"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// CertificateLoader keeps a key pair in memory and reloads it when either
// file is written or replaced.
type CertificateLoader struct {
	certPath string
	keyPath  string
	log      zerolog.Logger

	mu   sync.RWMutex
	cert *tls.Certificate

	watcher   *fsnotify.Watcher
	done      chan struct{}
	closeOnce sync.Once
}

// NewCertificateLoader loads the key pair and starts watching both files.
func NewCertificateLoader(certPath, keyPath string, log zerolog.Logger) (*CertificateLoader, error) {
	cl := &CertificateLoader{
		certPath: certPath,
		keyPath:  keyPath,
		log:      log,
		done:     make(chan struct{}),
	}

	if err := cl.load(); err != nil {
		return nil, fmt.Errorf("initial certificate load: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	for _, p := range []string{certPath, keyPath} {
		if err := watcher.Add(p); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("watch %s: %w", p, err)
		}
	}
	cl.watcher = watcher

	go cl.watchLoop()
	return cl, nil
}

func (cl *CertificateLoader) load() error {
	cert, err := tls.LoadX509KeyPair(cl.certPath, cl.keyPath)
	if err != nil {
		return err
	}
	cl.mu.Lock()
	cl.cert = &cert
	cl.mu.Unlock()
	return nil
}

func (cl *CertificateLoader) watchLoop() {
	for {
		select {
		case event, ok := <-cl.watcher.Events:
			if !ok {
				return
			}
			switch {
			case event.Has(fsnotify.Write) || event.Has(fsnotify.Create):
				cl.reload(event.Name)
			case event.Has(fsnotify.Rename) || event.Has(fsnotify.Remove):
				// Atomic rotation replaces the file; the watch must be re-added.
				cl.watcher.Remove(event.Name)
				time.Sleep(100 * time.Millisecond)
				if err := cl.watcher.Add(event.Name); err != nil {
					cl.log.Warn().Err(err).Str("file", event.Name).Msg("failed to re-watch certificate file")
				}
				cl.reload(event.Name)
			}
		case err, ok := <-cl.watcher.Errors:
			if !ok {
				return
			}
			cl.log.Error().Err(err).Msg("certificate watcher error")
		case <-cl.done:
			return
		}
	}
}

func (cl *CertificateLoader) reload(file string) {
	if err := cl.load(); err != nil {
		cl.log.Warn().Err(err).Str("file", file).Msg("failed to reload certificate, keeping previous one")
		return
	}
	cl.log.Info().Str("file", file).Msg("certificate reloaded")
}

// Certificate returns the current key pair.
func (cl *CertificateLoader) Certificate() *tls.Certificate {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return cl.cert
}

// GetCertificate is a tls.Config.GetCertificate callback.
func (cl *CertificateLoader) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return cl.Certificate(), nil
}

// GetClientCertificate is a tls.Config.GetClientCertificate callback.
func (cl *CertificateLoader) GetClientCertificate(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
	return cl.Certificate(), nil
}

// Close stops the file watcher. It is safe to call more than once.
func (cl *CertificateLoader) Close() error {
	var err error
	cl.closeOnce.Do(func() {
		close(cl.done)
		err = cl.watcher.Close()
	})
	return err
}

// LoadCAPool reads a PEM bundle into a CertPool.
func LoadCAPool(caPath string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(caPath)
	if err != nil {
		return nil, fmt.Errorf("read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", caPath)
	}
	return pool, nil
}

// NewClientTLSConfig builds the client side configuration for a bus
// connection. The returned loader is nil unless a client certificate was
// configured; the caller closes it on shutdown.
func NewClientTLSConfig(cfg Config, log zerolog.Logger) (*tls.Config, *CertificateLoader, error) {
	tlsCfg := &tls.Config{
		ServerName:         cfg.ServerName,
		InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // opt-in for self-signed brokers
		MinVersion:         tls.VersionTLS12,
	}

	if cfg.CA != "" {
		pool, err := LoadCAPool(cfg.CA)
		if err != nil {
			return nil, nil, err
		}
		tlsCfg.RootCAs = pool
	}

	if cfg.Cert == "" && cfg.Key == "" {
		return tlsCfg, nil, nil
	}
	if cfg.Cert == "" || cfg.Key == "" {
		return nil, nil, fmt.Errorf("client certificate needs both cert and key")
	}
	loader, err := NewCertificateLoader(cfg.Cert, cfg.Key, log)
	if err != nil {
		return nil, nil, err
	}
	tlsCfg.GetClientCertificate = loader.GetClientCertificate
	return tlsCfg, loader, nil
}

// NewServerTLSConfig builds the configuration of the HTTPS listener.
func NewServerTLSConfig(loader *CertificateLoader) *tls.Config {
	return &tls.Config{
		GetCertificate: loader.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}
}
