package api

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/carbonetes/mltaskd/internal/core"
)

// ConfigureTLS builds the server TLS config with optional mTLS
func ConfigureTLS(config core.TLSConfig) (*tls.Config, error) {
	if config.Cert == "" || config.Key == "" {
		return nil, fmt.Errorf("server cert and key required for TLS")
	}

	cert, err := tls.LoadX509KeyPair(config.Cert, config.Key)
	if err != nil {
		return nil, fmt.Errorf("load server certificate: %w", err)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if config.ClientCA != "" {
		caCert, err := os.ReadFile(config.ClientCA)
		if err != nil {
			return nil, fmt.Errorf("read client CA certificate: %w", err)
		}

		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse client CA certificate")
		}

		tlsConfig.ClientCAs = caCertPool
		tlsConfig.ClientAuth = tls.VerifyClientCertIfGiven
		if config.RequireMTLS {
			tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
		}

		log.Info().
			Str("ca_cert", config.ClientCA).
			Bool("required", config.RequireMTLS).
			Msg("mTLS client authentication enabled")
	}

	return tlsConfig, nil
}

// MTLSMiddleware rejects requests without a verified client certificate when
// requireAuth is set and records the client subject otherwise.
func MTLSMiddleware(requireAuth bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var peers []*x509.Certificate
			if r.TLS != nil {
				peers = r.TLS.PeerCertificates
			}
			if requireAuth && len(peers) == 0 {
				http.Error(w, "client certificate required", http.StatusUnauthorized)
				return
			}

			if len(peers) > 0 {
				clientCert := peers[0]
				r.Header.Set("X-Client-Subject", clientCert.Subject.String())
				r.Header.Set("X-Client-Serial", clientCert.SerialNumber.String())

				log.Debug().
					Str("subject", clientCert.Subject.String()).
					Str("serial", clientCert.SerialNumber.String()).
					Msg("mTLS client authenticated")
			}

			next.ServeHTTP(w, r)
		})
	}
}
