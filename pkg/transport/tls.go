// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package transport

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/united-manufacturing-hub/shadow-agent/pkg/backoff"
	"github.com/united-manufacturing-hub/shadow-agent/pkg/config"
)

// NewTLSConfig builds the mutual TLS configuration for the broker connection.
// Errors are permanent: retrying a broken certificate never helps.
func NewTLSConfig(cfg config.TLSConfig) (*tls.Config, error) {
	var certpool *x509.CertPool
	if cfg.CAFile != "" {
		pemCerts, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, backoff.NewPermanentError(fmt.Errorf("failed to read CA certificate %s: %w", cfg.CAFile, err))
		}
		certpool = x509.NewCertPool()
		if !certpool.AppendCertsFromPEM(pemCerts) {
			return nil, backoff.NewPermanentError(fmt.Errorf("failed to parse CA certificate %s", cfg.CAFile))
		}
	}

	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, backoff.NewPermanentError(fmt.Errorf("failed to load client certificate %s: %w", cfg.CertFile, err))
	}

	/* #nosec G402 -- skipping verification is an explicit opt-in */
	return &tls.Config{
		// nil RootCAs falls back to the system pool
		RootCAs:            certpool,
		Certificates:       []tls.Certificate{cert},
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}, nil
}
