// Copyright 2025 Tom Barlow
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

// Package listener terminates mutually-authenticated TLS connections for
// the broker (spec.md §4.3, §6) and extracts peer identity from the client
// certificate: subject organization maps to OrgId, common name maps to
// AgentId for agent peers. Generalized from the teacher's plain TCP/TLS
// listener selection (internal/controller/listener) to require and verify
// client certificates against a private CA, since every peer class here
// authenticates the same way.
package listener

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"

	"github.com/tombee/fleetbroker/pkg/errors"
	"github.com/tombee/fleetbroker/pkg/ids"
)

// PeerClass tags which of the three peer classes authenticated on a
// connection. The listener itself does not decide this — it's supplied by
// the caller per listening socket (one socket per class is the simplest
// wiring, matching spec.md's "Broker Listener ... dispatches to a
// handler").
type PeerClass string

const (
	PeerBackend       PeerClass = "backend"
	PeerAgent         PeerClass = "agent"
	PeerMetricsEngine PeerClass = "metrics_engine"
)

// PeerIdentity is what the listener extracts from a verified client
// certificate.
type PeerIdentity struct {
	Org     ids.OrgId
	Agent   ids.AgentId // populated only when Class == PeerAgent
	Class   PeerClass
}

// Config configures one mTLS listener endpoint.
type Config struct {
	Addr     string
	CAFile   string
	CertFile string
	KeyFile  string
	Class    PeerClass
}

// ServerTLSConfig loads the CA bundle and server certificate described by
// cfg into a *tls.Config requiring and verifying client certificates
// (spec.md §6 "Transport"). Shared by Listen (direct listeners) and the
// agent-listener path's explicit per-connection handshake, so an
// SSH-tunneled byte stream authenticates identically to a directly dialed
// one.
func ServerTLSConfig(cfg Config) (*tls.Config, error) {
	caPEM, err := os.ReadFile(cfg.CAFile)
	if err != nil {
		return nil, fmt.Errorf("broker listener: read CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("broker listener: no certificates parsed from %s", cfg.CAFile)
	}

	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("broker listener: load server certificate: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// Listen loads the CA bundle and server certificate described by cfg and
// returns a net.Listener that performs mutual TLS 1.2+ authentication on
// every accepted connection (spec.md §6 "Transport").
func Listen(cfg Config) (net.Listener, error) {
	tlsCfg, err := ServerTLSConfig(cfg)
	if err != nil {
		return nil, err
	}

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("broker listener: listen on %s: %w", cfg.Addr, err)
	}
	return tls.NewListener(ln, tlsCfg), nil
}

// Identify extracts the peer identity from an already-handshaken *tls.Conn.
// It fails with a non-retryable authentication error if the certificate's
// organization is absent, or (for agent-class listeners) if the common
// name is absent — spec.md §4.3 "Authentication failure if either
// attribute is absent or unparseable".
func Identify(conn *tls.Conn, class PeerClass) (PeerIdentity, error) {
	state := conn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return PeerIdentity{}, errors.NewAuthenticationFailed("no peer certificate presented")
	}
	cert := state.PeerCertificates[0]

	if len(cert.Subject.Organization) == 0 || cert.Subject.Organization[0] == "" {
		return PeerIdentity{}, errors.NewAuthenticationFailed("peer certificate missing organization attribute")
	}
	org := ids.OrgId(cert.Subject.Organization[0])

	identity := PeerIdentity{Org: org, Class: class}

	if class == PeerAgent {
		if cert.Subject.CommonName == "" {
			return PeerIdentity{}, errors.NewAuthenticationFailed("agent certificate missing common name attribute")
		}
		identity.Agent = ids.AgentId(cert.Subject.CommonName)
	}

	return identity, nil
}

// Handshake performs (or confirms) the TLS handshake on conn so peer
// certificates are available, then identifies the peer. Accepting raw
// net.Conn (rather than requiring *tls.Conn already wrapped) lets SSH
// tunneled byte streams (spec.md §4.5) be fed through the identical path
// once locally TLS-wrapped by the caller.
func Handshake(conn net.Conn, tlsCfg *tls.Config, class PeerClass) (*tls.Conn, PeerIdentity, error) {
	tc := tls.Server(conn, tlsCfg)
	if err := tc.Handshake(); err != nil {
		return nil, PeerIdentity{}, fmt.Errorf("broker listener: TLS handshake: %w", err)
	}
	identity, err := Identify(tc, class)
	if err != nil {
		return nil, PeerIdentity{}, err
	}
	return tc, identity, nil
}
