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

package listener

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tombee/fleetbroker/pkg/ids"
)

// issueCert mints a self-signed leaf certificate with the given subject,
// used as a stand-in for CA-issued peer certificates in tests.
func issueCert(t *testing.T, org, cn string) tls.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
	}
	if org != "" {
		tmpl.Subject.Organization = []string{org}
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
		Leaf:        cert,
	}
}

func TestIdentify_ExtractsOrgAndAgent(t *testing.T) {
	serverCert := issueCert(t, "", "broker")
	clientCert := issueCert(t, "acme-corp", "edge-1")

	clientPool := x509.NewCertPool()
	clientPool.AddCert(clientCert.Leaf)
	serverPool := x509.NewCertPool()
	serverPool.AddCert(serverCert.Leaf)

	serverTLSCfg := &tls.Config{
		Certificates: []tls.Certificate{serverCert},
		ClientCAs:    clientPool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
	}
	clientTLSCfg := &tls.Config{
		Certificates: []tls.Certificate{clientCert},
		RootCAs:      serverPool,
		ServerName:   "broker",
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	serverConnCh := make(chan *tls.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		require.NoError(t, err)
		tc, _, identErr := Handshake(conn, serverTLSCfg, PeerAgent)
		require.NoError(t, identErr)
		serverConnCh <- tc
	}()

	clientConn, err := tls.Dial("tcp", ln.Addr().String(), clientTLSCfg)
	require.NoError(t, err)
	defer clientConn.Close()

	serverConn := <-serverConnCh
	defer serverConn.Close()

	identity, err := Identify(serverConn, PeerAgent)
	require.NoError(t, err)
	require.Equal(t, ids.OrgId("acme-corp"), identity.Org)
	require.Equal(t, ids.AgentId("edge-1"), identity.Agent)
}

func TestIdentify_MissingOrganizationFails(t *testing.T) {
	serverCert := issueCert(t, "", "broker")
	clientCert := issueCert(t, "", "edge-1") // no organization

	clientPool := x509.NewCertPool()
	clientPool.AddCert(clientCert.Leaf)
	serverPool := x509.NewCertPool()
	serverPool.AddCert(serverCert.Leaf)

	serverTLSCfg := &tls.Config{
		Certificates: []tls.Certificate{serverCert},
		ClientCAs:    clientPool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
	}
	clientTLSCfg := &tls.Config{
		Certificates: []tls.Certificate{clientCert},
		RootCAs:      serverPool,
		ServerName:   "broker",
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	errCh := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		require.NoError(t, err)
		_, _, identErr := Handshake(conn, serverTLSCfg, PeerAgent)
		errCh <- identErr
	}()

	clientConn, err := tls.Dial("tcp", ln.Addr().String(), clientTLSCfg)
	require.NoError(t, err)
	defer clientConn.Close()

	require.Error(t, <-errCh)
}
