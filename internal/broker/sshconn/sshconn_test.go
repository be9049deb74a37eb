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

package sshconn

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func genHostKey(t *testing.T) ssh.PublicKey {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	return sshPub
}

func TestHostKeyCallback_MismatchIsNonRetryable(t *testing.T) {
	pinned := genHostKey(t)
	presented := genHostKey(t)

	c := New(Config{KnownHosts: map[string]string{"bastion:22": ssh.FingerprintSHA256(pinned)}}, nil, nil)
	cb := c.hostKeyCallback()

	err := cb("bastion:22", nil, presented)
	require.Error(t, err)
	assert.False(t, mustClassifyRetryable(err))
}

func TestHostKeyCallback_UnknownHostIsNonRetryable(t *testing.T) {
	c := New(Config{KnownHosts: map[string]string{}}, nil, nil)
	cb := c.hostKeyCallback()

	err := cb("unknown:22", nil, genHostKey(t))
	require.Error(t, err)
	assert.False(t, mustClassifyRetryable(err))
}

func TestHostKeyCallback_MatchSucceeds(t *testing.T) {
	key := genHostKey(t)
	c := New(Config{KnownHosts: map[string]string{"bastion:22": ssh.FingerprintSHA256(key)}}, nil, nil)
	cb := c.hostKeyCallback()

	err := cb("bastion:22", nil, key)
	assert.NoError(t, err)
}

func mustClassifyRetryable(err error) bool {
	retryable, _ := classify(err)
	return retryable
}
