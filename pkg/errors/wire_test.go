package errors_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	conductorerrors "github.com/tombee/fleetbroker/pkg/errors"
)

func TestWireErrorConstructors(t *testing.T) {
	auth := conductorerrors.NewAuthenticationFailed("missing organization attribute")
	assert.Equal(t, conductorerrors.CodeAuthenticationFailed, auth.Code)
	assert.False(t, auth.Retry)

	full := conductorerrors.NewQueueFull("agent queue full")
	assert.True(t, full.Retry)
	assert.Equal(t, conductorerrors.CodeQueueFull, full.Code)

	notConn := conductorerrors.NewNotConnected("agent not connected")
	assert.True(t, notConn.Retry)
	assert.Contains(t, notConn.Error(), "agent not connected")
}
