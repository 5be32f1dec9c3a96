package swcache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResponseBodyIsReadOnce(t *testing.T) {
	resp := textResponse(200, "payload")
	assert.Equal(t, 7, resp.Size())

	b, err := resp.Body()
	require.NoError(t, err)
	assert.Equal(t, "payload", string(b))
	assert.True(t, resp.Used())

	_, err = resp.Body()
	assert.ErrorIs(t, err, ErrBodyUsed)
	_, err = resp.Clone()
	assert.ErrorIs(t, err, ErrBodyUsed)
}

func TestResponseCloneIsIndependent(t *testing.T) {
	resp := textResponse(201, "payload")
	resp.Outcome = "network"

	clone, err := resp.Clone()
	require.NoError(t, err)
	clone.Header.Set("Content-Type", "application/json")

	assert.Equal(t, "payload", readBody(t, clone))
	assert.False(t, resp.Used())
	assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
	assert.Equal(t, 201, clone.Status)
	assert.Equal(t, "network", clone.Outcome)
	assert.Equal(t, "payload", readBody(t, resp))
}

func TestNewRequest(t *testing.T) {
	req, err := NewRequest("", "HTTPS://App.Test:8443/a?b=1", DestDocument)
	require.NoError(t, err)
	assert.Equal(t, "GET", req.Method)
	assert.Equal(t, "https://app.test:8443", req.Origin())
	assert.NotNil(t, req.Header)

	_, err = NewRequest("GET", "http://[::1", DestOther)
	assert.Error(t, err)
}

func TestResponseOK(t *testing.T) {
	assert.True(t, textResponse(200, "").OK())
	assert.True(t, textResponse(204, "").OK())
	assert.False(t, textResponse(304, "").OK())
	assert.False(t, textResponse(503, "").OK())
}
