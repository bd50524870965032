package client

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"emperror.dev/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgillich/bews-doubler/internal/logger"
)

func TestServiceArgs(t *testing.T) {
	out := &bytes.Buffer{}
	service := NewService(context.Background(), &ServiceConfig{
		Provider: &mutableProvider{settings: baseSettings()},
		Dialer:   &fakeDialer{autoRespond: true},
		Out:      out,
	}, logger.GetLogger("client_service_test"))

	require.NoError(t, service.Run([]string{"21", "abc"}))
	assert.Contains(t, out.String(), "ServerReady")
	assert.Contains(t, out.String(), "21 -> 42\n")
	assert.Contains(t, out.String(), "abc -> Invalid request\n")
}

func TestServiceInput(t *testing.T) {
	out := &bytes.Buffer{}
	service := NewService(context.Background(), &ServiceConfig{
		Provider: &mutableProvider{settings: baseSettings()},
		Dialer:   &fakeDialer{autoRespond: true},
		In:       strings.NewReader("3\n\nPING\n4\n"),
		Out:      out,
	}, logger.GetLogger("client_service_test"))

	require.NoError(t, service.Run(nil))
	assert.Contains(t, out.String(), "3 -> 6\n")
	assert.Contains(t, out.String(), ErrReservedPayload.Error())
	assert.Contains(t, out.String(), "4 -> 8\n")
}

func TestServiceConnectFailed(t *testing.T) {
	out := &bytes.Buffer{}
	service := NewService(context.Background(), &ServiceConfig{
		Provider: &mutableProvider{settings: baseSettings()},
		Dialer:   &fakeDialer{failAlways: true},
		Out:      out,
	}, logger.GetLogger("client_service_test"))

	err := service.Run([]string{"1"})
	assert.True(t, errors.Is(err, ErrConnectFailed))
	assert.Contains(t, out.String(), "ConnectionFailed")
}
