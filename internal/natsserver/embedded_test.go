package natsserver_test

import (
	"testing"

	"github.com/book-expert/aitalk-service/internal/natsserver"
	"github.com/book-expert/logger"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStart_AcceptsJetStreamClients(t *testing.T) {
	t.Parallel()

	log, err := logger.New(t.TempDir(), "natsserver-test.log")
	require.NoError(t, err)

	defer func() {
		_ = log.Close()
	}()

	srv, err := natsserver.Start(natsserver.Options{Port: -1, StoreDir: t.TempDir()}, log)
	require.NoError(t, err)

	defer srv.Shutdown()

	conn, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)

	defer conn.Close()

	js, err := conn.JetStream()
	require.NoError(t, err)

	info, err := js.AccountInfo()
	require.NoError(t, err)
	assert.NotNil(t, info)
}

func TestShutdown_NilSafe(t *testing.T) {
	t.Parallel()

	var srv *natsserver.EmbeddedServer

	assert.NotPanics(t, srv.Shutdown)
}
