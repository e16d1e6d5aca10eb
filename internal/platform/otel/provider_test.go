package otel_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ankader/backoffice/internal/platform/otel"
)

func TestSetupNoopWhenDisabled(t *testing.T) {
	for name, opts := range map[string]otel.Options{
		"no endpoint": {Enabled: true},
		"disabled":    {Endpoint: "http://localhost:4318", Enabled: false},
	} {
		t.Run(name, func(t *testing.T) {
			shutdown, err := otel.Setup(context.Background(), "backoffice-test", opts)
			require.NoError(t, err)

			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			require.NoError(t, shutdown(ctx))
		})
	}
}

func TestSetupCreatesProvider(t *testing.T) {
	// Non-routable address; nothing is exported before shutdown.
	shutdown, err := otel.Setup(context.Background(), "backoffice-test", otel.Options{
		Endpoint: "http://192.0.2.1:4318",
		Enabled:  true,
	})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}
