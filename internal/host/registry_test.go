package host

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixcheruiyot/zato/internal/wsx"
)

// newTestRegistry builds a registry without a database behind it. Only
// services registered by the test are expected to run.
func newTestRegistry() *Registry {
	return NewRegistry(nil)
}

func TestRegistryDispatch(t *testing.T) {
	registry := newTestRegistry()

	registry.Register("demo.echo", func(_ context.Context, req *wsx.ChannelRequest) (any, error) {
		return req.Payload, nil
	})

	response, err := registry.OnMessage(context.Background(), &wsx.ChannelRequest{
		CID:     "cid-1",
		Service: "demo.echo",
		Payload: map[string]any{"x": 1},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"x": 1}, response)
}

func TestRegistryUnknownService(t *testing.T) {
	registry := newTestRegistry()

	_, err := registry.OnMessage(context.Background(), &wsx.ChannelRequest{
		CID:     "cid-1",
		Service: "no.such.service",
	})
	require.Error(t, err)

	var notFound *wsx.ServiceNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "no.such.service", notFound.Service)
}

func TestRegistryRegisterReplaces(t *testing.T) {
	registry := newTestRegistry()

	registry.Register("svc", func(context.Context, *wsx.ChannelRequest) (any, error) {
		return "first", nil
	})
	registry.Register("svc", func(context.Context, *wsx.ChannelRequest) (any, error) {
		return "second", nil
	})

	response, err := registry.OnMessage(context.Background(), &wsx.ChannelRequest{Service: "svc"})
	require.NoError(t, err)
	assert.Equal(t, "second", response)
}

func TestRegistryLifecycleServicesRegistered(t *testing.T) {
	registry := newTestRegistry()

	expected := []string{
		"zato.channel.web-socket.client.create",
		"zato.channel.web-socket.client.delete-by-pub-id",
		"zato.channel.web-socket.client.set-last-seen",
		"zato.pubsub.subscription.update-interaction-metadata",
		"zato.pubsub.subscription.create-wsx-subscription-for-current",
	}

	registry.mu.RLock()
	defer registry.mu.RUnlock()
	for _, name := range expected {
		_, ok := registry.services[name]
		assert.True(t, ok, "lifecycle service %s must be registered", name)
	}
}

func TestLifecycleServiceRejectsBadPayload(t *testing.T) {
	registry := newTestRegistry()

	tests := []string{
		"zato.channel.web-socket.client.create",
		"zato.channel.web-socket.client.delete-by-pub-id",
		"zato.channel.web-socket.client.set-last-seen",
		"zato.pubsub.subscription.update-interaction-metadata",
		"zato.pubsub.subscription.create-wsx-subscription-for-current",
	}

	for _, service := range tests {
		t.Run(service, func(t *testing.T) {
			_, err := registry.OnMessage(context.Background(), &wsx.ChannelRequest{
				Service: service,
				Payload: "not-a-map",
			})
			require.Error(t, err)

			var parsing *wsx.ParsingError
			assert.ErrorAs(t, err, &parsing)
		})
	}
}

func TestCreateWSXSubscriptionRequiresTopicName(t *testing.T) {
	registry := newTestRegistry()

	_, err := registry.OnMessage(context.Background(), &wsx.ChannelRequest{
		Service: "zato.pubsub.subscription.create-wsx-subscription-for-current",
		Payload: map[string]any{},
	})
	require.Error(t, err)

	var parsing *wsx.ParsingError
	assert.ErrorAs(t, err, &parsing)
}

func TestPayloadHelpers(t *testing.T) {
	payload := map[string]any{
		"s": "text",
		"b": true,
	}

	assert.Equal(t, "text", stringField(payload, "s"))
	assert.Empty(t, stringField(payload, "missing"))
	assert.True(t, boolField(payload, "b"))
	assert.False(t, boolField(payload, "missing"))
	assert.True(t, timeField(payload, "missing").IsZero())
}
