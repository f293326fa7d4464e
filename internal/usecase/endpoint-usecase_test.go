package usecase

import (
	"context"
	"testing"

	"github.com/bzcogs/aiuser-telegram-bot/config"
	"github.com/bzcogs/aiuser-telegram-bot/internal/model"
	in_memory "github.com/bzcogs/aiuser-telegram-bot/internal/storage/in-memory"
	"github.com/stretchr/testify/require"
)

func newEndpointFixture(t *testing.T, cfg config.Endpoints, configs model.ModelConfigList) *EndpointUsecase {
	t.Helper()
	storage := in_memory.NewChatConfigStorage()
	require.NoError(t, storage.SetModelConfigs(context.Background(), 1, configs))
	return NewEndpointUsecase(cfg, EndpointUsecaseDeps{Storage: storage})
}

func TestEndpoint_UnknownEndpointUnavailable(t *testing.T) {
	e := newEndpointFixture(t, config.Endpoints{OpenAIAPIKey: "sk-test"}, nil)
	_, err := e.GetClient("anthropic")
	require.ErrorIs(t, err, ErrEndpointUnavailable)
}

func TestEndpoint_MissingCredentialsUnavailable(t *testing.T) {
	e := newEndpointFixture(t, config.Endpoints{OpenAIAPIKey: "sk-test"}, nil)

	_, err := e.GetClient(model.EndpointOpenRouter)
	require.ErrorIs(t, err, ErrEndpointUnavailable)

	_, err = e.GetClient(model.EndpointOpenAI)
	require.NoError(t, err)
}

func TestEndpoint_ClientCached(t *testing.T) {
	e := newEndpointFixture(t, config.Endpoints{OpenAIAPIKey: "sk-test"}, nil)

	first, err := e.GetClient(model.EndpointOpenAI)
	require.NoError(t, err)
	second, err := e.GetClient(model.EndpointOpenAI)
	require.NoError(t, err)
	require.Same(t, first, second)

	e.CloseAll()
	third, err := e.GetClient(model.EndpointOpenAI)
	require.NoError(t, err)
	require.NotSame(t, first, third)
}

func TestEndpoint_AvailableModelsFilteredByCredentials(t *testing.T) {
	configs := model.ModelConfigList{
		{Name: "fast", Model: "gpt-4.1-mini", Endpoint: model.EndpointOpenAI},
		{Name: "free", Model: "llama-3-8b", Endpoint: model.EndpointOpenRouter},
	}
	e := newEndpointFixture(t, config.Endpoints{OpenAIAPIKey: "sk-test"}, configs)

	available, err := e.GetAvailableModels(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, available, 1)
	require.Equal(t, "fast", available[0].Name)
}

func TestEndpoint_DefaultModel(t *testing.T) {
	configs := model.ModelConfigList{
		{Name: "fast", Model: "gpt-4.1-mini", Endpoint: model.EndpointOpenAI},
		{Name: "smart", Model: "gpt-4.1", Endpoint: model.EndpointOpenAI, Default: true},
	}
	e := newEndpointFixture(t, config.Endpoints{OpenAIAPIKey: "sk-test"}, configs)

	defaultConfig, ok, err := e.GetDefaultModel(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "smart", defaultConfig.Name)
}

func TestEndpoint_DefaultModelUnreachableEndpoint(t *testing.T) {
	configs := model.ModelConfigList{
		{Name: "free", Model: "llama-3-8b", Endpoint: model.EndpointOpenRouter, Default: true},
	}
	e := newEndpointFixture(t, config.Endpoints{OpenAIAPIKey: "sk-test"}, configs)

	_, ok, err := e.GetDefaultModel(context.Background(), 1)
	require.NoError(t, err)
	require.False(t, ok)
}
