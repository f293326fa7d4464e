package usecase

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/bzcogs/aiuser-telegram-bot/config"
	"github.com/bzcogs/aiuser-telegram-bot/internal/model"
	"github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"
)

var (
	// ErrEndpointUnavailable is a soft failure: the endpoint is unknown or has
	// no credentials. Callers skip the endpoint instead of surfacing an error
	// to the user.
	ErrEndpointUnavailable = errors.New("endpoint unavailable")
)

const openRouterBaseURL = "https://openrouter.ai/api/v1"

type EndpointStorage interface {
	GetModelConfigs(ctx context.Context, chatID int64) (model.ModelConfigList, error)
}

type EndpointUsecaseDeps struct {
	Storage EndpointStorage
}

// EndpointUsecase resolves endpoint names to cached API clients. Clients are
// created lazily on first use and reused for the process lifetime.
type EndpointUsecase struct {
	EndpointUsecaseDeps
	cfg config.Endpoints

	mu      sync.Mutex
	clients map[string]*openai.Client
}

func NewEndpointUsecase(cfg config.Endpoints, deps EndpointUsecaseDeps) *EndpointUsecase {
	return &EndpointUsecase{
		EndpointUsecaseDeps: deps,
		cfg:                 cfg,
		clients:             make(map[string]*openai.Client),
	}
}

func (e *EndpointUsecase) GetClient(endpoint string) (*openai.Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if client, ok := e.clients[endpoint]; ok {
		return client, nil
	}
	client, err := e.createClient(endpoint)
	if err != nil {
		return nil, err
	}
	e.clients[endpoint] = client
	return client, nil
}

func (e *EndpointUsecase) createClient(endpoint string) (*openai.Client, error) {
	var clientConfig openai.ClientConfig
	switch endpoint {
	case model.EndpointOpenAI:
		if e.cfg.OpenAIAPIKey == "" {
			logrus.Warn("OpenAI API key not found")
			return nil, fmt.Errorf("%s: %w", endpoint, ErrEndpointUnavailable)
		}
		clientConfig = openai.DefaultConfig(e.cfg.OpenAIAPIKey)
		clientConfig.BaseURL = e.cfg.OpenAIBaseURL
	case model.EndpointOpenRouter:
		if e.cfg.OpenRouterAPIKey == "" {
			logrus.Warn("OpenRouter API key not found")
			return nil, fmt.Errorf("%s: %w", endpoint, ErrEndpointUnavailable)
		}
		clientConfig = openai.DefaultConfig(e.cfg.OpenRouterAPIKey)
		clientConfig.BaseURL = openRouterBaseURL
	default:
		logrus.WithField("endpoint", endpoint).Warn("unknown endpoint")
		return nil, fmt.Errorf("%s: %w", endpoint, ErrEndpointUnavailable)
	}
	clientConfig.HTTPClient = &http.Client{Timeout: e.cfg.RequestTimeout}
	return openai.NewClientWithConfig(clientConfig), nil
}

// GetAvailableModels filters the chat's configured models down to those whose
// endpoint currently yields a working client.
func (e *EndpointUsecase) GetAvailableModels(ctx context.Context, chatID int64) (model.ModelConfigList, error) {
	configs, err := e.Storage.GetModelConfigs(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to get model configs: %w", err)
	}
	available := make(model.ModelConfigList, 0, len(configs))
	for _, cfg := range configs {
		if _, err = e.GetClient(cfg.Endpoint); err != nil {
			continue
		}
		available = append(available, cfg)
	}
	return available, nil
}

func (e *EndpointUsecase) GetDefaultModel(ctx context.Context, chatID int64) (model.ModelConfig, bool, error) {
	configs, err := e.Storage.GetModelConfigs(ctx, chatID)
	if err != nil {
		return model.ModelConfig{}, false, fmt.Errorf("failed to get model configs: %w", err)
	}
	defaultConfig, ok := configs.Default()
	if !ok {
		return model.ModelConfig{}, false, nil
	}
	if _, err = e.GetClient(defaultConfig.Endpoint); err != nil {
		return model.ModelConfig{}, false, nil
	}
	return defaultConfig, true, nil
}

// CloseAll releases every cached client. go-openai clients hold no OS
// resources, dropping the cache is the whole release.
func (e *EndpointUsecase) CloseAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clients = make(map[string]*openai.Client)
}
