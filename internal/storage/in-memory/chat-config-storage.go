package in_memory

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/bzcogs/aiuser-telegram-bot/internal/model"
)

// ChatConfigStorage is the in-memory twin of the Redis storage, used in tests
// and for running without a Redis instance.
type ChatConfigStorage struct {
	mu           sync.RWMutex
	removeLists  map[int64][]string
	modelConfigs map[int64]model.ModelConfigList
	randomModel  map[int64]bool
	ratings      map[int64]map[string]json.RawMessage
	logitBias    map[int64]map[string]int
	parameters   map[int64]json.RawMessage
}

func NewChatConfigStorage() *ChatConfigStorage {
	return &ChatConfigStorage{
		removeLists:  make(map[int64][]string),
		modelConfigs: make(map[int64]model.ModelConfigList),
		randomModel:  make(map[int64]bool),
		ratings:      make(map[int64]map[string]json.RawMessage),
		logitBias:    make(map[int64]map[string]int),
		parameters:   make(map[int64]json.RawMessage),
	}
}

// GetRemoveListRegexes returns nil for a chat that never stored a list, the
// callers' signal to fall back to the default patterns.
func (s *ChatConfigStorage) GetRemoveListRegexes(_ context.Context, chatID int64) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored, ok := s.removeLists[chatID]
	if !ok {
		return nil, nil
	}
	patterns := make([]string, len(stored))
	copy(patterns, stored)
	return patterns, nil
}

func (s *ChatConfigStorage) SetRemoveListRegexes(_ context.Context, chatID int64, patterns []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := make([]string, len(patterns))
	copy(stored, patterns)
	s.removeLists[chatID] = stored
	return nil
}

func (s *ChatConfigStorage) GetModelConfigs(_ context.Context, chatID int64) (model.ModelConfigList, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	configs := make(model.ModelConfigList, len(s.modelConfigs[chatID]))
	copy(configs, s.modelConfigs[chatID])
	return configs, nil
}

func (s *ChatConfigStorage) SetModelConfigs(_ context.Context, chatID int64, configs model.ModelConfigList) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := make(model.ModelConfigList, len(configs))
	copy(stored, configs)
	s.modelConfigs[chatID] = stored
	return nil
}

func (s *ChatConfigStorage) GetRandomModelEnabled(_ context.Context, chatID int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.randomModel[chatID], nil
}

func (s *ChatConfigStorage) SetRandomModelEnabled(_ context.Context, chatID int64, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.randomModel[chatID] = enabled
	return nil
}

// GetLogitBias returns nil for a chat that never stored weights.
func (s *ChatConfigStorage) GetLogitBias(_ context.Context, chatID int64) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored, ok := s.logitBias[chatID]
	if !ok {
		return nil, nil
	}
	bias := make(map[string]int, len(stored))
	for token, weight := range stored {
		bias[token] = weight
	}
	return bias, nil
}

func (s *ChatConfigStorage) SetLogitBias(_ context.Context, chatID int64, bias map[string]int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := make(map[string]int, len(bias))
	for token, weight := range bias {
		stored[token] = weight
	}
	s.logitBias[chatID] = stored
	return nil
}

func (s *ChatConfigStorage) GetCustomParameters(_ context.Context, chatID int64) (json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored, ok := s.parameters[chatID]
	if !ok {
		return nil, nil
	}
	raw := make(json.RawMessage, len(stored))
	copy(raw, stored)
	return raw, nil
}

func (s *ChatConfigStorage) SetCustomParameters(_ context.Context, chatID int64, raw json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if raw == nil {
		delete(s.parameters, chatID)
		return nil
	}
	stored := make(json.RawMessage, len(raw))
	copy(stored, raw)
	s.parameters[chatID] = stored
	return nil
}

func (s *ChatConfigStorage) GetRatings(_ context.Context, chatID int64) (map[string]json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ratings := make(map[string]json.RawMessage, len(s.ratings[chatID]))
	for key, raw := range s.ratings[chatID] {
		ratings[key] = raw
	}
	return ratings, nil
}

func (s *ChatConfigStorage) SetRatings(_ context.Context, chatID int64, ratings map[string]json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := make(map[string]json.RawMessage, len(ratings))
	for key, raw := range ratings {
		stored[key] = raw
	}
	s.ratings[chatID] = stored
	return nil
}

func (s *ChatConfigStorage) ListRatedChats(_ context.Context) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chatIDs := make([]int64, 0, len(s.ratings))
	for chatID := range s.ratings {
		chatIDs = append(chatIDs, chatID)
	}
	return chatIDs, nil
}
