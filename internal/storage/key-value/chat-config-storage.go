package key_value

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bzcogs/aiuser-telegram-bot/internal/model"
	"github.com/redis/go-redis/v9"
)

// ChatConfigStorage keeps per-chat runtime settings and the rating ledger in
// Redis as JSON records.
type ChatConfigStorage struct {
	rdb *redis.Client
}

func NewChatConfigStorage(rdb *redis.Client) *ChatConfigStorage {
	return &ChatConfigStorage{
		rdb: rdb,
	}
}

// GetRemoveListRegexes returns nil when the chat never stored a list, which
// callers treat as "use the defaults". An explicitly emptied list comes back
// as an empty non-nil slice.
func (s *ChatConfigStorage) GetRemoveListRegexes(ctx context.Context, chatID int64) ([]string, error) {
	var patterns []string
	if err := s.getJSON(ctx, getRemoveListKey(chatID), &patterns); err != nil {
		return nil, err
	}
	return patterns, nil
}

func (s *ChatConfigStorage) SetRemoveListRegexes(ctx context.Context, chatID int64, patterns []string) error {
	return s.setJSON(ctx, getRemoveListKey(chatID), patterns)
}

func (s *ChatConfigStorage) GetModelConfigs(ctx context.Context, chatID int64) (model.ModelConfigList, error) {
	var configs model.ModelConfigList
	if err := s.getJSON(ctx, getModelConfigsKey(chatID), &configs); err != nil {
		return nil, err
	}
	if configs == nil {
		configs = make(model.ModelConfigList, 0)
	}
	return configs, nil
}

func (s *ChatConfigStorage) SetModelConfigs(ctx context.Context, chatID int64, configs model.ModelConfigList) error {
	return s.setJSON(ctx, getModelConfigsKey(chatID), configs)
}

func (s *ChatConfigStorage) GetRandomModelEnabled(ctx context.Context, chatID int64) (bool, error) {
	var enabled bool
	if err := s.getJSON(ctx, getRandomModelKey(chatID), &enabled); err != nil {
		return false, err
	}
	return enabled, nil
}

func (s *ChatConfigStorage) SetRandomModelEnabled(ctx context.Context, chatID int64, enabled bool) error {
	return s.setJSON(ctx, getRandomModelKey(chatID), enabled)
}

// GetLogitBias returns the stored token-id to weight map, nil when the chat
// never configured weights.
func (s *ChatConfigStorage) GetLogitBias(ctx context.Context, chatID int64) (map[string]int, error) {
	var bias map[string]int
	if err := s.getJSON(ctx, getWeightsKey(chatID), &bias); err != nil {
		return nil, err
	}
	return bias, nil
}

func (s *ChatConfigStorage) SetLogitBias(ctx context.Context, chatID int64, bias map[string]int) error {
	return s.setJSON(ctx, getWeightsKey(chatID), bias)
}

// GetCustomParameters returns the stored request-parameter overrides as raw
// JSON, nil when the chat never configured any.
func (s *ChatConfigStorage) GetCustomParameters(ctx context.Context, chatID int64) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := s.getJSON(ctx, getParametersKey(chatID), &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// SetCustomParameters stores validated parameter overrides. A nil value
// clears them.
func (s *ChatConfigStorage) SetCustomParameters(ctx context.Context, chatID int64, raw json.RawMessage) error {
	if raw == nil {
		if err := s.rdb.Del(ctx, getParametersKey(chatID)).Err(); err != nil {
			return fmt.Errorf("failed to delete %s: %w", getParametersKey(chatID), err)
		}
		return nil
	}
	return s.setJSON(ctx, getParametersKey(chatID), raw)
}

// GetRatings returns raw ledger entries. Entries are decoded leniently at the
// call site so one malformed record cannot poison the whole ledger.
func (s *ChatConfigStorage) GetRatings(ctx context.Context, chatID int64) (map[string]json.RawMessage, error) {
	var ratings map[string]json.RawMessage
	if err := s.getJSON(ctx, getRatingsKey(chatID), &ratings); err != nil {
		return nil, err
	}
	if ratings == nil {
		ratings = make(map[string]json.RawMessage)
	}
	return ratings, nil
}

func (s *ChatConfigStorage) SetRatings(ctx context.Context, chatID int64, ratings map[string]json.RawMessage) error {
	if err := s.setJSON(ctx, getRatingsKey(chatID), ratings); err != nil {
		return err
	}
	return s.rememberRatedChat(ctx, chatID)
}

// ListRatedChats enumerates chats that ever stored a rating, used by the
// retention cleanup job.
func (s *ChatConfigStorage) ListRatedChats(ctx context.Context) ([]int64, error) {
	var chatIDs []int64
	if err := s.getJSON(ctx, ratedChatsKey, &chatIDs); err != nil {
		return nil, err
	}
	return chatIDs, nil
}

func (s *ChatConfigStorage) rememberRatedChat(ctx context.Context, chatID int64) error {
	chatIDs, err := s.ListRatedChats(ctx)
	if err != nil {
		return fmt.Errorf("failed to list rated chats: %w", err)
	}
	for _, id := range chatIDs {
		if id == chatID {
			return nil
		}
	}
	chatIDs = append(chatIDs, chatID)
	return s.setJSON(ctx, ratedChatsKey, chatIDs)
}

func (s *ChatConfigStorage) getJSON(ctx context.Context, key string, out any) error {
	raw, err := s.rdb.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("failed to get %s: %w", key, err)
	}
	if err = json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return nil
}

func (s *ChatConfigStorage) setJSON(ctx context.Context, key string, value any) error {
	rawJSON, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	if err = s.rdb.Set(ctx, key, rawJSON, 0).Err(); err != nil {
		return fmt.Errorf("failed to save %s: %w", key, err)
	}
	return nil
}

const ratedChatsKey = "rated_chat_ids"

func getRemoveListKey(chatID int64) string {
	return fmt.Sprintf("chat_%d_removelist", chatID)
}

func getModelConfigsKey(chatID int64) string {
	return fmt.Sprintf("chat_%d_models", chatID)
}

func getRandomModelKey(chatID int64) string {
	return fmt.Sprintf("chat_%d_random_model", chatID)
}

func getRatingsKey(chatID int64) string {
	return fmt.Sprintf("chat_%d_ratings", chatID)
}

func getWeightsKey(chatID int64) string {
	return fmt.Sprintf("chat_%d_weights", chatID)
}

func getParametersKey(chatID int64) string {
	return fmt.Sprintf("chat_%d_parameters", chatID)
}
