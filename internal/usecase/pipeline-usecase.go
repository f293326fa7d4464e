package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/bzcogs/aiuser-telegram-bot/config"
	"github.com/bzcogs/aiuser-telegram-bot/internal/model"
	openai_tools "github.com/bzcogs/aiuser-telegram-bot/pkg/openai-tools"
	"github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"
)

type PipelineStorage interface {
	GetLogitBias(ctx context.Context, chatID int64) (map[string]int, error)
	GetCustomParameters(ctx context.Context, chatID int64) (json.RawMessage, error)
}

type PipelineUsecase struct {
	cfg     config.Chat
	storage PipelineStorage
}

func NewPipelineUsecase(cfg config.Chat, storage PipelineStorage) *PipelineUsecase {
	return &PipelineUsecase{
		cfg:     cfg,
		storage: storage,
	}
}

// Generate runs one chat completion against the given client and model id and
// returns the full response text. Client and model are explicit parameters:
// swapping models for one call never touches the MessageContext or any shared
// client reference. An empty result means the model produced nothing.
func (p *PipelineUsecase) Generate(
	ctx context.Context, client *openai.Client, modelID string, msgCtx *model.MessageContext,
) (string, error) {
	return p.GenerateStream(ctx, client, modelID, msgCtx, nil)
}

// GenerateStream is Generate with delta visibility: after every received
// chunk the accumulated text so far is sent to answerChan. The channel is
// closed when the stream ends, whatever the outcome.
func (p *PipelineUsecase) GenerateStream(
	ctx context.Context, client *openai.Client, modelID string, msgCtx *model.MessageContext, answerChan chan<- string,
) (string, error) {
	if answerChan != nil {
		defer close(answerChan)
	}
	history := p.buildHistory(msgCtx, modelID)

	req := openai.ChatCompletionRequest{
		Model:       modelID,
		Temperature: msgCtx.ModelTemperature,
		TopP:        1,
		N:           1,
		Messages:    history,
		Stream:      true,
	}
	p.applyChatTuning(ctx, msgCtx.ChatID, &req)

	runLog := logrus.WithFields(logrus.Fields{
		"run_id":  msgCtx.ID,
		"chat_id": msgCtx.ChatID,
		"model":   modelID,
	})

	stream, err := client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		runLog.WithError(err).Error("failed to create completion stream")
		return "", fmt.Errorf("failed to create completion stream: %w", err)
	}
	defer stream.Close()

	var answer strings.Builder
	for {
		response, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			runLog.WithError(err).Error("stream error")
			return "", fmt.Errorf("stream error: %w", err)
		}
		if len(response.Choices) == 0 {
			continue
		}
		answer.WriteString(response.Choices[0].Delta.Content)
		if answerChan != nil {
			answerChan <- answer.String()
		}
	}

	result := strings.TrimSpace(answer.String())
	runLog.WithField("length", len(result)).Debug("pipeline run finished")
	return result, nil
}

// requestOverrides is the set of completion parameters admins may override
// per chat via /parameters. Keys outside this set are rejected when the
// override is stored.
type requestOverrides struct {
	Temperature      *float32       `json:"temperature"`
	TopP             *float32       `json:"top_p"`
	MaxTokens        *int           `json:"max_tokens"`
	FrequencyPenalty *float32       `json:"frequency_penalty"`
	PresencePenalty  *float32       `json:"presence_penalty"`
	Stop             []string       `json:"stop"`
	LogitBias        map[string]int `json:"logit_bias"`
}

// blockedParameterKeys would let an override hijack the request itself, so
// they are never accepted.
var blockedParameterKeys = []string{"model", "messages", "stream"}

var knownParameterKeys = map[string]struct{}{
	"temperature":       {},
	"top_p":             {},
	"max_tokens":        {},
	"frequency_penalty": {},
	"presence_penalty":  {},
	"stop":              {},
	"logit_bias":        {},
}

// validateCustomParameters checks an admin-supplied override before it is
// stored: a JSON object, no blocked keys, only known keys with usable types.
func validateCustomParameters(raw []byte) error {
	var data map[string]json.RawMessage
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	for _, key := range blockedParameterKeys {
		if _, found := data[key]; found {
			return fmt.Errorf("parameter %q cannot be overridden", key)
		}
	}
	for key := range data {
		if _, ok := knownParameterKeys[key]; !ok {
			return fmt.Errorf("unknown parameter %q", key)
		}
	}
	var overrides requestOverrides
	if err := json.Unmarshal(raw, &overrides); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

// applyChatTuning layers the chat's stored weights and custom parameters onto
// the request. Stored values were validated when set, so problems here are
// logged and skipped rather than failing the run.
func (p *PipelineUsecase) applyChatTuning(ctx context.Context, chatID int64, req *openai.ChatCompletionRequest) {
	bias, err := p.storage.GetLogitBias(ctx, chatID)
	if err != nil {
		logrus.WithError(err).Warn("failed to load chat weights")
	} else if len(bias) > 0 {
		req.LogitBias = bias
	}

	raw, err := p.storage.GetCustomParameters(ctx, chatID)
	if err != nil {
		logrus.WithError(err).Warn("failed to load custom parameters")
		return
	}
	if len(raw) == 0 {
		return
	}
	var overrides requestOverrides
	if err = json.Unmarshal(raw, &overrides); err != nil {
		logrus.WithError(err).Warn("stored custom parameters are malformed, ignoring")
		return
	}
	if overrides.Temperature != nil {
		req.Temperature = *overrides.Temperature
	}
	if overrides.TopP != nil {
		req.TopP = *overrides.TopP
	}
	if overrides.MaxTokens != nil {
		req.MaxTokens = *overrides.MaxTokens
	}
	if overrides.FrequencyPenalty != nil {
		req.FrequencyPenalty = *overrides.FrequencyPenalty
	}
	if overrides.PresencePenalty != nil {
		req.PresencePenalty = *overrides.PresencePenalty
	}
	if len(overrides.Stop) > 0 {
		req.Stop = overrides.Stop
	}
	if len(overrides.LogitBias) > 0 {
		req.LogitBias = overrides.LogitBias
	}
}

// buildHistory converts the context's messages to the chat-completion format
// and trims the oldest entries until the history fits the token budget.
func (p *PipelineUsecase) buildHistory(msgCtx *model.MessageContext, modelID string) []openai.ChatCompletionMessage {
	history := make([]openai.ChatCompletionMessage, 0, len(msgCtx.Messages))
	for _, message := range msgCtx.Messages {
		history = append(history, openai.ChatCompletionMessage{
			Role:    parseMessageSourceToRole(message.Source),
			Content: message.Body,
		})
	}

	for len(history) > 1 {
		tokenCount, err := openai_tools.CountToken(history, modelID)
		if err != nil {
			logrus.WithError(err).Warn("count token error, trimming history")
			history = history[1:]
			continue
		}
		if tokenCount < p.cfg.HistoryTokenLimit {
			break
		}
		history = history[1:]
	}
	return history
}

const (
	openAIRoleUser      = "user"
	openAIRoleAssistant = "assistant"
)

func parseMessageSourceToRole(source model.MessageSource) string {
	switch source {
	case model.MessageSourceAssistant:
		return openAIRoleAssistant
	default:
		return openAIRoleUser
	}
}
