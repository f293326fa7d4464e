package usecase

import (
	"context"
	"fmt"
	"html"
	"math/rand"
	"time"
	"unicode/utf8"

	api "github.com/OvyFlash/telegram-bot-api"
	"github.com/bzcogs/aiuser-telegram-bot/internal/model"
	"github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"
)

const (
	replyAgeThreshold = 8 * time.Second

	// Telegram rate-limits message edits well below the documented one
	// per second, 2.5s keeps streamed updates under the practical limit.
	// https://core.telegram.org/bots/faq#my-bot-is-hitting-limits-how-do-i-avoid-this
	streamEditInterval = 2500 * time.Millisecond
)

type ChatResponseStorage interface {
	GetRandomModelEnabled(ctx context.Context, chatID int64) (bool, error)
	GetModelConfigs(ctx context.Context, chatID int64) (model.ModelConfigList, error)
}

type ChatResponseUsecaseDeps struct {
	Bot          BotSender
	Endpoints    *EndpointUsecase
	Sanitizer    *SanitizerUsecase
	Pipeline     *PipelineUsecase
	Regeneration *RegenerationUsecase
	ChannelLog   *ChannelLog
	Storage      ChatResponseStorage
}

// ChatResponseUsecase produces the initial response for a chat trigger:
// optional random model selection, one pipeline run, cleaning, delivery and
// regeneration/reaction affordances.
type ChatResponseUsecase struct {
	ChatResponseUsecaseDeps
}

func NewChatResponseUsecase(deps ChatResponseUsecaseDeps) *ChatResponseUsecase {
	return &ChatResponseUsecase{
		ChatResponseUsecaseDeps: deps,
	}
}

// Respond generates and delivers a response for the context. Returns the
// delivered text, or false without sending anything when the pipeline
// produces nothing or the entire output is filtered away.
func (c *ChatResponseUsecase) Respond(ctx context.Context, msgCtx *model.MessageContext) (bool, string, error) {
	selected, client, modelID, err := c.selectModel(ctx, msgCtx)
	if err != nil {
		return false, "", err
	}

	if _, err = c.Bot.Request(api.NewChatAction(msgCtx.ChatID, api.ChatTyping)); err != nil {
		logrus.WithError(err).Debug("failed to send typing action")
	}

	if selected != nil {
		return c.respondAttributed(ctx, msgCtx, client, modelID, *selected)
	}
	return c.respondStreaming(ctx, msgCtx, client, modelID)
}

// respondAttributed runs one full completion and delivers it in a single
// message with the model footer. Used for randomly selected models, where the
// attribution matters more than delta-by-delta delivery.
func (c *ChatResponseUsecase) respondAttributed(
	ctx context.Context, msgCtx *model.MessageContext, client *openai.Client, modelID string, selected model.ModelConfig,
) (bool, string, error) {
	raw, err := c.Pipeline.Generate(ctx, client, modelID, msgCtx)
	if err != nil {
		return false, "", fmt.Errorf("failed to run pipeline: %w", err)
	}
	if raw == "" {
		return false, "", nil
	}

	cleaned, err := c.Sanitizer.Clean(ctx, raw, msgCtx.ChatID, c.ChannelLog.RecentAuthors(msgCtx.ChatID))
	if err != nil {
		return false, "", fmt.Errorf("failed to clean response: %w", err)
	}
	if cleaned == "" {
		logrus.WithField("chat_id", msgCtx.ChatID).Debug("response fully filtered out")
		return false, "", nil
	}

	footer := fmt.Sprintf("\n\n<i>Generated by %s via %s</i>",
		html.EscapeString(selected.Name), html.EscapeString(selected.Endpoint))
	body := attributedBody(cleaned, footer)
	msg := api.NewMessage(msgCtx.ChatID, body+footer)
	msg.ParseMode = api.ModeHTML
	sent, err := c.Bot.Send(msg)
	if err != nil {
		return false, "", fmt.Errorf("failed to deliver response: %w", err)
	}

	c.ChannelLog.RecordBot(msgCtx.ChatID)
	c.Regeneration.Attach(ctx, msgCtx, sent.MessageID, cleaned, &selected)
	return true, cleaned, nil
}

// respondStreaming delivers the response as it is generated: the first
// non-empty partial becomes a message, later partials edit it on a throttle,
// and after the stream ends the cleaned final text replaces the last partial.
// A fully filtered response deletes the partial message again.
func (c *ChatResponseUsecase) respondStreaming(
	ctx context.Context, msgCtx *model.MessageContext, client *openai.Client, modelID string,
) (bool, string, error) {
	answerChan := make(chan string)
	throttledChan := make(chan string)

	var raw string
	var genErr error
	var sent api.Message
	var delivered bool
	var lastShown string

	wg := conc.NewWaitGroup()
	wg.Go(
		func() {
			raw, genErr = c.Pipeline.GenerateStream(ctx, client, modelID, msgCtx, answerChan)
		},
	)
	wg.Go(
		func() {
			lastUpdateTime := time.Now()
			var currentAnswer string
			for answer := range answerChan {
				currentAnswer = answer
				if lastUpdateTime.Add(streamEditInterval).Before(time.Now()) {
					throttledChan <- currentAnswer
					lastUpdateTime = time.Now()
				}
			}
			throttledChan <- currentAnswer
			close(throttledChan)
		},
	)
	wg.Go(
		func() {
			for currentAnswer := range throttledChan {
				if len(currentAnswer) == 0 {
					continue
				}
				currentAnswer = truncateUTF8(currentAnswer, MessageCeiling)
				if !delivered {
					msg := api.NewMessage(msgCtx.ChatID, currentAnswer)
					if msgCtx.CanReply && c.shouldReply(msgCtx) {
						msg.ReplyParameters = api.ReplyParameters{MessageID: msgCtx.TriggerMessageID}
					}
					answerMsg, err := c.Bot.Send(msg)
					if err != nil {
						logrus.WithError(err).Error("failed to send partial response")
						continue
					}
					sent = answerMsg
					delivered = true
					lastShown = currentAnswer
				} else if currentAnswer != lastShown {
					if _, err := c.Bot.Send(api.NewEditMessageText(msgCtx.ChatID, sent.MessageID, currentAnswer)); err != nil {
						logrus.WithError(err).Warn("failed to edit partial response")
					} else {
						lastShown = currentAnswer
					}
				}
			}
		},
	)
	wg.Wait()

	if genErr != nil {
		c.deletePartial(msgCtx.ChatID, sent.MessageID, delivered)
		return false, "", fmt.Errorf("failed to run pipeline: %w", genErr)
	}
	if raw == "" {
		return false, "", nil
	}

	cleaned, err := c.Sanitizer.Clean(ctx, raw, msgCtx.ChatID, c.ChannelLog.RecentAuthors(msgCtx.ChatID))
	if err != nil {
		c.deletePartial(msgCtx.ChatID, sent.MessageID, delivered)
		return false, "", fmt.Errorf("failed to clean response: %w", err)
	}
	if cleaned == "" {
		logrus.WithField("chat_id", msgCtx.ChatID).Debug("response fully filtered out")
		c.deletePartial(msgCtx.ChatID, sent.MessageID, delivered)
		return false, "", nil
	}

	chunks := splitMessage(cleaned, MessageCeiling)
	if delivered {
		if chunks[0] != lastShown {
			if _, err = c.Bot.Send(api.NewEditMessageText(msgCtx.ChatID, sent.MessageID, chunks[0])); err != nil {
				return false, "", fmt.Errorf("failed to finalize response: %w", err)
			}
		}
		chunks = chunks[1:]
	}
	for _, chunk := range chunks {
		if sent, err = c.Bot.Send(api.NewMessage(msgCtx.ChatID, chunk)); err != nil {
			return false, "", fmt.Errorf("failed to deliver response: %w", err)
		}
	}

	c.ChannelLog.RecordBot(msgCtx.ChatID)
	c.Regeneration.Attach(ctx, msgCtx, sent.MessageID, cleaned, nil)
	return true, cleaned, nil
}

func (c *ChatResponseUsecase) deletePartial(chatID int64, messageID int, delivered bool) {
	if !delivered {
		return
	}
	if _, err := c.Bot.Request(api.NewDeleteMessage(chatID, messageID)); err != nil {
		logrus.WithError(err).Warn("failed to delete partial response")
	}
}

// selectModel resolves the client/model pair for this single run. With random
// mode on, a uniformly drawn available model is used; the context itself is
// never re-pointed at it (the pair travels as explicit call parameters).
func (c *ChatResponseUsecase) selectModel(
	ctx context.Context, msgCtx *model.MessageContext,
) (*model.ModelConfig, *openai.Client, string, error) {
	randomEnabled, err := c.Storage.GetRandomModelEnabled(ctx, msgCtx.ChatID)
	if err != nil {
		logrus.WithError(err).Warn("failed to read random-model flag")
		randomEnabled = false
	}

	if randomEnabled {
		available, err := c.Endpoints.GetAvailableModels(ctx, msgCtx.ChatID)
		if err != nil {
			logrus.WithError(err).Warn("failed to list available models")
		} else if len(available) > 0 {
			chosen := available[rand.Intn(len(available))]
			client, err := c.Endpoints.GetClient(chosen.Endpoint)
			if err == nil {
				logrus.WithFields(logrus.Fields{
					"model":    chosen.Name,
					"endpoint": chosen.Endpoint,
				}).Info("using random model")
				return &chosen, client, chosen.Model, nil
			}
		}
	}

	// baseline: the endpoint of the config matching the context model, else
	// the primary endpoint
	endpointName := model.EndpointOpenAI
	configs, err := c.Storage.GetModelConfigs(ctx, msgCtx.ChatID)
	if err == nil {
		if i, ok := configs.FindByModel(msgCtx.Model); ok {
			endpointName = configs[i].Endpoint
		}
	}
	client, err := c.Endpoints.GetClient(endpointName)
	if err != nil {
		return nil, nil, "", fmt.Errorf("failed to get client for %s: %w", endpointName, err)
	}
	return nil, client, msgCtx.Model, nil
}

// shouldReply decides reply-threading versus a standalone post: reply when
// the trigger is stale, with a 25% unconditional chance, or when the bot's
// own message was the most recent in the chat.
func (c *ChatResponseUsecase) shouldReply(msgCtx *model.MessageContext) bool {
	if time.Since(msgCtx.TriggerTime) > replyAgeThreshold {
		return true
	}
	if rand.Float64() < 0.25 {
		return true
	}
	return c.ChannelLog.LastAuthorWasBot(msgCtx.ChatID)
}

func splitMessage(text string, limit int) []string {
	if len(text) <= limit {
		return []string{text}
	}
	chunks := make([]string, 0, len(text)/limit+1)
	for len(text) > limit {
		chunk := truncateUTF8(text, limit)
		chunks = append(chunks, chunk)
		text = text[len(chunk):]
	}
	if len(text) > 0 {
		chunks = append(chunks, text)
	}
	return chunks
}

// truncateUTF8 shortens s to at most limit bytes without cutting a rune in
// half. Telegram rejects messages that are not valid UTF-8.
func truncateUTF8(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit]
}

// attributedBody escapes the response for HTML delivery, truncated so body
// plus footer fits the platform ceiling. Truncation works on the unescaped
// text, so neither a rune nor an escape entity ends up cut in half.
func attributedBody(cleaned, footer string) string {
	body := html.EscapeString(cleaned)
	if len(body)+len(footer) <= MessageCeiling {
		return body
	}
	const ellipsis = "..."
	trimmed := truncateUTF8(cleaned, MessageCeiling-len(footer)-len(ellipsis))
	for len(trimmed) > 0 && len(html.EscapeString(trimmed))+len(ellipsis)+len(footer) > MessageCeiling {
		_, size := utf8.DecodeLastRuneInString(trimmed)
		trimmed = trimmed[:len(trimmed)-size]
	}
	return html.EscapeString(trimmed) + ellipsis
}
