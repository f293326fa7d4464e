package usecase

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	api "github.com/OvyFlash/telegram-bot-api"
	"github.com/bzcogs/aiuser-telegram-bot/internal/model"
	"github.com/bzcogs/aiuser-telegram-bot/pkg/local"
	"github.com/sirupsen/logrus"
)

// MessageCeiling is the Telegram message length limit.
const MessageCeiling = 4096

const (
	callbackRegenerate = "rg"
	callbackPickModel  = "rp"
	callbackCancelPick = "rc"
	callbackExpired    = "rx"
)

var (
	noticeNoAlternatives = local.NewSet(
		"❌ No alternative models available",
		local.NewTrans(local.Rus, "❌ Нет доступных моделей"),
	)
	noticeEndpointUnreachable = local.NewSet("❌ Failed to connect to endpoint")
	noticeGenerationFailed    = local.NewSet("❌ Failed to generate response")
	noticeFilteredOut         = local.NewSet("❌ Response was filtered out")
	noticeRegenerated         = local.NewSet(
		"✅ Regenerated with %s",
		local.NewTrans(local.Rus, "✅ Сгенерировано заново с %s"),
	)
	noticeRegenFailure   = local.NewSet("❌ An error occurred during regeneration")
	noticeControlExpired = local.NewSet("Control expired")
	noticeBusy           = local.NewSet("⏳ Regeneration already in progress")
	noticeModelNotFound  = local.NewSet("❌ Model not found")
)

// BotSender is the slice of the Telegram bot API the usecases need.
// *api.BotAPI satisfies it.
type BotSender interface {
	Send(c api.Chattable) (api.Message, error)
	Request(c api.Chattable) (*api.APIResponse, error)
}

type controlState int

const (
	stateIdle controlState = iota
	stateSelecting
	stateRegenerating
)

// controlBinding ties an interactive control to a delivered response message
// and the reusable message-list context it was generated from.
type controlBinding struct {
	msgCtx    *model.MessageContext
	chatID    int64
	messageID int
	baseline  model.ModelConfig
	state     controlState
	expire    *time.Timer
}

type RegenerationUsecaseDeps struct {
	Bot        BotSender
	Endpoints  *EndpointUsecase
	Sanitizer  *SanitizerUsecase
	Pipeline   *PipelineUsecase
	Tracker    *TrackerUsecase
	ChannelLog *ChannelLog
	Storage    EndpointStorage
}

// RegenerationUsecase orchestrates interactive response regeneration: model
// selection, pipeline invocation with the chosen client/model passed in
// explicitly, response cleaning, message rewrite and control rebinding.
type RegenerationUsecase struct {
	RegenerationUsecaseDeps
	controlTimeout time.Duration
	lang           local.Language

	mu       sync.Mutex
	bindings map[string]*controlBinding
}

func NewRegenerationUsecase(controlTimeout time.Duration, deps RegenerationUsecaseDeps) *RegenerationUsecase {
	return &RegenerationUsecase{
		RegenerationUsecaseDeps: deps,
		controlTimeout:          controlTimeout,
		lang:                    local.Eng,
		bindings:                make(map[string]*controlBinding),
	}
}

// Attach binds the regeneration control and reaction tracking to a delivered
// response. With no models configured only reaction tracking is set up.
func (r *RegenerationUsecase) Attach(
	ctx context.Context, msgCtx *model.MessageContext, messageID int, content string, selected *model.ModelConfig,
) {
	configs, err := r.Storage.GetModelConfigs(ctx, msgCtx.ChatID)
	if err != nil {
		logrus.WithError(err).Error("failed to get model configs, skipping regeneration control")
		configs = nil
	}

	baseline := resolveBaseline(configs, msgCtx.Model, selected)
	r.Tracker.Track(model.TrackedMessage{
		ChatID:    msgCtx.ChatID,
		MessageID: messageID,
		Model:     baseline.Name,
		Endpoint:  baseline.Endpoint,
		Content:   content,
	})

	if len(configs) == 0 {
		logrus.Debug("no regeneration models configured, skipping control")
		return
	}

	binding := &controlBinding{
		msgCtx:    msgCtx,
		chatID:    msgCtx.ChatID,
		messageID: messageID,
		baseline:  baseline,
		state:     stateIdle,
	}

	key := trackedKey(msgCtx.ChatID, messageID)
	r.mu.Lock()
	if previous, ok := r.bindings[key]; ok && previous.expire != nil {
		previous.expire.Stop()
	}
	r.bindings[key] = binding
	binding.expire = time.AfterFunc(r.controlTimeout, func() { r.expireControl(key) })
	r.mu.Unlock()

	markup := idleControlMarkup(messageID)
	edit := api.NewEditMessageReplyMarkup(msgCtx.ChatID, messageID, markup)
	if _, err := r.Bot.Send(edit); err != nil {
		logrus.WithError(err).Warn("failed to attach regeneration control")
	}
}

// resolveBaseline decides which model config the control treats as currently
// active: the explicitly selected one, else the config matching the context's
// model id, else a synthetic entry for the current model.
func resolveBaseline(configs model.ModelConfigList, currentModel string, selected *model.ModelConfig) model.ModelConfig {
	if selected != nil {
		return *selected
	}
	if i, ok := configs.FindByModel(currentModel); ok {
		return configs[i]
	}
	return model.ModelConfig{
		Name:     fmt.Sprintf("Current (%s)", currentModel),
		Model:    currentModel,
		Endpoint: "current",
	}
}

// HandleCallback routes regeneration control presses. Returns false when the
// callback data does not belong to this controller.
func (r *RegenerationUsecase) HandleCallback(ctx context.Context, cq *api.CallbackQuery) bool {
	parts := strings.SplitN(cq.Data, ":", 3)
	switch parts[0] {
	case callbackRegenerate, callbackPickModel, callbackCancelPick, callbackExpired:
	default:
		return false
	}
	if cq.Message == nil {
		return true
	}

	defer func() {
		if rec := recover(); rec != nil {
			logrus.WithFields(logrus.Fields{
				"panic": rec,
				"stack": string(debug.Stack()),
			}).Error("panic in regeneration callback")
			r.answer(cq.ID, noticeRegenFailure.Text(r.lang))
		}
	}()

	if parts[0] == callbackExpired {
		r.answer(cq.ID, noticeControlExpired.Text(r.lang))
		return true
	}

	// forged or truncated callback data may lack the message id entirely
	if len(parts) < 2 {
		r.answer(cq.ID, noticeControlExpired.Text(r.lang))
		return true
	}

	chatID := cq.Message.Chat.ID
	messageID, err := strconv.Atoi(parts[1])
	if err != nil {
		r.answer(cq.ID, noticeControlExpired.Text(r.lang))
		return true
	}

	r.mu.Lock()
	binding, ok := r.bindings[trackedKey(chatID, messageID)]
	r.mu.Unlock()
	if !ok {
		r.answer(cq.ID, noticeControlExpired.Text(r.lang))
		return true
	}

	switch parts[0] {
	case callbackRegenerate:
		r.onActivate(ctx, binding, cq)
	case callbackPickModel:
		if len(parts) < 3 {
			r.answer(cq.ID, noticeModelNotFound.Text(r.lang))
			return true
		}
		r.onPick(ctx, binding, parts[2], cq)
	case callbackCancelPick:
		r.setIdleControl(binding)
		r.answer(cq.ID, "")
	}
	return true
}

// onActivate handles the regenerate button: zero alternatives is an ephemeral
// notice, one skips selection, several render the selection control.
func (r *RegenerationUsecase) onActivate(ctx context.Context, binding *controlBinding, cq *api.CallbackQuery) {
	available, err := r.Endpoints.GetAvailableModels(ctx, binding.chatID)
	if err != nil {
		logrus.WithError(err).Error("failed to get available models")
		r.answer(cq.ID, noticeRegenFailure.Text(r.lang))
		return
	}

	switch len(available) {
	case 0:
		r.answer(cq.ID, noticeNoAlternatives.Text(r.lang))
	case 1:
		r.regenerate(ctx, binding, available[0], cq.ID)
	default:
		r.mu.Lock()
		if binding.state == stateRegenerating {
			r.mu.Unlock()
			r.answer(cq.ID, noticeBusy.Text(r.lang))
			return
		}
		binding.state = stateSelecting
		r.mu.Unlock()

		markup := selectionMarkup(binding.messageID, available, binding.baseline)
		edit := api.NewEditMessageReplyMarkup(binding.chatID, binding.messageID, markup)
		if _, err := r.Bot.Send(edit); err != nil {
			logrus.WithError(err).Warn("failed to render model selection")
		}
		r.answer(cq.ID, "")
	}
}

func (r *RegenerationUsecase) onPick(ctx context.Context, binding *controlBinding, name string, cq *api.CallbackQuery) {
	available, err := r.Endpoints.GetAvailableModels(ctx, binding.chatID)
	if err != nil {
		logrus.WithError(err).Error("failed to get available models")
		r.answer(cq.ID, noticeRegenFailure.Text(r.lang))
		return
	}
	i, ok := available.FindByName(name)
	if !ok {
		r.answer(cq.ID, noticeModelNotFound.Text(r.lang))
		r.setIdleControl(binding)
		return
	}
	r.regenerate(ctx, binding, available[i], cq.ID)
}

// regenerate runs the full sequence for a chosen model config. The chosen
// client and model id go into the pipeline call directly; on any failure the
// original message, control and context are left untouched.
func (r *RegenerationUsecase) regenerate(ctx context.Context, binding *controlBinding, chosen model.ModelConfig, cqID string) {
	r.mu.Lock()
	if binding.state == stateRegenerating {
		r.mu.Unlock()
		r.answer(cqID, noticeBusy.Text(r.lang))
		return
	}
	binding.state = stateRegenerating
	r.mu.Unlock()

	toIdle := func() {
		r.mu.Lock()
		binding.state = stateIdle
		r.mu.Unlock()
	}

	client, err := r.Endpoints.GetClient(chosen.Endpoint)
	if err != nil {
		if !errors.Is(err, ErrEndpointUnavailable) {
			logrus.WithError(err).Error("failed to get endpoint client")
		}
		r.answer(cqID, noticeEndpointUnreachable.Text(r.lang))
		toIdle()
		r.setIdleControl(binding)
		return
	}

	raw, err := r.Pipeline.Generate(ctx, client, chosen.Model, binding.msgCtx)
	if err != nil || raw == "" {
		r.answer(cqID, noticeGenerationFailed.Text(r.lang))
		toIdle()
		r.setIdleControl(binding)
		return
	}

	cleaned, err := r.Sanitizer.Clean(ctx, raw, binding.chatID, r.ChannelLog.RecentAuthors(binding.chatID))
	if err != nil {
		logrus.WithError(err).Error("failed to clean response")
		r.answer(cqID, noticeRegenFailure.Text(r.lang))
		toIdle()
		r.setIdleControl(binding)
		return
	}
	if cleaned == "" {
		r.answer(cqID, noticeFilteredOut.Text(r.lang))
		toIdle()
		r.setIdleControl(binding)
		return
	}

	content := withAttribution(cleaned, chosen.Name)
	edit := api.NewEditMessageText(binding.chatID, binding.messageID, content)
	markup := idleControlMarkup(binding.messageID)
	edit.ReplyMarkup = &markup
	if _, err = r.Bot.Send(edit); err != nil {
		logrus.WithError(err).Error("failed to update regenerated message")
		r.answer(cqID, noticeRegenFailure.Text(r.lang))
		toIdle()
		r.setIdleControl(binding)
		return
	}

	// rebind the control to the chosen model as the new baseline
	r.mu.Lock()
	binding.baseline = chosen
	binding.state = stateIdle
	if binding.expire != nil {
		binding.expire.Stop()
	}
	key := trackedKey(binding.chatID, binding.messageID)
	binding.expire = time.AfterFunc(r.controlTimeout, func() { r.expireControl(key) })
	r.mu.Unlock()

	r.Tracker.Track(model.TrackedMessage{
		ChatID:    binding.chatID,
		MessageID: binding.messageID,
		Model:     chosen.Name,
		Endpoint:  chosen.Endpoint,
		Content:   cleaned,
	})
	r.ChannelLog.RecordBot(binding.chatID)
	r.answer(cqID, noticeRegenerated.Format(r.lang, chosen.Name))
}

// withAttribution appends the visible model suffix, truncating the response
// if needed to keep the whole message under the platform ceiling.
func withAttribution(cleaned, modelName string) string {
	suffix := "\n\n— " + modelName
	if len(cleaned)+len(suffix) <= MessageCeiling {
		return cleaned + suffix
	}
	const ellipsis = "..."
	return truncateUTF8(cleaned, MessageCeiling-len(suffix)-len(ellipsis)) + ellipsis + suffix
}

func (r *RegenerationUsecase) setIdleControl(binding *controlBinding) {
	r.mu.Lock()
	if binding.state == stateSelecting {
		binding.state = stateIdle
	}
	r.mu.Unlock()
	markup := idleControlMarkup(binding.messageID)
	edit := api.NewEditMessageReplyMarkup(binding.chatID, binding.messageID, markup)
	if _, err := r.Bot.Send(edit); err != nil {
		logrus.WithError(err).Debug("failed to restore regeneration control")
	}
}

// expireControl disables an inactive control, the message content stays
// unchanged. An in-flight regeneration gets a fresh timer instead.
func (r *RegenerationUsecase) expireControl(key string) {
	r.mu.Lock()
	binding, ok := r.bindings[key]
	if !ok {
		r.mu.Unlock()
		return
	}
	if binding.state == stateRegenerating {
		binding.expire = time.AfterFunc(r.controlTimeout, func() { r.expireControl(key) })
		r.mu.Unlock()
		return
	}
	delete(r.bindings, key)
	r.mu.Unlock()

	markup := api.NewInlineKeyboardMarkup(
		api.NewInlineKeyboardRow(
			api.NewInlineKeyboardButtonData("🔄 expired", callbackExpired),
		),
	)
	edit := api.NewEditMessageReplyMarkup(binding.chatID, binding.messageID, markup)
	if _, err := r.Bot.Send(edit); err != nil {
		logrus.WithError(err).Debug("failed to disable expired control")
	}
}

func (r *RegenerationUsecase) answer(cqID, text string) {
	if cqID == "" {
		return
	}
	callback := api.NewCallback(cqID, text)
	if _, err := r.Bot.Request(callback); err != nil {
		logrus.WithError(err).Debug("failed to answer callback query")
	}
}

func idleControlMarkup(messageID int) api.InlineKeyboardMarkup {
	return api.NewInlineKeyboardMarkup(
		api.NewInlineKeyboardRow(
			api.NewInlineKeyboardButtonData("🔄", fmt.Sprintf("%s:%d", callbackRegenerate, messageID)),
		),
	)
}

// selectionMarkup lists every available model, marking the currently active
// one and the configured default when they differ.
func selectionMarkup(messageID int, available model.ModelConfigList, baseline model.ModelConfig) api.InlineKeyboardMarkup {
	rows := make([][]api.InlineKeyboardButton, 0, len(available)+1)
	for _, cfg := range available {
		marker := "🤖"
		switch {
		case strings.EqualFold(cfg.Name, baseline.Name):
			marker = "⭐"
		case cfg.Default:
			marker = "🌟"
		}
		label := fmt.Sprintf("%s %s (%s)", marker, cfg.Name, cfg.Endpoint)
		data := fmt.Sprintf("%s:%d:%s", callbackPickModel, messageID, cfg.Name)
		rows = append(rows, api.NewInlineKeyboardRow(api.NewInlineKeyboardButtonData(label, data)))
	}
	rows = append(rows, api.NewInlineKeyboardRow(
		api.NewInlineKeyboardButtonData("✖ Cancel", fmt.Sprintf("%s:%d", callbackCancelPick, messageID)),
	))
	return api.NewInlineKeyboardMarkup(rows...)
}
