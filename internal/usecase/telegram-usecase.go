package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	api "github.com/OvyFlash/telegram-bot-api"
	"github.com/bzcogs/aiuser-telegram-bot/config"
	"github.com/bzcogs/aiuser-telegram-bot/internal/model"
	"github.com/bzcogs/aiuser-telegram-bot/pkg/local"
	openai_tools "github.com/bzcogs/aiuser-telegram-bot/pkg/openai-tools"
	"github.com/dlclark/regexp2"
	"github.com/google/uuid"
	"github.com/pkoukk/tiktoken-go"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"
)

const (
	CommandStart      = "start"
	CommandHelp       = "help"
	CommandModels     = "models"
	CommandModelAdd   = "modeladd"
	CommandModelRm    = "modelremove"
	CommandModelDef   = "modeldefault"
	CommandRandom     = "randommodel"
	CommandStats      = "stats"
	CommandCleanup    = "ratingscleanup"
	CommandRemoveList = "removelist"
	CommandWeights    = "weights"
	CommandParameters = "parameters"
)

var (
	msgCommandStart = local.NewSet(
		"Hi! Write something to start a conversation. Admins can manage models with /models and response filters with /removelist.",
		local.NewTrans(local.Rus, "Привет! Напишите что-нибудь, чтобы начать разговор."),
	)
	msgCommandHelp = local.NewSet(
		"Write something to get a response. Press 🔄 under a response to regenerate it with another model. React to a response to rate it.",
	)
	msgCommandUnknown  = local.NewSet("I don't know that command")
	msgServerError     = local.NewSet("Something wrong with me. Try later")
	msgNotAdmin        = local.NewSet("You are not allowed to use this command")
	msgNoModels        = local.NewSet("No models configured.")
	msgModelExists     = local.NewSet("❌ Model with name '%s' already exists.")
	msgModelNotFound   = local.NewSet("❌ Model '%s' not found.")
	msgBadEndpoint     = local.NewSet("❌ Endpoint must be one of: %s")
	msgModelAdded      = local.NewSet("✅ Added model '%s'%s")
	msgModelRemoved    = local.NewSet("✅ Removed model '%s'")
	msgModelDefaulted  = local.NewSet("✅ Set '%s' as default model")
	msgRandomStatus    = local.NewSet("Random model selection is currently %s")
	msgRandomSet       = local.NewSet("✅ Random model selection %s")
	msgCleanupDone     = local.NewSet("✅ Cleaned up rating data older than %d days (%d removed, %d kept)")
	msgPatternInvalid  = local.NewSet("Sorry, but that regex pattern seems to be invalid.")
	msgPatternExists   = local.NewSet("The regex pattern `%s` is already in the list.")
	msgPatternAdded    = local.NewSet("The regex pattern `%s` has been added to the list.")
	msgPatternRemoved  = local.NewSet("The regex pattern `%s` has been removed from the list.")
	msgPatternBadIndex = local.NewSet("Invalid number.")
	msgPatternsEmpty   = local.NewSet("The list of regex patterns is empty.")
	msgPatternsReset   = local.NewSet("Removelist reset to defaults.")
	msgUsage           = local.NewSet("Usage: %s")
	msgNameTooLong     = local.NewSet("❌ Model name must be at most %d characters.")

	msgWeightsNone      = local.NewSet("No weights set.")
	msgWeightRange      = local.NewSet("❌ Weight must be between %d and %d.")
	msgWeightMultiToken = local.NewSet("❌ '%s' is more than one token (%s). Set a weight for each piece instead.")
	msgWeightInParams   = local.NewSet("❌ logit_bias is already set via /parameters. Remove it there first.")
	msgWeightSaved      = local.NewSet("✅ Weight for '%s' set to %d")
	msgWeightNotFound   = local.NewSet("❌ '%s' has no stored weight.")
	msgWeightRemoved    = local.NewSet("✅ Weight for '%s' removed")
	msgNoTokenizer      = local.NewSet("❌ No tokenizer is known for model '%s'. Use /parameters with logit_bias instead.")
	msgParamsNone       = local.NewSet("No custom parameters set.")
	msgParamsInvalid    = local.NewSet("❌ Rejected parameters: %s")
	msgParamsOverWeight = local.NewSet("❌ Weights are already set via /weights. Remove them first to use logit_bias.")
	msgParamsSaved      = local.NewSet("✅ Custom parameters saved.")
	msgParamsReset      = local.NewSet("✅ Custom parameters reset.")
)

const maxModelNameLen = 32

type SettingsStorage interface {
	GetModelConfigs(ctx context.Context, chatID int64) (model.ModelConfigList, error)
	SetModelConfigs(ctx context.Context, chatID int64, configs model.ModelConfigList) error
	GetRandomModelEnabled(ctx context.Context, chatID int64) (bool, error)
	SetRandomModelEnabled(ctx context.Context, chatID int64, enabled bool) error
	GetRemoveListRegexes(ctx context.Context, chatID int64) ([]string, error)
	SetRemoveListRegexes(ctx context.Context, chatID int64, patterns []string) error
	GetLogitBias(ctx context.Context, chatID int64) (map[string]int, error)
	SetLogitBias(ctx context.Context, chatID int64, bias map[string]int) error
	GetCustomParameters(ctx context.Context, chatID int64) (json.RawMessage, error)
	SetCustomParameters(ctx context.Context, chatID int64, raw json.RawMessage) error
}

type TelegramUsecaseDeps struct {
	Bot          *api.BotAPI
	ChatResponse *ChatResponseUsecase
	Regeneration *RegenerationUsecase
	Endpoints    *EndpointUsecase
	Tracker      *TrackerUsecase
	Rating       *RatingUsecase
	ChannelLog   *ChannelLog
	Storage      SettingsStorage
}

type chatHistory struct {
	messages   []model.Message
	lastActive time.Time
}

// TelegramUsecase runs the update loop and routes messages, commands,
// regeneration callbacks and reaction events.
type TelegramUsecase struct {
	TelegramUsecaseDeps
	telegramCfg config.Telegram
	chatCfg     config.Chat
	lang        local.Language
	admins      map[int64]struct{}

	mu        sync.Mutex
	histories map[int64]*chatHistory
}

func NewTelegramUsecase(telegramCfg config.Telegram, chatCfg config.Chat, deps TelegramUsecaseDeps) (*TelegramUsecase, error) {
	admins := make(map[int64]struct{}, len(telegramCfg.AdminTelegramIDList))
	for _, userID := range telegramCfg.AdminTelegramIDList {
		admins[userID] = struct{}{}
	}

	_, err := deps.Bot.Request(
		api.NewSetMyCommands(
			[]api.BotCommand{
				{Command: CommandHelp, Description: "Get help"},
				{Command: CommandModels, Description: "List configured models"},
				{Command: CommandStats, Description: "Show response rating statistics"},
			}...,
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to set bot commands: %w", err)
	}

	return &TelegramUsecase{
		TelegramUsecaseDeps: deps,
		telegramCfg:         telegramCfg,
		chatCfg:             chatCfg,
		lang:                local.Eng,
		admins:              admins,
		histories:           make(map[int64]*chatHistory),
	}, nil
}

func (t *TelegramUsecase) Run() error {
	u := api.NewUpdate(0)
	u.Timeout = 60
	u.AllowedUpdates = []string{"message", "callback_query", "message_reaction"}

	updates := t.Bot.GetUpdatesChan(u)

	wg := conc.NewWaitGroup()
	defer wg.Wait()

	for update := range updates {
		update := update
		wg.Go(
			func() {
				ctx := context.Background()
				switch {
				case update.Message != nil:
					if err := t.handleMessage(ctx, update); err != nil {
						logrus.WithError(err).Error("error handling message")
					}
				case update.CallbackQuery != nil:
					t.handleCallbackQuery(ctx, update)
				case update.MessageReaction != nil:
					t.handleReaction(ctx, update.MessageReaction)
				}
			},
		)
	}
	return nil
}

func (t *TelegramUsecase) handleCallbackQuery(ctx context.Context, update api.Update) {
	if t.Regeneration.HandleCallback(ctx, update.CallbackQuery) {
		return
	}
	// unrecognized control, acknowledge so the client stops spinning
	if _, err := t.Bot.Request(api.NewCallback(update.CallbackQuery.ID, "")); err != nil {
		logrus.WithError(err).Debug("failed to answer callback query")
	}
}

func (t *TelegramUsecase) handleReaction(ctx context.Context, reaction *api.MessageReactionUpdated) {
	if reaction.User == nil {
		return
	}
	old := make(map[string]struct{}, len(reaction.OldReaction))
	for _, r := range reaction.OldReaction {
		old[r.Emoji] = struct{}{}
	}
	for _, r := range reaction.NewReaction {
		// custom emoji reactions carry no plain emoji and are not ratable
		if r.Type != "emoji" || r.Emoji == "" {
			continue
		}
		if _, seen := old[r.Emoji]; seen {
			continue
		}
		t.Tracker.OnReaction(ctx, reaction.Chat.ID, reaction.MessageID, reaction.User.ID, r.Emoji)
	}
}

func (t *TelegramUsecase) handleMessage(ctx context.Context, update api.Update) error {
	chatID := update.Message.Chat.ID

	if update.Message.IsCommand() {
		return t.handleCommand(ctx, update)
	}
	if update.Message.Text == "" || update.Message.From == nil {
		return nil
	}

	authorName := displayName(update.Message.From)
	t.ChannelLog.RecordUser(chatID, authorName)

	msgCtx := t.buildMessageContext(ctx, update, authorName)
	t.appendHistory(chatID, model.Message{
		Source: model.MessageSourceUser,
		Author: authorName,
		Body:   update.Message.Text,
	})

	delivered, content, err := t.ChatResponse.Respond(ctx, msgCtx)
	if err != nil {
		t.sendMessageAndHandleErr(chatID, msgServerError.Text(t.lang))
		return fmt.Errorf("failed to respond: %w", err)
	}
	if delivered {
		t.appendHistory(chatID, model.Message{
			Source: model.MessageSourceAssistant,
			Body:   content,
		})
	}
	return nil
}

// buildMessageContext snapshots the chat history into a context the pipeline
// (and later regenerations) can reuse.
func (t *TelegramUsecase) buildMessageContext(ctx context.Context, update api.Update, authorName string) *model.MessageContext {
	chatID := update.Message.Chat.ID

	t.mu.Lock()
	history, ok := t.histories[chatID]
	if !ok || time.Since(history.lastActive) > t.chatCfg.IdleTimeout {
		history = &chatHistory{}
		t.histories[chatID] = history
	}
	history.lastActive = time.Now()
	messages := make([]model.Message, len(history.messages), len(history.messages)+1)
	copy(messages, history.messages)
	t.mu.Unlock()

	messages = append(messages, model.Message{
		Source: model.MessageSourceUser,
		Author: authorName,
		Body:   update.Message.Text,
	})

	return &model.MessageContext{
		ID:               uuid.New(),
		ChatID:           chatID,
		AuthorID:         update.Message.From.ID,
		AuthorName:       authorName,
		TriggerMessageID: update.Message.MessageID,
		TriggerTime:      update.Message.Time(),
		Model:            t.baselineModel(ctx, chatID),
		ModelTemperature: t.chatCfg.ModelTemperature,
		CanReply:         true,
		Messages:         messages,
	}
}

func (t *TelegramUsecase) appendHistory(chatID int64, message model.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	history, ok := t.histories[chatID]
	if !ok {
		history = &chatHistory{}
		t.histories[chatID] = history
	}
	history.messages = append(history.messages, message)
	history.lastActive = time.Now()
}

// baselineModel is the configured default model when its endpoint works,
// otherwise the process-wide default.
func (t *TelegramUsecase) baselineModel(ctx context.Context, chatID int64) string {
	defaultConfig, ok, err := t.Endpoints.GetDefaultModel(ctx, chatID)
	if err != nil {
		logrus.WithError(err).Warn("failed to resolve default model")
	}
	if ok {
		return defaultConfig.Model
	}
	return t.chatCfg.DefaultModel
}

func (t *TelegramUsecase) handleCommand(ctx context.Context, update api.Update) error {
	chatID := update.Message.Chat.ID
	command := update.Message.Command()
	args := strings.Fields(update.Message.CommandArguments())

	switch command {
	case CommandStart:
		t.sendMessageAndHandleErr(chatID, msgCommandStart.Text(t.lang))
	case CommandHelp:
		t.sendMessageAndHandleErr(chatID, msgCommandHelp.Text(t.lang))
	case CommandModels:
		t.cmdModels(ctx, chatID)
	case CommandModelAdd:
		if !t.requireAdmin(update) {
			return nil
		}
		t.cmdModelAdd(ctx, chatID, args)
	case CommandModelRm:
		if !t.requireAdmin(update) {
			return nil
		}
		t.cmdModelRemove(ctx, chatID, args)
	case CommandModelDef:
		if !t.requireAdmin(update) {
			return nil
		}
		t.cmdModelDefault(ctx, chatID, args)
	case CommandRandom:
		if !t.requireAdmin(update) {
			return nil
		}
		t.cmdRandomModel(ctx, chatID, args)
	case CommandStats:
		t.cmdStats(ctx, chatID)
	case CommandCleanup:
		if !t.requireAdmin(update) {
			return nil
		}
		t.cmdRatingsCleanup(ctx, chatID, args)
	case CommandRemoveList:
		if !t.requireAdmin(update) {
			return nil
		}
		t.cmdRemoveList(ctx, chatID, update.Message.CommandArguments())
	case CommandWeights:
		if !t.requireAdmin(update) {
			return nil
		}
		t.cmdWeights(ctx, chatID, update.Message.CommandArguments())
	case CommandParameters:
		if !t.requireAdmin(update) {
			return nil
		}
		t.cmdParameters(ctx, chatID, update.Message.CommandArguments())
	default:
		t.sendMessageAndHandleErr(chatID, msgCommandUnknown.Text(t.lang))
	}
	return nil
}

func (t *TelegramUsecase) requireAdmin(update api.Update) bool {
	if update.Message.From == nil {
		return false
	}
	if _, ok := t.admins[update.Message.From.ID]; ok {
		return true
	}
	t.sendMessageAndHandleErr(update.Message.Chat.ID, msgNotAdmin.Text(t.lang))
	return false
}

func (t *TelegramUsecase) cmdModels(ctx context.Context, chatID int64) {
	configs, err := t.Storage.GetModelConfigs(ctx, chatID)
	if err != nil {
		logrus.WithError(err).Error("failed to list models")
		t.sendMessageAndHandleErr(chatID, msgServerError.Text(t.lang))
		return
	}
	if len(configs) == 0 {
		t.sendMessageAndHandleErr(chatID, msgNoModels.Text(t.lang))
		return
	}

	result := strings.Builder{}
	result.WriteString("Configured models:\n")
	for i, cfg := range configs {
		marker := ""
		if cfg.Default {
			marker = " ⭐ default"
		}
		result.WriteString(fmt.Sprintf("%d) %s — %s via %s%s\n", i+1, cfg.Name, cfg.Model, cfg.Endpoint, marker))
	}
	t.sendMessageAndHandleErr(chatID, result.String())
}

func (t *TelegramUsecase) cmdModelAdd(ctx context.Context, chatID int64, args []string) {
	if len(args) < 3 {
		t.sendMessageAndHandleErr(chatID, msgUsage.Format(t.lang, "/modeladd <name> <model> <endpoint> [default]"))
		return
	}
	name, modelID, endpoint := args[0], args[1], args[2]
	setDefault := len(args) > 3 && strings.EqualFold(args[3], "default")

	// names end up on keyboard buttons, keep them short
	if len(name) > maxModelNameLen {
		t.sendMessageAndHandleErr(chatID, msgNameTooLong.Format(t.lang, maxModelNameLen))
		return
	}
	if !model.IsKnownEndpoint(endpoint) {
		t.sendMessageAndHandleErr(chatID, msgBadEndpoint.Format(t.lang, strings.Join(model.KnownEndpoints, ", ")))
		return
	}

	configs, err := t.Storage.GetModelConfigs(ctx, chatID)
	if err != nil {
		logrus.WithError(err).Error("failed to get models")
		t.sendMessageAndHandleErr(chatID, msgServerError.Text(t.lang))
		return
	}
	if _, exists := configs.FindByName(name); exists {
		t.sendMessageAndHandleErr(chatID, msgModelExists.Format(t.lang, name))
		return
	}
	if setDefault {
		for i := range configs {
			configs[i].Default = false
		}
	}
	configs = append(configs, model.ModelConfig{
		Name:     name,
		Model:    modelID,
		Endpoint: endpoint,
		Default:  setDefault,
	})
	if err = t.Storage.SetModelConfigs(ctx, chatID, configs); err != nil {
		logrus.WithError(err).Error("failed to save models")
		t.sendMessageAndHandleErr(chatID, msgServerError.Text(t.lang))
		return
	}
	defaultText := ""
	if setDefault {
		defaultText = " (set as default)"
	}
	t.sendMessageAndHandleErr(chatID, msgModelAdded.Format(t.lang, name, defaultText))
}

func (t *TelegramUsecase) cmdModelRemove(ctx context.Context, chatID int64, args []string) {
	if len(args) < 1 {
		t.sendMessageAndHandleErr(chatID, msgUsage.Format(t.lang, "/modelremove <name>"))
		return
	}
	name := args[0]

	configs, err := t.Storage.GetModelConfigs(ctx, chatID)
	if err != nil {
		logrus.WithError(err).Error("failed to get models")
		t.sendMessageAndHandleErr(chatID, msgServerError.Text(t.lang))
		return
	}
	i, ok := configs.FindByName(name)
	if !ok {
		t.sendMessageAndHandleErr(chatID, msgModelNotFound.Format(t.lang, name))
		return
	}
	configs = append(configs[:i], configs[i+1:]...)
	if err = t.Storage.SetModelConfigs(ctx, chatID, configs); err != nil {
		logrus.WithError(err).Error("failed to save models")
		t.sendMessageAndHandleErr(chatID, msgServerError.Text(t.lang))
		return
	}
	t.sendMessageAndHandleErr(chatID, msgModelRemoved.Format(t.lang, name))
}

func (t *TelegramUsecase) cmdModelDefault(ctx context.Context, chatID int64, args []string) {
	if len(args) < 1 {
		t.sendMessageAndHandleErr(chatID, msgUsage.Format(t.lang, "/modeldefault <name>"))
		return
	}
	name := args[0]

	configs, err := t.Storage.GetModelConfigs(ctx, chatID)
	if err != nil {
		logrus.WithError(err).Error("failed to get models")
		t.sendMessageAndHandleErr(chatID, msgServerError.Text(t.lang))
		return
	}
	if !configs.SetDefault(name) {
		t.sendMessageAndHandleErr(chatID, msgModelNotFound.Format(t.lang, name))
		return
	}
	if err = t.Storage.SetModelConfigs(ctx, chatID, configs); err != nil {
		logrus.WithError(err).Error("failed to save models")
		t.sendMessageAndHandleErr(chatID, msgServerError.Text(t.lang))
		return
	}
	t.sendMessageAndHandleErr(chatID, msgModelDefaulted.Format(t.lang, name))
}

func (t *TelegramUsecase) cmdRandomModel(ctx context.Context, chatID int64, args []string) {
	if len(args) == 0 {
		enabled, err := t.Storage.GetRandomModelEnabled(ctx, chatID)
		if err != nil {
			logrus.WithError(err).Error("failed to read random-model flag")
			t.sendMessageAndHandleErr(chatID, msgServerError.Text(t.lang))
			return
		}
		t.sendMessageAndHandleErr(chatID, msgRandomStatus.Format(t.lang, onOff(enabled)))
		return
	}
	enabled := strings.EqualFold(args[0], "on")
	if err := t.Storage.SetRandomModelEnabled(ctx, chatID, enabled); err != nil {
		logrus.WithError(err).Error("failed to set random-model flag")
		t.sendMessageAndHandleErr(chatID, msgServerError.Text(t.lang))
		return
	}
	t.sendMessageAndHandleErr(chatID, msgRandomSet.Format(t.lang, onOff(enabled)))
}

func (t *TelegramUsecase) cmdStats(ctx context.Context, chatID int64) {
	overall := t.Rating.GetStats(ctx, chatID, "", "")

	result := strings.Builder{}
	result.WriteString("Response ratings\n")
	result.WriteString(fmt.Sprintf("Overall: 👍 %d  👎 %d  (total %d)\n", overall.Positive, overall.Negative, overall.Total))

	configs, err := t.Storage.GetModelConfigs(ctx, chatID)
	if err == nil {
		for _, cfg := range configs {
			stats := t.Rating.GetStats(ctx, chatID, cfg.Name, cfg.Endpoint)
			if stats.Total == 0 {
				continue
			}
			result.WriteString(fmt.Sprintf("%s: 👍 %d  👎 %d  (total %d)\n", cfg.Name, stats.Positive, stats.Negative, stats.Total))
		}
	}
	if enabled, err := t.Storage.GetRandomModelEnabled(ctx, chatID); err == nil {
		result.WriteString(fmt.Sprintf("Random model: %s", onOff(enabled)))
	}
	t.sendMessageAndHandleErr(chatID, result.String())
}

func (t *TelegramUsecase) cmdRatingsCleanup(ctx context.Context, chatID int64, args []string) {
	days := 30
	if len(args) > 0 {
		parsed, err := strconv.Atoi(args[0])
		if err != nil || parsed < 1 {
			t.sendMessageAndHandleErr(chatID, msgUsage.Format(t.lang, "/ratingscleanup [days]"))
			return
		}
		days = parsed
	}
	kept, removed, err := t.Rating.CleanupOlderThan(ctx, chatID, days)
	if err != nil {
		logrus.WithError(err).Error("failed to cleanup ratings")
		t.sendMessageAndHandleErr(chatID, msgServerError.Text(t.lang))
		return
	}
	t.sendMessageAndHandleErr(chatID, msgCleanupDone.Format(t.lang, days, removed, kept))
}

func (t *TelegramUsecase) cmdRemoveList(ctx context.Context, chatID int64, rawArgs string) {
	sub, rest, _ := strings.Cut(strings.TrimSpace(rawArgs), " ")
	rest = strings.TrimSpace(rest)

	switch sub {
	case "add":
		if rest == "" {
			t.sendMessageAndHandleErr(chatID, msgUsage.Format(t.lang, "/removelist add <pattern>"))
			return
		}
		t.cmdRemoveListAdd(ctx, chatID, rest)
	case "remove":
		number, err := strconv.Atoi(rest)
		if err != nil {
			t.sendMessageAndHandleErr(chatID, msgUsage.Format(t.lang, "/removelist remove <number>"))
			return
		}
		t.cmdRemoveListRemove(ctx, chatID, number)
	case "show":
		t.cmdRemoveListShow(ctx, chatID)
	case "reset":
		if err := t.Storage.SetRemoveListRegexes(ctx, chatID, DefaultRemovePatterns); err != nil {
			logrus.WithError(err).Error("failed to reset remove list")
			t.sendMessageAndHandleErr(chatID, msgServerError.Text(t.lang))
			return
		}
		t.sendMessageAndHandleErr(chatID, msgPatternsReset.Text(t.lang))
	default:
		t.sendMessageAndHandleErr(chatID, msgUsage.Format(t.lang, "/removelist add|remove|show|reset"))
	}
}

func (t *TelegramUsecase) cmdRemoveListAdd(ctx context.Context, chatID int64, pattern string) {
	if _, err := regexp2.Compile(pattern, regexp2.None); err != nil {
		t.sendMessageAndHandleErr(chatID, msgPatternInvalid.Text(t.lang))
		return
	}
	patterns, err := t.effectiveRemoveList(ctx, chatID)
	if err != nil {
		logrus.WithError(err).Error("failed to get remove list")
		t.sendMessageAndHandleErr(chatID, msgServerError.Text(t.lang))
		return
	}
	for _, existing := range patterns {
		if existing == pattern {
			t.sendMessageAndHandleErr(chatID, msgPatternExists.Format(t.lang, pattern))
			return
		}
	}
	patterns = append(patterns, pattern)
	if err = t.Storage.SetRemoveListRegexes(ctx, chatID, patterns); err != nil {
		logrus.WithError(err).Error("failed to save remove list")
		t.sendMessageAndHandleErr(chatID, msgServerError.Text(t.lang))
		return
	}
	t.sendMessageAndHandleErr(chatID, msgPatternAdded.Format(t.lang, pattern))
}

// effectiveRemoveList resolves what the sanitizer would actually apply: the
// stored list, or the defaults when the chat never configured one.
func (t *TelegramUsecase) effectiveRemoveList(ctx context.Context, chatID int64) ([]string, error) {
	patterns, err := t.Storage.GetRemoveListRegexes(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if patterns == nil {
		patterns = append([]string(nil), DefaultRemovePatterns...)
	}
	return patterns, nil
}

func (t *TelegramUsecase) cmdRemoveListRemove(ctx context.Context, chatID int64, number int) {
	patterns, err := t.effectiveRemoveList(ctx, chatID)
	if err != nil {
		logrus.WithError(err).Error("failed to get remove list")
		t.sendMessageAndHandleErr(chatID, msgServerError.Text(t.lang))
		return
	}
	if number < 1 || number > len(patterns) {
		t.sendMessageAndHandleErr(chatID, msgPatternBadIndex.Text(t.lang))
		return
	}
	removed := patterns[number-1]
	patterns = append(patterns[:number-1], patterns[number:]...)
	if err = t.Storage.SetRemoveListRegexes(ctx, chatID, patterns); err != nil {
		logrus.WithError(err).Error("failed to save remove list")
		t.sendMessageAndHandleErr(chatID, msgServerError.Text(t.lang))
		return
	}
	t.sendMessageAndHandleErr(chatID, msgPatternRemoved.Format(t.lang, removed))
}

func (t *TelegramUsecase) cmdRemoveListShow(ctx context.Context, chatID int64) {
	patterns, err := t.effectiveRemoveList(ctx, chatID)
	if err != nil {
		logrus.WithError(err).Error("failed to get remove list")
		t.sendMessageAndHandleErr(chatID, msgServerError.Text(t.lang))
		return
	}
	if len(patterns) == 0 {
		t.sendMessageAndHandleErr(chatID, msgPatternsEmpty.Text(t.lang))
		return
	}
	result := strings.Builder{}
	result.WriteString("Remove-list patterns:\n")
	for i, pattern := range patterns {
		result.WriteString(fmt.Sprintf("%d. %s\n", i+1, pattern))
	}
	for _, chunk := range splitMessage(result.String(), MessageCeiling) {
		t.sendMessageAndHandleErr(chatID, chunk)
	}
}

const (
	minTokenWeight = -100
	maxTokenWeight = 100
)

func (t *TelegramUsecase) cmdWeights(ctx context.Context, chatID int64, rawArgs string) {
	sub, rest, _ := strings.Cut(strings.TrimSpace(rawArgs), " ")
	rest = strings.TrimSpace(rest)

	switch sub {
	case "", "show", "list":
		t.cmdWeightsShow(ctx, chatID)
	case "add":
		fields := strings.Fields(rest)
		if len(fields) != 2 {
			t.sendMessageAndHandleErr(chatID, msgUsage.Format(t.lang, "/weights add <word> <weight>"))
			return
		}
		weight, err := strconv.Atoi(fields[1])
		if err != nil {
			t.sendMessageAndHandleErr(chatID, msgUsage.Format(t.lang, "/weights add <word> <weight>"))
			return
		}
		t.cmdWeightsAdd(ctx, chatID, fields[0], weight)
	case "remove":
		if rest == "" {
			t.sendMessageAndHandleErr(chatID, msgUsage.Format(t.lang, "/weights remove <word>"))
			return
		}
		t.cmdWeightsRemove(ctx, chatID, rest)
	default:
		t.sendMessageAndHandleErr(chatID, msgUsage.Format(t.lang, "/weights show|add <word> <weight>|remove <word>"))
	}
}

func (t *TelegramUsecase) cmdWeightsShow(ctx context.Context, chatID int64) {
	bias, err := t.Storage.GetLogitBias(ctx, chatID)
	if err != nil {
		logrus.WithError(err).Error("failed to get weights")
		t.sendMessageAndHandleErr(chatID, msgServerError.Text(t.lang))
		return
	}
	if len(bias) == 0 {
		t.sendMessageAndHandleErr(chatID, msgWeightsNone.Text(t.lang))
		return
	}
	enc, ok := t.encodingForChat(ctx, chatID)
	if !ok {
		return
	}

	// weights are stored per token id, collapse the casing variants back to
	// one readable word per weight
	weights := make(map[string]int, len(bias))
	for key, weight := range bias {
		tokenID, err := strconv.Atoi(key)
		if err != nil {
			continue
		}
		word := strings.ToLower(strings.TrimSpace(enc.Decode([]int{tokenID})))
		weights[word] = weight
	}
	words := make([]string, 0, len(weights))
	for word := range weights {
		words = append(words, word)
	}
	sort.Strings(words)

	result := strings.Builder{}
	result.WriteString("Weights used:\n")
	for _, word := range words {
		result.WriteString(fmt.Sprintf("%s: %d\n", word, weights[word]))
	}
	t.sendMessageAndHandleErr(chatID, result.String())
}

func (t *TelegramUsecase) cmdWeightsAdd(ctx context.Context, chatID int64, word string, weight int) {
	if weight < minTokenWeight || weight > maxTokenWeight {
		t.sendMessageAndHandleErr(chatID, msgWeightRange.Format(t.lang, minTokenWeight, maxTokenWeight))
		return
	}
	conflict, err := t.parametersContainLogitBias(ctx, chatID)
	if err != nil {
		logrus.WithError(err).Error("failed to check custom parameters")
		t.sendMessageAndHandleErr(chatID, msgServerError.Text(t.lang))
		return
	}
	if conflict {
		t.sendMessageAndHandleErr(chatID, msgWeightInParams.Text(t.lang))
		return
	}
	enc, ok := t.encodingForChat(ctx, chatID)
	if !ok {
		return
	}

	tokens := enc.Encode(word, nil, nil)
	if len(tokens) > 1 {
		pieces := make([]string, len(tokens))
		for i, tokenID := range tokens {
			pieces[i] = fmt.Sprintf("'%s'", enc.Decode([]int{tokenID}))
		}
		t.sendMessageAndHandleErr(chatID, msgWeightMultiToken.Format(t.lang, word, strings.Join(pieces, ", ")))
		return
	}

	bias, err := t.Storage.GetLogitBias(ctx, chatID)
	if err != nil {
		logrus.WithError(err).Error("failed to get weights")
		t.sendMessageAndHandleErr(chatID, msgServerError.Text(t.lang))
		return
	}
	if bias == nil {
		bias = make(map[string]int)
	}
	for _, tokenID := range wordTokenVariants(word, enc) {
		bias[strconv.Itoa(tokenID)] = weight
	}
	if err = t.Storage.SetLogitBias(ctx, chatID, bias); err != nil {
		logrus.WithError(err).Error("failed to save weights")
		t.sendMessageAndHandleErr(chatID, msgServerError.Text(t.lang))
		return
	}
	t.sendMessageAndHandleErr(chatID, msgWeightSaved.Format(t.lang, word, weight))
}

func (t *TelegramUsecase) cmdWeightsRemove(ctx context.Context, chatID int64, word string) {
	enc, ok := t.encodingForChat(ctx, chatID)
	if !ok {
		return
	}
	tokens := enc.Encode(word, nil, nil)
	if len(tokens) != 1 {
		t.sendMessageAndHandleErr(chatID, msgWeightNotFound.Format(t.lang, word))
		return
	}
	bias, err := t.Storage.GetLogitBias(ctx, chatID)
	if err != nil {
		logrus.WithError(err).Error("failed to get weights")
		t.sendMessageAndHandleErr(chatID, msgServerError.Text(t.lang))
		return
	}
	if _, found := bias[strconv.Itoa(tokens[0])]; !found {
		t.sendMessageAndHandleErr(chatID, msgWeightNotFound.Format(t.lang, word))
		return
	}
	for _, tokenID := range wordTokenVariants(word, enc) {
		delete(bias, strconv.Itoa(tokenID))
	}
	if err = t.Storage.SetLogitBias(ctx, chatID, bias); err != nil {
		logrus.WithError(err).Error("failed to save weights")
		t.sendMessageAndHandleErr(chatID, msgServerError.Text(t.lang))
		return
	}
	t.sendMessageAndHandleErr(chatID, msgWeightRemoved.Format(t.lang, word))
}

func (t *TelegramUsecase) cmdParameters(ctx context.Context, chatID int64, rawArgs string) {
	sub, rest, _ := strings.Cut(strings.TrimSpace(rawArgs), " ")
	rest = strings.TrimSpace(rest)

	switch sub {
	case "", "show", "list":
		raw, err := t.Storage.GetCustomParameters(ctx, chatID)
		if err != nil {
			logrus.WithError(err).Error("failed to get custom parameters")
			t.sendMessageAndHandleErr(chatID, msgServerError.Text(t.lang))
			return
		}
		if len(raw) == 0 {
			t.sendMessageAndHandleErr(chatID, msgParamsNone.Text(t.lang))
			return
		}
		t.sendMessageAndHandleErr(chatID, string(raw))
	case "reset", "clear":
		if err := t.Storage.SetCustomParameters(ctx, chatID, nil); err != nil {
			logrus.WithError(err).Error("failed to reset custom parameters")
			t.sendMessageAndHandleErr(chatID, msgServerError.Text(t.lang))
			return
		}
		t.sendMessageAndHandleErr(chatID, msgParamsReset.Text(t.lang))
	case "set":
		if rest == "" {
			t.sendMessageAndHandleErr(chatID, msgUsage.Format(t.lang, "/parameters set <json>"))
			return
		}
		t.cmdParametersSet(ctx, chatID, rest)
	default:
		t.sendMessageAndHandleErr(chatID, msgUsage.Format(t.lang, "/parameters show|set <json>|reset"))
	}
}

func (t *TelegramUsecase) cmdParametersSet(ctx context.Context, chatID int64, rawJSON string) {
	if err := validateCustomParameters([]byte(rawJSON)); err != nil {
		t.sendMessageAndHandleErr(chatID, msgParamsInvalid.Format(t.lang, err))
		return
	}
	if strings.Contains(rawJSON, "logit_bias") {
		bias, err := t.Storage.GetLogitBias(ctx, chatID)
		if err != nil {
			logrus.WithError(err).Error("failed to get weights")
			t.sendMessageAndHandleErr(chatID, msgServerError.Text(t.lang))
			return
		}
		if len(bias) > 0 {
			t.sendMessageAndHandleErr(chatID, msgParamsOverWeight.Text(t.lang))
			return
		}
	}
	if err := t.Storage.SetCustomParameters(ctx, chatID, json.RawMessage(rawJSON)); err != nil {
		logrus.WithError(err).Error("failed to save custom parameters")
		t.sendMessageAndHandleErr(chatID, msgServerError.Text(t.lang))
		return
	}
	t.sendMessageAndHandleErr(chatID, msgParamsSaved.Text(t.lang))
}

func (t *TelegramUsecase) parametersContainLogitBias(ctx context.Context, chatID int64) (bool, error) {
	raw, err := t.Storage.GetCustomParameters(ctx, chatID)
	if err != nil {
		return false, err
	}
	if len(raw) == 0 {
		return false, nil
	}
	var data map[string]json.RawMessage
	if err = json.Unmarshal(raw, &data); err != nil {
		return false, nil
	}
	_, found := data["logit_bias"]
	return found, nil
}

// encodingForChat resolves the tokenizer of the chat's baseline model, telling
// the chat when the model has none.
func (t *TelegramUsecase) encodingForChat(ctx context.Context, chatID int64) (*tiktoken.Tiktoken, bool) {
	modelID := t.baselineModel(ctx, chatID)
	enc, err := openai_tools.Encoding(modelID)
	if err != nil {
		t.sendMessageAndHandleErr(chatID, msgNoTokenizer.Format(t.lang, modelID))
		return nil, false
	}
	return enc, true
}

// wordTokenVariants collects every casing and leading-space form of the word
// that encodes to a single token, so the bias covers the word wherever it
// appears in a sentence.
func wordTokenVariants(word string, enc *tiktoken.Tiktoken) []int {
	forms := []string{word, strings.ToLower(word), strings.ToUpper(word), capitalizeWord(word)}
	seen := make(map[int]struct{})
	tokens := make([]int, 0, len(forms)*2)
	for _, form := range forms {
		for _, text := range []string{form, " " + form} {
			ids := enc.Encode(text, nil, nil)
			if len(ids) != 1 {
				continue
			}
			if _, dup := seen[ids[0]]; dup {
				continue
			}
			seen[ids[0]] = struct{}{}
			tokens = append(tokens, ids[0])
		}
	}
	return tokens
}

func capitalizeWord(word string) string {
	runes := []rune(strings.ToLower(word))
	if len(runes) == 0 {
		return word
	}
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}

func (t *TelegramUsecase) sendMessageAndHandleErr(chatID int64, message string) api.Message {
	msg, err := t.Bot.Send(api.NewMessage(chatID, message))
	if err != nil {
		logrus.WithError(err).Error("failed to send message")
	}
	return msg
}

func onOff(enabled bool) string {
	if enabled {
		return "enabled"
	}
	return "disabled"
}

func displayName(user *api.User) string {
	if user == nil {
		return ""
	}
	name := strings.TrimSpace(user.FirstName + " " + user.LastName)
	if name != "" {
		return name
	}
	return user.UserName
}
