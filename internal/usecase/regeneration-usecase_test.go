package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	api "github.com/OvyFlash/telegram-bot-api"
	"github.com/bzcogs/aiuser-telegram-bot/config"
	"github.com/bzcogs/aiuser-telegram-bot/internal/model"
	in_memory "github.com/bzcogs/aiuser-telegram-bot/internal/storage/in-memory"
	"github.com/bzcogs/aiuser-telegram-bot/pkg/local"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// fakeBot records every outgoing call without talking to Telegram.
type fakeBot struct {
	mu       sync.Mutex
	sent     []api.Chattable
	requests []api.Chattable
}

func (f *fakeBot) Send(c api.Chattable) (api.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, c)
	return api.Message{}, nil
}

func (f *fakeBot) Request(c api.Chattable) (*api.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, c)
	return &api.APIResponse{Ok: true}, nil
}

func (f *fakeBot) callbackAnswers() []api.CallbackConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	answers := make([]api.CallbackConfig, 0)
	for _, c := range f.requests {
		if cb, ok := c.(api.CallbackConfig); ok {
			answers = append(answers, cb)
		}
	}
	return answers
}

// completionServer streams a fixed completion for every request.
func completionServer(t *testing.T, answer string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		chunk, err := json.Marshal(map[string]any{
			"choices": []map[string]any{{"delta": map[string]any{"content": answer}}},
		})
		require.NoError(t, err)
		fmt.Fprintf(w, "data: %s\n\n", chunk)
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(server.Close)
	return server
}

type regenFixture struct {
	regen   *RegenerationUsecase
	tracker *TrackerUsecase
	bot     *fakeBot
	storage *in_memory.ChatConfigStorage
}

func newRegenFixture(t *testing.T, answer string, configs model.ModelConfigList) *regenFixture {
	t.Helper()
	server := completionServer(t, answer)
	storage := in_memory.NewChatConfigStorage()
	require.NoError(t, storage.SetModelConfigs(context.Background(), 1, configs))

	endpoints := NewEndpointUsecase(
		config.Endpoints{
			OpenAIAPIKey:   "sk-test",
			OpenAIBaseURL:  server.URL,
			RequestTimeout: 5 * time.Second,
		}, EndpointUsecaseDeps{Storage: storage},
	)
	rating := NewRatingUsecase(RatingUsecaseDeps{Storage: storage})
	tracker := NewTrackerUsecase(testBotID, time.Hour, TrackerUsecaseDeps{Rating: rating})
	sanitizer := NewSanitizerUsecase("helperbot", time.Second, SanitizerUsecaseDeps{Storage: storage})
	pipeline := NewPipelineUsecase(config.Chat{HistoryTokenLimit: 3500}, storage)
	bot := &fakeBot{}

	regen := NewRegenerationUsecase(
		time.Minute, RegenerationUsecaseDeps{
			Bot:        bot,
			Endpoints:  endpoints,
			Sanitizer:  sanitizer,
			Pipeline:   pipeline,
			Tracker:    tracker,
			ChannelLog: NewChannelLog(),
			Storage:    storage,
		},
	)
	return &regenFixture{regen: regen, tracker: tracker, bot: bot, storage: storage}
}

func testMessageContext() *model.MessageContext {
	return &model.MessageContext{
		ID:     uuid.New(),
		ChatID: 1,
		Model:  "gpt-4.1-mini",
		Messages: []model.Message{
			{Source: model.MessageSourceUser, Author: "alice", Body: "hi"},
		},
	}
}

// callbackQuery builds the update payload the way Telegram delivers it.
func callbackQuery(t *testing.T, data string, messageID int) *api.CallbackQuery {
	t.Helper()
	payload := fmt.Sprintf(
		`{"id":"cq1","data":%q,"message":{"message_id":%d,"chat":{"id":1,"type":"group"}}}`,
		data, messageID,
	)
	var cq api.CallbackQuery
	require.NoError(t, json.Unmarshal([]byte(payload), &cq))
	return &cq
}

func TestRegeneration_AttachTracksMessage(t *testing.T) {
	f := newRegenFixture(t, "whatever", model.ModelConfigList{
		{Name: "fast", Model: "gpt-4.1-mini", Endpoint: model.EndpointOpenAI},
	})

	f.regen.Attach(context.Background(), testMessageContext(), 55, "original response", nil)

	require.True(t, f.tracker.IsTracked(1, 55))
	require.NotEmpty(t, f.bot.sent, "idle control should be attached")
}

func TestRegeneration_AttachWithoutConfigsSkipsControl(t *testing.T) {
	f := newRegenFixture(t, "whatever", nil)

	f.regen.Attach(context.Background(), testMessageContext(), 55, "original response", nil)

	require.True(t, f.tracker.IsTracked(1, 55), "reaction tracking works without configs")
	require.Empty(t, f.bot.sent, "no control without configured models")
}

func TestRegeneration_UnknownCallbackDataIgnored(t *testing.T) {
	f := newRegenFixture(t, "whatever", nil)
	handled := f.regen.HandleCallback(context.Background(), callbackQuery(t, "something:else", 55))
	require.False(t, handled)
}

func TestRegeneration_StaleControlAnswersExpired(t *testing.T) {
	f := newRegenFixture(t, "whatever", nil)

	handled := f.regen.HandleCallback(context.Background(), callbackQuery(t, "rg:55", 55))

	require.True(t, handled)
	answers := f.bot.callbackAnswers()
	require.Len(t, answers, 1)
	require.Equal(t, noticeControlExpired.Text(local.Eng), answers[0].Text)
}

func TestRegeneration_CallbackDataWithoutMessageIDAnswersExpired(t *testing.T) {
	f := newRegenFixture(t, "whatever", nil)

	handled := f.regen.HandleCallback(context.Background(), callbackQuery(t, "rg", 55))

	require.True(t, handled)
	answers := f.bot.callbackAnswers()
	require.Len(t, answers, 1)
	require.Equal(t, noticeControlExpired.Text(local.Eng), answers[0].Text)
}

func TestWithAttribution_TruncatesOnRuneBoundary(t *testing.T) {
	require.Equal(t, "fine\n\n— smart", withAttribution("fine", "smart"))

	long := strings.Repeat("🙂", MessageCeiling)
	content := withAttribution(long, "smart")
	require.True(t, utf8.ValidString(content))
	require.LessOrEqual(t, len(content), MessageCeiling)
	require.True(t, strings.HasSuffix(content, "...\n\n— smart"))
}

func TestRegeneration_SingleAlternativeRegeneratesDirectly(t *testing.T) {
	f := newRegenFixture(t, "a better answer", model.ModelConfigList{
		{Name: "smart", Model: "gpt-4.1", Endpoint: model.EndpointOpenAI},
	})
	ctx := context.Background()
	msgCtx := testMessageContext()

	f.regen.Attach(ctx, msgCtx, 55, "original response", nil)
	handled := f.regen.HandleCallback(ctx, callbackQuery(t, "rg:55", 55))
	require.True(t, handled)

	answers := f.bot.callbackAnswers()
	require.NotEmpty(t, answers)
	require.Equal(t, noticeRegenerated.Format(local.Eng, "smart"), answers[len(answers)-1].Text)

	// context model is untouched, the new model travels only via the rebind
	require.Equal(t, "gpt-4.1-mini", msgCtx.Model)

	// the edited message carries the attribution suffix
	var edited *api.EditMessageTextConfig
	for _, c := range f.bot.sent {
		if e, ok := c.(api.EditMessageTextConfig); ok {
			edited = &e
		}
	}
	require.NotNil(t, edited)
	require.Equal(t, "a better answer\n\n— smart", edited.Text)
}

func TestRegeneration_SelectionRenderedForMultipleModels(t *testing.T) {
	f := newRegenFixture(t, "whatever", model.ModelConfigList{
		{Name: "fast", Model: "gpt-4.1-mini", Endpoint: model.EndpointOpenAI, Default: true},
		{Name: "smart", Model: "gpt-4.1", Endpoint: model.EndpointOpenAI},
	})
	ctx := context.Background()

	f.regen.Attach(ctx, testMessageContext(), 55, "original response", nil)
	f.bot.sent = nil
	handled := f.regen.HandleCallback(ctx, callbackQuery(t, "rg:55", 55))
	require.True(t, handled)

	require.Len(t, f.bot.sent, 1)
	edit, ok := f.bot.sent[0].(api.EditMessageReplyMarkupConfig)
	require.True(t, ok)
	// one row per model plus the cancel row
	require.Len(t, edit.ReplyMarkup.InlineKeyboard, 3)
}

func TestRegeneration_PickRegeneratesWithChosenModel(t *testing.T) {
	f := newRegenFixture(t, "picked answer", model.ModelConfigList{
		{Name: "fast", Model: "gpt-4.1-mini", Endpoint: model.EndpointOpenAI},
		{Name: "smart", Model: "gpt-4.1", Endpoint: model.EndpointOpenAI},
	})
	ctx := context.Background()

	f.regen.Attach(ctx, testMessageContext(), 55, "original response", nil)
	f.regen.HandleCallback(ctx, callbackQuery(t, "rg:55", 55))
	handled := f.regen.HandleCallback(ctx, callbackQuery(t, "rp:55:smart", 55))
	require.True(t, handled)

	answers := f.bot.callbackAnswers()
	require.NotEmpty(t, answers)
	require.Equal(t, noticeRegenerated.Format(local.Eng, "smart"), answers[len(answers)-1].Text)
}

func TestRegeneration_UnavailableEndpointsAnswerNoAlternatives(t *testing.T) {
	// configured model sits on an endpoint with no credentials
	f := newRegenFixture(t, "whatever", model.ModelConfigList{
		{Name: "free", Model: "llama-3-8b", Endpoint: model.EndpointOpenRouter},
	})
	ctx := context.Background()

	f.regen.Attach(ctx, testMessageContext(), 55, "original response", nil)
	handled := f.regen.HandleCallback(ctx, callbackQuery(t, "rg:55", 55))
	require.True(t, handled)

	answers := f.bot.callbackAnswers()
	require.Len(t, answers, 1)
	require.Equal(t, noticeNoAlternatives.Text(local.Eng), answers[0].Text)
}
