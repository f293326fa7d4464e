package usecase

import (
	"context"
	"html"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	api "github.com/OvyFlash/telegram-bot-api"
	"github.com/bzcogs/aiuser-telegram-bot/config"
	"github.com/bzcogs/aiuser-telegram-bot/internal/model"
	in_memory "github.com/bzcogs/aiuser-telegram-bot/internal/storage/in-memory"
	"github.com/stretchr/testify/require"
)

func newChatResponseFixture(t *testing.T, answer string) (*ChatResponseUsecase, *fakeBot, *in_memory.ChatConfigStorage) {
	t.Helper()
	server := completionServer(t, answer)
	storage := in_memory.NewChatConfigStorage()

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
	channelLog := NewChannelLog()
	bot := &fakeBot{}

	regen := NewRegenerationUsecase(
		time.Minute, RegenerationUsecaseDeps{
			Bot:        bot,
			Endpoints:  endpoints,
			Sanitizer:  sanitizer,
			Pipeline:   pipeline,
			Tracker:    tracker,
			ChannelLog: channelLog,
			Storage:    storage,
		},
	)
	chatResponse := NewChatResponseUsecase(
		ChatResponseUsecaseDeps{
			Bot:          bot,
			Endpoints:    endpoints,
			Sanitizer:    sanitizer,
			Pipeline:     pipeline,
			Regeneration: regen,
			ChannelLog:   channelLog,
			Storage:      storage,
		},
	)
	return chatResponse, bot, storage
}

func TestChatResponse_DeliversCleanedText(t *testing.T) {
	c, bot, _ := newChatResponseFixture(t, "a helpful answer")

	delivered, content, err := c.Respond(context.Background(), testMessageContext())
	require.NoError(t, err)
	require.True(t, delivered)
	require.Equal(t, "a helpful answer", content)
	require.NotEmpty(t, bot.sent)
}

func TestChatResponse_EmptyCompletionNotDelivered(t *testing.T) {
	c, bot, _ := newChatResponseFixture(t, "")

	delivered, content, err := c.Respond(context.Background(), testMessageContext())
	require.NoError(t, err)
	require.False(t, delivered)
	require.Empty(t, content)
	require.Empty(t, bot.sent)
}

func TestChatResponse_FullyFilteredDeletesPartial(t *testing.T) {
	c, bot, storage := newChatResponseFixture(t, "totally unwanted")
	ctx := context.Background()
	require.NoError(t, storage.SetRemoveListRegexes(ctx, 1, []string{".+"}))

	delivered, content, err := c.Respond(ctx, testMessageContext())
	require.NoError(t, err)
	require.False(t, delivered)
	require.Empty(t, content)

	// the streamed partial goes out and is deleted once cleaning empties it
	deletes := 0
	for _, r := range bot.requests {
		if _, ok := r.(api.DeleteMessageConfig); ok {
			deletes++
		}
	}
	require.Equal(t, 1, deletes)
}

func TestChatResponse_RandomModeUsesConfiguredModel(t *testing.T) {
	c, bot, storage := newChatResponseFixture(t, "random answer")
	ctx := context.Background()
	require.NoError(t, storage.SetModelConfigs(ctx, 1, model.ModelConfigList{
		{Name: "only", Model: "gpt-4.1", Endpoint: model.EndpointOpenAI},
	}))
	require.NoError(t, storage.SetRandomModelEnabled(ctx, 1, true))

	delivered, content, err := c.Respond(ctx, testMessageContext())
	require.NoError(t, err)
	require.True(t, delivered)
	require.Equal(t, "random answer", content)
	require.NotEmpty(t, bot.sent)
}

func TestSplitMessage_KeepsRunesIntact(t *testing.T) {
	// emoji straddling the chunk boundary must not be cut mid-rune
	text := strings.Repeat("a", MessageCeiling-1) + "🙂🙂🙂"
	chunks := splitMessage(text, MessageCeiling)
	require.Greater(t, len(chunks), 1)
	for _, chunk := range chunks {
		require.True(t, utf8.ValidString(chunk))
		require.LessOrEqual(t, len(chunk), MessageCeiling)
	}
	require.Equal(t, text, strings.Join(chunks, ""))

	for _, chunk := range splitMessage(strings.Repeat("🙂", 3000), MessageCeiling) {
		require.True(t, utf8.ValidString(chunk))
	}
}

func TestTruncateUTF8(t *testing.T) {
	require.Equal(t, "abc", truncateUTF8("abc", 10))
	require.Equal(t, "ab", truncateUTF8("abc", 2))
	require.Equal(t, "a", truncateUTF8("a🙂", 3))
	require.Equal(t, "🙂", truncateUTF8("🙂🙂", 7))
}

func TestAttributedBody_FitsCeilingWithoutSplittingEntities(t *testing.T) {
	footer := "\n\n<i>Generated by smart via openai</i>"

	require.Equal(t, html.EscapeString("a <b> & c"), attributedBody("a <b> & c", footer))

	long := strings.Repeat("a & 🙂", 1500)
	body := attributedBody(long, footer)
	require.True(t, utf8.ValidString(body))
	require.LessOrEqual(t, len(body)+len(footer), MessageCeiling)
	require.True(t, strings.HasSuffix(body, "..."))

	// a bisected escape entity would not unescape back to a prefix of the input
	unescaped := html.UnescapeString(strings.TrimSuffix(body, "..."))
	require.True(t, strings.HasPrefix(long, unescaped))
}
