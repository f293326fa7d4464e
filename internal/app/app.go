package app

import (
	"fmt"

	api "github.com/OvyFlash/telegram-bot-api"
	"github.com/bzcogs/aiuser-telegram-bot/config"
	"github.com/bzcogs/aiuser-telegram-bot/internal/jobs"
	key_value "github.com/bzcogs/aiuser-telegram-bot/internal/storage/key-value"
	"github.com/bzcogs/aiuser-telegram-bot/internal/usecase"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

func Run(cfg *config.Config) error {
	bot, err := api.NewBotAPI(cfg.Telegram.TelegramAPIToken)
	if err != nil {
		return fmt.Errorf("failed to create new bot: %w", err)
	}
	logrus.WithField("account", bot.Self.UserName).Info("authorized")

	rdb := redis.NewClient(
		&redis.Options{
			Addr: cfg.Redis.Endpoint,
		},
	)

	chatConfigStorage := key_value.NewChatConfigStorage(rdb)

	endpointUsecase := usecase.NewEndpointUsecase(
		cfg.Endpoints, usecase.EndpointUsecaseDeps{
			Storage: chatConfigStorage,
		},
	)
	defer endpointUsecase.CloseAll()

	ratingUsecase := usecase.NewRatingUsecase(
		usecase.RatingUsecaseDeps{
			Storage: chatConfigStorage,
		},
	)

	trackerUsecase := usecase.NewTrackerUsecase(
		bot.Self.ID, cfg.Response.ReactionWindow, usecase.TrackerUsecaseDeps{
			Rating: ratingUsecase,
		},
	)

	sanitizerUsecase := usecase.NewSanitizerUsecase(
		bot.Self.UserName, cfg.Response.RegexTimeout, usecase.SanitizerUsecaseDeps{
			Storage: chatConfigStorage,
		},
	)

	pipelineUsecase := usecase.NewPipelineUsecase(cfg.Chat, chatConfigStorage)

	channelLog := usecase.NewChannelLog()

	regenerationUsecase := usecase.NewRegenerationUsecase(
		cfg.Response.ControlTimeout, usecase.RegenerationUsecaseDeps{
			Bot:        bot,
			Endpoints:  endpointUsecase,
			Sanitizer:  sanitizerUsecase,
			Pipeline:   pipelineUsecase,
			Tracker:    trackerUsecase,
			ChannelLog: channelLog,
			Storage:    chatConfigStorage,
		},
	)

	chatResponseUsecase := usecase.NewChatResponseUsecase(
		usecase.ChatResponseUsecaseDeps{
			Bot:          bot,
			Endpoints:    endpointUsecase,
			Sanitizer:    sanitizerUsecase,
			Pipeline:     pipelineUsecase,
			Regeneration: regenerationUsecase,
			ChannelLog:   channelLog,
			Storage:      chatConfigStorage,
		},
	)

	cleanupJob, err := jobs.NewRatingsCleanupJob(ratingUsecase, cfg.Response.RatingRetentionDays)
	if err != nil {
		return fmt.Errorf("failed to create cleanup job: %w", err)
	}
	if err = cleanupJob.Start(); err != nil {
		return fmt.Errorf("failed to start cleanup job: %w", err)
	}
	defer func() {
		if err := cleanupJob.Stop(); err != nil {
			logrus.WithError(err).Warn("failed to stop cleanup job")
		}
	}()

	telegramUsecase, err := usecase.NewTelegramUsecase(
		cfg.Telegram, cfg.Chat, usecase.TelegramUsecaseDeps{
			Bot:          bot,
			ChatResponse: chatResponseUsecase,
			Regeneration: regenerationUsecase,
			Endpoints:    endpointUsecase,
			Tracker:      trackerUsecase,
			Rating:       ratingUsecase,
			ChannelLog:   channelLog,
			Storage:      chatConfigStorage,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to create telegram usecase: %w", err)
	}

	return telegramUsecase.Run()
}
