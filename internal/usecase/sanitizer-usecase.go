package usecase

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dlclark/regexp2"
	"github.com/sirupsen/logrus"
)

const (
	botNamePlaceholder    = "{botname}"
	authorNamePlaceholder = "{authorname}"
)

// DefaultRemovePatterns is the remove-list a chat gets on reset.
var DefaultRemovePatterns = []string{
	"^As an AI( language model| assistant)?,?",
	"^" + botNamePlaceholder + ":",
	"^" + authorNamePlaceholder + ":",
	`\[Image[^\]]*\]`,
}

type RemoveListStorage interface {
	GetRemoveListRegexes(ctx context.Context, chatID int64) ([]string, error)
}

type SanitizerUsecaseDeps struct {
	Storage RemoveListStorage
}

// SanitizerUsecase strips chat-configured regex patterns out of raw model
// output. Every pattern application runs under a hard timeout so one
// pathological pattern cannot stall the bot.
type SanitizerUsecase struct {
	SanitizerUsecaseDeps
	botName      string
	regexTimeout time.Duration
}

func NewSanitizerUsecase(botName string, regexTimeout time.Duration, deps SanitizerUsecaseDeps) *SanitizerUsecase {
	return &SanitizerUsecase{
		SanitizerUsecaseDeps: deps,
		botName:              botName,
		regexTimeout:         regexTimeout,
	}
}

// Clean applies the chat's remove-list to raw text. Patterns containing the
// author placeholder are expanded once per recent author. A pattern that fails
// to compile or times out is logged and skipped; the pass continues with the
// text as it stood before that pattern. An empty result is a valid outcome the
// caller must check for.
func (s *SanitizerUsecase) Clean(ctx context.Context, raw string, chatID int64, recentAuthors []string) (string, error) {
	patterns, err := s.Storage.GetRemoveListRegexes(ctx, chatID)
	if err != nil {
		return "", fmt.Errorf("failed to get remove list: %w", err)
	}
	if patterns == nil {
		patterns = DefaultRemovePatterns
	}

	expanded := make([]string, 0, len(patterns))
	for _, pattern := range patterns {
		pattern = strings.ReplaceAll(pattern, botNamePlaceholder, s.botName)
		if strings.Contains(pattern, authorNamePlaceholder) {
			for _, author := range recentAuthors {
				expanded = append(expanded, strings.ReplaceAll(pattern, authorNamePlaceholder, author))
			}
		} else {
			expanded = append(expanded, pattern)
		}
	}

	cleaned := strings.Trim(raw, " \n")
	for _, pattern := range expanded {
		next, err := s.compileAndApply(pattern, cleaned)
		if err != nil {
			logrus.WithField("pattern", pattern).WithError(err).Warn("skipping remove-list pattern")
			continue
		}
		cleaned = next
	}
	return cleaned, nil
}

func (s *SanitizerUsecase) compileAndApply(pattern, text string) (string, error) {
	re, err := regexp2.Compile(pattern, regexp2.None)
	if err != nil {
		return "", fmt.Errorf("failed to compile pattern: %w", err)
	}
	re.MatchTimeout = s.regexTimeout
	replaced, err := re.Replace(text, "", -1, -1)
	if err != nil {
		// regexp2 reports the timeout here; partial work is discarded
		return "", fmt.Errorf("failed to apply pattern: %w", err)
	}
	return strings.Trim(replaced, " \n"), nil
}
