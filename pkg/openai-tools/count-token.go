package openai_tools

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
	"github.com/sashabaranov/go-openai"
)

const (
	fallbackEncoding = "cl100k_base"
	// per-message framing overhead of the chat format
	tokensPerMessage = 4
	tokensPerReply   = 3
)

// Encoding returns the tokenizer for the model. Unlike CountToken there is no
// fallback: token weights are only meaningful against the model's own ids.
func Encoding(model string) (*tiktoken.Tiktoken, error) {
	tkm, err := tiktoken.EncodingForModel(model)
	if err != nil {
		return nil, fmt.Errorf("no encoding for model %s: %w", model, err)
	}
	return tkm, nil
}

// CountToken estimates the prompt token count of a chat history for the given
// model. Unknown models fall back to the cl100k_base encoding.
func CountToken(messages []openai.ChatCompletionMessage, model string) (int, error) {
	tkm, err := tiktoken.EncodingForModel(model)
	if err != nil {
		tkm, err = tiktoken.GetEncoding(fallbackEncoding)
		if err != nil {
			return 0, fmt.Errorf("failed to get encoding: %w", err)
		}
	}

	count := tokensPerReply
	for _, message := range messages {
		count += tokensPerMessage
		count += len(tkm.Encode(message.Content, nil, nil))
		count += len(tkm.Encode(message.Role, nil, nil))
	}
	return count, nil
}
