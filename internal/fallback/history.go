package fallback

import (
	"log/slog"
	"sync"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/tiktoken-go/tokenizer"
)

var (
	codecOnce sync.Once
	codec     tokenizer.Codec
)

// CountTokens returns the cl100k token count of s. If the encoding cannot
// be loaded it estimates four characters per token.
func CountTokens(s string) int {
	codecOnce.Do(func() {
		c, err := tokenizer.Get(tokenizer.Cl100kBase)
		if err != nil {
			slog.Warn("fallback: tokenizer unavailable, estimating token counts", "error", err)
			return
		}
		codec = c
	})
	if codec == nil {
		return (len(s) + 3) / 4
	}
	ids, _, err := codec.Encode(s)
	if err != nil {
		return (len(s) + 3) / 4
	}
	return len(ids)
}

// TrimHistory keeps the most recent turns whose combined size fits in
// maxTokens. Order is preserved. A non-positive budget keeps everything.
func TrimHistory(turns []models.ConversationTurn, maxTokens int, count func(string) int) []models.ConversationTurn {
	if maxTokens <= 0 || len(turns) == 0 {
		return turns
	}
	if count == nil {
		count = CountTokens
	}
	used := 0
	start := len(turns)
	for i := len(turns) - 1; i >= 0; i-- {
		n := count(turns[i].Content)
		if used+n > maxTokens {
			break
		}
		used += n
		start = i
	}
	return turns[start:]
}
