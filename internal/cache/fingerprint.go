package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/tbourn/go-llm-chat/internal/domain"
)

// keyParams is the normalized parameter block. Stream is always false so a
// streamed completion and a non-streamed one share a slot.
type keyParams struct {
	Temperature string `json:"temperature"`
	MaxTokens   int    `json:"max_tokens"`
	TopP        string `json:"top_p"`
	Stream      bool   `json:"stream"`
}

type fullKey struct {
	Endpoint string               `json:"endpoint"`
	Messages []domain.ChatMessage `json:"messages"`
	Params   keyParams            `json:"params"`
}

type simpleKey struct {
	Endpoint string    `json:"endpoint"`
	Message  string    `json:"message"`
	Params   keyParams `json:"params"`
}

// normalize trims and lower-cases s. A Caser is stateful, so one is built per call.
func normalize(s string) string {
	return cases.Lower(language.Und).String(strings.TrimSpace(s))
}

func normalizeParams(p domain.GenerationParams) keyParams {
	return keyParams{
		Temperature: strconv.FormatFloat(p.Temperature, 'f', 2, 64),
		MaxTokens:   p.MaxTokens,
		TopP:        strconv.FormatFloat(p.TopP, 'f', 2, 64),
		Stream:      false,
	}
}

// Fingerprint derives the cache key for a full conversation. It depends only on
// the endpoint, the ordered role/content pairs (trimmed, lower-cased, empty
// contents dropped) and the normalized parameters.
func Fingerprint(endpoint string, msgs []domain.ChatMessage, p domain.GenerationParams) (string, error) {
	norm := make([]domain.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		c := normalize(m.Content)
		if c == "" {
			continue
		}
		norm = append(norm, domain.ChatMessage{Role: m.Role, Content: c})
	}
	return hashKey("cache_", fullKey{
		Endpoint: normalize(endpoint),
		Messages: norm,
		Params:   normalizeParams(p),
	})
}

// SimpleFingerprint derives the key used by the last-user-message lookup.
func SimpleFingerprint(endpoint, lastMessage string, p domain.GenerationParams) (string, error) {
	return hashKey("simple_", simpleKey{
		Endpoint: normalize(endpoint),
		Message:  normalize(lastMessage),
		Params:   normalizeParams(p),
	})
}

func hashKey(prefix string, v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return prefix + hex.EncodeToString(sum[:]), nil
}
