package jobs

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode"
)

// Built-in job types.
const (
	TypeEcho      = "echo"
	TypeTranslate = "translate"
	TypeSummarize = "summarize"
	TypeHash      = "hash"
)

// Builtins returns a fresh map of the built-in handlers.
func Builtins() map[string]Handler {
	return map[string]Handler{
		TypeEcho:      echo,
		TypeTranslate: translate,
		TypeSummarize: summarize,
		TypeHash:      hash,
	}
}

func echo(input any) (map[string]any, error) {
	return map[string]any{"output": input}, nil
}

// translate produces a deterministic pseudo-translation: words are reversed
// letter by letter and tagged with the target language.
func translate(input any) (map[string]any, error) {
	text, err := textOf(input)
	if err != nil {
		return nil, err
	}
	lang := "es"
	if m, ok := input.(map[string]any); ok {
		if l, ok := m["target_lang"].(string); ok && l != "" {
			lang = l
		}
	}

	words := strings.Fields(text)
	for i, w := range words {
		r := []rune(w)
		for a, b := 0, len(r)-1; a < b; a, b = a+1, b-1 {
			r[a], r[b] = r[b], r[a]
		}
		words[i] = string(r)
	}
	return map[string]any{
		"text":        text,
		"target_lang": lang,
		"translated":  fmt.Sprintf("[%s] %s", lang, strings.Join(words, " ")),
	}, nil
}

func summarize(input any) (map[string]any, error) {
	text, err := textOf(input)
	if err != nil {
		return nil, err
	}
	summary := strings.TrimSpace(text)
	if i := strings.IndexAny(summary, ".!?"); i >= 0 {
		summary = summary[:i+1]
	}
	words := strings.FieldsFunc(text, func(r rune) bool {
		return unicode.IsSpace(r)
	})
	return map[string]any{
		"summary":    summary,
		"word_count": int64(len(words)),
	}, nil
}

func hash(input any) (map[string]any, error) {
	text, err := textOf(input)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256([]byte(text))
	return map[string]any{
		"algorithm": "sha256",
		"digest":    hex.EncodeToString(sum[:]),
	}, nil
}

// textOf accepts a bare string or an object with a "text" field.
func textOf(input any) (string, error) {
	switch v := input.(type) {
	case string:
		return v, nil
	case map[string]any:
		if s, ok := v["text"].(string); ok {
			return s, nil
		}
		return "", fmt.Errorf("input object has no text field")
	default:
		return "", fmt.Errorf("input must be a string or an object with a text field, got %T", input)
	}
}
