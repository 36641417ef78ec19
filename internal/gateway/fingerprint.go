package gateway

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
)

// fingerprintInput is every request field that changes the completion.
type fingerprintInput struct {
	Provider    string `json:"provider"`
	Model       string `json:"model"`
	Prompt      string `json:"prompt"`
	System      string `json:"system"`
	Temperature string `json:"temperature"`
	MaxTokens   int    `json:"max_tokens"`
}

// Fingerprint returns the hex sha256 of the normalized generation inputs.
// Prompts that differ only in surrounding or repeated whitespace share a
// fingerprint; every other parameter is compared exactly.
func Fingerprint(provider, model, prompt, system string, temperature float64, maxTokens int) string {
	in := fingerprintInput{
		Provider:    provider,
		Model:       model,
		Prompt:      normalizePrompt(prompt),
		System:      normalizePrompt(system),
		Temperature: strconv.FormatFloat(temperature, 'g', -1, 64),
		MaxTokens:   maxTokens,
	}
	// Marshal of a struct of strings and ints cannot fail.
	b, _ := json.Marshal(in)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func normalizePrompt(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
