package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// serperSearch calls Serper's Google-search API, following the same
// marshal-POST-decode shape the LLM provider adapters use
// (pkg/providers/llm/openai.go and friends).
func serperSearch(ctx context.Context, client *http.Client, apiKey, query string) (string, error) {
	payload := map[string]interface{}{"q": query}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", "https://google.serper.dev/search", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("X-API-KEY", apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errResp interface{}
		json.NewDecoder(resp.Body).Decode(&errResp)
		return "", fmt.Errorf("web_search error (status %d): %v", resp.StatusCode, errResp)
	}

	var result struct {
		Organic []struct {
			Title   string `json:"title"`
			Link    string `json:"link"`
			Snippet string `json:"snippet"`
		} `json:"organic"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}

	if len(result.Organic) == 0 {
		return "no results found", nil
	}

	var sb strings.Builder
	max := len(result.Organic)
	if max > 3 {
		max = 3
	}
	for i := 0; i < max; i++ {
		r := result.Organic[i]
		fmt.Fprintf(&sb, "%d. %s — %s (%s)\n", i+1, r.Title, r.Snippet, r.Link)
	}
	return strings.TrimSpace(sb.String()), nil
}
