package toolproxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	loom "github.com/nevindra/loom"
)

// listedTool is one row of the proxy's flattened tool listing.
type listedTool struct {
	Server      string          `json:"server"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

type listResponse struct {
	Tools []listedTool `json:"tools"`
}

type inventoryEntry struct {
	tools   []loom.Tool
	fetched time.Time
	expires time.Time
}

// ListTools implements loom.ToolSource. The proxy filters the listing
// by the caller's groups, so the cache is keyed per user. When a
// refresh fails and a previous listing exists, the stale copy is served
// rather than stripping the model of every tool mid-session.
func (c *Client) ListTools(ctx context.Context, user loom.User) ([]loom.Tool, error) {
	if c.inventoryTTL > 0 {
		c.mu.Lock()
		e, ok := c.cache[user.ID]
		c.mu.Unlock()
		if ok && time.Now().Before(e.expires) {
			return e.tools, nil
		}
	}

	tools, err := c.fetchTools(ctx, user)
	if err != nil {
		c.mu.Lock()
		e, ok := c.cache[user.ID]
		c.mu.Unlock()
		if ok {
			c.logger.Warn("tool listing refresh failed, serving stale inventory",
				"error", err,
				"age", time.Since(e.fetched).Round(time.Second),
				"tools", len(e.tools))
			return e.tools, nil
		}
		return nil, err
	}

	if c.inventoryTTL > 0 {
		now := time.Now()
		c.mu.Lock()
		c.cache[user.ID] = inventoryEntry{tools: tools, fetched: now, expires: now.Add(c.inventoryTTL)}
		c.mu.Unlock()
	}
	return tools, nil
}

func (c *Client) fetchTools(ctx context.Context, user loom.User) ([]loom.Tool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/mcp/tools", nil)
	if err != nil {
		return nil, fmt.Errorf("toolproxy: build request: %w", err)
	}
	if tok := c.listingToken(user); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("toolproxy: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, &loom.ErrHTTP{
			Status:     resp.StatusCode,
			Body:       string(body),
			RetryAfter: loom.ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	var listing listResponse
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		return nil, fmt.Errorf("toolproxy: decode listing: %w", err)
	}
	return buildInventory(listing.Tools), nil
}

// listingToken prefers the user's own token so the proxy applies its
// group filtering; the internal key lists the unfiltered set.
func (c *Client) listingToken(user loom.User) string {
	if user.AccessToken != "" {
		return user.AccessToken
	}
	return c.internalKey
}

// buildInventory maps the listing to loom tools with LM-safe names.
// Collisions across servers get a server prefix, then a numeric suffix
// as the last resort, so every sanitized name stays unique.
func buildInventory(listed []listedTool) []loom.Tool {
	tools := make([]loom.Tool, 0, len(listed))
	taken := make(map[string]bool, len(listed))
	for _, lt := range listed {
		name := sanitizeName(lt.Name)
		if name == "" {
			name = sanitizeName(lt.Server + "_tool")
		}
		if taken[name] {
			name = uniqueName(taken, sanitizeName(lt.Server), name)
		}
		taken[name] = true
		tools = append(tools, loom.Tool{
			ServerID:      lt.Server,
			OriginalName:  lt.Name,
			SanitizedName: name,
			Description:   lt.Description,
			Parameters:    lt.InputSchema,
		})
	}
	return tools
}

func uniqueName(taken map[string]bool, prefix, base string) string {
	if prefix != "" {
		if cand := truncateName(prefix + "_" + base); !taken[cand] {
			return cand
		}
	}
	for i := 2; ; i++ {
		suffix := fmt.Sprintf("_%d", i)
		cand := truncateName(base[:min(len(base), maxNameLen-len(suffix))]) + suffix
		if !taken[cand] {
			return cand
		}
	}
}

// maxNameLen is the strictest function-name length any provider allows.
const maxNameLen = 64

// sanitizeName folds a raw tool name into the [a-z0-9_]{1,64} shape
// every provider accepts. Separators become underscores so
// "Azure-List-VMs" reads as azure_list_vms rather than azurelistvms.
func sanitizeName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	lastSep := false
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastSep = false
		case r == '_' || r == '-' || r == '.' || r == ' ' || r == '/':
			if !lastSep && b.Len() > 0 {
				b.WriteByte('_')
				lastSep = true
			}
		}
	}
	return truncateName(strings.TrimRight(b.String(), "_"))
}

func truncateName(s string) string {
	if len(s) > maxNameLen {
		s = strings.TrimRight(s[:maxNameLen], "_")
	}
	return s
}
