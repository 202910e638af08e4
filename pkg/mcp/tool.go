package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/atelierhq/atelier/pkg/backend"
	"github.com/atelierhq/atelier/pkg/config"
)

// Tool is a live session to one endpoint. Instances come from
// Registry.Get and stay valid until Registry.Close.
type Tool struct {
	kind    config.MCPKind
	session *mcpsdk.ClientSession
	logger  *slog.Logger

	mu    sync.Mutex
	tools []*mcpsdk.Tool
}

// Kind identifies which endpoint this session belongs to.
func (t *Tool) Kind() config.MCPKind { return t.kind }

// ListTools returns the endpoint's tool inventory. The inventory is
// fetched once and cached; sessions live for the whole process and the
// set does not change underneath us.
func (t *Tool) ListTools(ctx context.Context) ([]*mcpsdk.Tool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.tools != nil {
		return t.tools, nil
	}

	opCtx, cancel := context.WithTimeout(ctx, OperationTimeout)
	defer cancel()

	result, err := t.session.ListTools(opCtx, nil)
	if err != nil {
		return nil, fmt.Errorf("list %s tools: %w", t.kind, err)
	}
	tools := result.Tools
	if tools == nil {
		tools = []*mcpsdk.Tool{}
	}
	t.tools = tools
	t.logger.Debug("MCP tool inventory fetched", "kind", t.kind, "count", len(tools))
	return tools, nil
}

// CallTool executes one tool and returns its concatenated text content.
// A result flagged IsError comes back as a Go error carrying that text.
func (t *Tool) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	opCtx, cancel := context.WithTimeout(ctx, OperationTimeout)
	defer cancel()

	result, err := t.session.CallTool(opCtx, &mcpsdk.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		return "", fmt.Errorf("call %s tool %s: %w", t.kind, name, err)
	}

	content := textContent(result)
	if result.IsError {
		return "", fmt.Errorf("tool %s reported an error: %s", name, content)
	}
	return content, nil
}

// Definitions adapts the endpoint's inventory into backend tools whose
// invokers call straight back into this session.
func (t *Tool) Definitions(ctx context.Context) ([]backend.Tool, error) {
	tools, err := t.ListTools(ctx)
	if err != nil {
		return nil, err
	}

	defs := make([]backend.Tool, 0, len(tools))
	for _, tool := range tools {
		name := tool.Name
		defs = append(defs, backend.Tool{
			Name:        name,
			Description: tool.Description,
			InputSchema: schemaMap(tool.InputSchema),
			Call: func(ctx context.Context, args map[string]any) (string, error) {
				return t.CallTool(ctx, name, args)
			},
		})
	}
	return defs, nil
}

func (t *Tool) close() error {
	return t.session.Close()
}

// schemaMap renders a tool input schema as a generic map. Backends
// re-marshal it into their own request shapes. An empty object schema
// stands in when the endpoint's schema is absent or unusable.
func schemaMap(schema any) map[string]any {
	fallback := map[string]any{"type": "object"}
	if schema == nil {
		return fallback
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return fallback
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil || len(m) == 0 {
		return fallback
	}
	return m
}

// textContent concatenates the text items of a tool result with
// newlines. Non-text content is skipped.
func textContent(result *mcpsdk.CallToolResult) string {
	var parts []string
	for _, c := range result.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}
