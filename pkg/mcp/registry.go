// Package mcp maintains lazy, process-wide sessions to the optional
// schema and documentation endpoints used during IaC generation.
//
// Sessions are opened on first use and reused for the life of the
// process. An endpoint that is unconfigured, pointed at a documentation
// website, cooling down after a failure, or rate-limited yields nil
// instead of an error: callers degrade to plain model generation and the
// design run proceeds without tool grounding.
package mcp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/atelierhq/atelier/pkg/backend"
	"github.com/atelierhq/atelier/pkg/config"
	"github.com/atelierhq/atelier/pkg/version"
)

const (
	// InitTimeout bounds the MCP handshake on first use of an endpoint.
	InitTimeout = 30 * time.Second

	// OperationTimeout is the per-call deadline for ListTools and CallTool.
	OperationTimeout = 90 * time.Second

	// CooldownDefault is how long an endpoint stays parked after a failed
	// handshake or a rate-limit response.
	CooldownDefault = 5 * time.Minute

	// CooldownTerraformGeneric shortens the penalty for ordinary terraform
	// endpoint errors, which tend to clear quickly.
	CooldownTerraformGeneric = time.Minute
)

// docsHosts lists URL fragments that identify human documentation sites
// per endpoint kind. An MCP handshake against them hangs until timeout,
// so they are skipped unless the endpoint's force flag is set.
var docsHosts = map[config.MCPKind][]string{
	config.MCPBicep:     {"learn.microsoft.com", "docs.microsoft.com"},
	config.MCPTerraform: {"developer.hashicorp.com", "github.com/hashicorp"},
}

type endpointState struct {
	mu        sync.Mutex
	tool      *Tool
	coolUntil time.Time
	closed    bool
}

// Registry hands out cached endpoint sessions keyed by kind.
type Registry struct {
	cfg    config.MCPConfig
	logger *slog.Logger

	// newTransport builds the client transport for an endpoint URL.
	// Tests swap it for in-memory transports.
	newTransport func(url string) mcpsdk.Transport

	states map[config.MCPKind]*endpointState
}

// NewRegistry creates a registry over the configured endpoints. No
// connections are opened until Get is called.
func NewRegistry(cfg config.MCPConfig) *Registry {
	return &Registry{
		cfg:    cfg,
		logger: slog.Default().With("component", "mcp"),
		newTransport: func(url string) mcpsdk.Transport {
			return &mcpsdk.StreamableClientTransport{Endpoint: url}
		},
		states: map[config.MCPKind]*endpointState{
			config.MCPBicep:     {},
			config.MCPTerraform: {},
			config.MCPDocs:      {},
		},
	}
}

// Get returns the session for kind, opening it on first use. A nil
// result means the endpoint is unavailable right now and the caller
// should fall back to plain generation; endpoint failures are absorbed
// here and only arm the cooldown. Concurrent callers for the same kind
// serialize so the handshake runs at most once.
func (r *Registry) Get(ctx context.Context, kind config.MCPKind) *Tool {
	st, ok := r.states[kind]
	if !ok {
		return nil
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.closed {
		return nil
	}
	if st.tool != nil {
		return st.tool
	}
	if time.Now().Before(st.coolUntil) {
		r.logger.Debug("MCP endpoint cooling down",
			"kind", kind,
			"until", st.coolUntil.Format(time.RFC3339))
		return nil
	}

	endpoint := r.cfg.Endpoint(kind)
	url := strings.TrimSpace(endpoint.URL)
	if url == "" {
		return nil
	}
	if !endpoint.Force && looksLikeDocsSite(kind, url) {
		r.logger.Info("MCP URL looks like a documentation website, skipping (set force to connect anyway)",
			"kind", kind,
			"url", url)
		return nil
	}

	initCtx, cancel := context.WithTimeout(ctx, InitTimeout)
	defer cancel()

	client := mcpsdk.NewClient(&mcpsdk.Implementation{
		Name:    version.AppName,
		Version: version.GitCommit,
	}, nil)

	transport := r.newTransport(url)
	session, err := client.Connect(initCtx, transport, nil)
	if err != nil {
		if closer, ok := transport.(io.Closer); ok {
			_ = closer.Close()
		}
		cooldown := cooldownFor(kind, err)
		st.coolUntil = time.Now().Add(cooldown)
		r.logger.Warn("MCP handshake failed, cooling down",
			"kind", kind,
			"url", url,
			"cooldown", cooldown,
			"error", err)
		return nil
	}

	st.coolUntil = time.Time{}
	st.tool = &Tool{kind: kind, session: session, logger: r.logger}
	r.logger.Info("MCP endpoint connected", "kind", kind, "url", url)
	return st.tool
}

// ToolDefinitions opens (or reuses) the session for kind and returns
// its tools as attachable definitions. Unavailable endpoints and
// inventory failures both yield nil so generation proceeds untooled.
func (r *Registry) ToolDefinitions(ctx context.Context, kind config.MCPKind) []backend.Tool {
	tool := r.Get(ctx, kind)
	if tool == nil {
		return nil
	}
	defs, err := tool.Definitions(ctx)
	if err != nil {
		r.logger.Warn("listing MCP tools failed", "kind", kind, "error", err)
		return nil
	}
	return defs
}

// Close shuts down every cached session exactly once. Get returns nil
// after Close. The first close error is returned.
func (r *Registry) Close() error {
	var firstErr error
	for kind, st := range r.states {
		st.mu.Lock()
		if st.tool != nil && !st.closed {
			if err := st.tool.close(); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("close %s session: %w", kind, err)
			}
			st.tool = nil
		}
		st.closed = true
		st.mu.Unlock()
	}
	return firstErr
}

// cooldownFor picks the penalty window for a failed endpoint. Rate
// limits always take the long window regardless of kind; generic
// terraform failures take the short one.
func cooldownFor(kind config.MCPKind, err error) time.Duration {
	if isRateLimited(err) {
		return CooldownDefault
	}
	if kind == config.MCPTerraform {
		return CooldownTerraformGeneric
	}
	return CooldownDefault
}

// isRateLimited reports whether the error chain mentions HTTP 429. The
// SDK surfaces transport status codes only as error text.
func isRateLimited(err error) bool {
	return err != nil && strings.Contains(err.Error(), "429")
}

func looksLikeDocsSite(kind config.MCPKind, url string) bool {
	for _, host := range docsHosts[kind] {
		if strings.Contains(url, host) {
			return true
		}
	}
	return false
}
