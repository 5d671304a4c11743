package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog/log"

	"github.com/jrsteele09/go-mcp-gateway/server"
	"github.com/jrsteele09/go-mcp-gateway/upstream"
)

const (
	// IdentityResourceURI serves the authenticated user's upstream identity.
	IdentityResourceURI = "gateway://identity"

	// OperationsResourceURI serves the operation catalog with read-only
	// availability flags.
	OperationsResourceURI = "gateway://operations"
)

// Gateway is the MCP-facing surface: it advertises the executor's
// operations as tools, filtered by the read-only flag, and dispatches
// calls with the caller's resolved upstream handle.
type Gateway struct {
	mcpServer *mcpserver.MCPServer
	executor  upstream.Executor
	readOnly  bool
}

// New builds the gateway and registers its tools, resources and prompts.
// In read-only mode mutating operations are left out of the advertised
// catalog entirely, not just rejected at call time.
func New(appName, version string, executor upstream.Executor, readOnly bool) *Gateway {
	g := &Gateway{
		mcpServer: mcpserver.NewMCPServer(
			appName,
			version,
			mcpserver.WithToolCapabilities(true),
			mcpserver.WithResourceCapabilities(false, true),
			mcpserver.WithPromptCapabilities(true),
			mcpserver.WithRecovery(),
		),
		executor: executor,
		readOnly: readOnly,
	}

	g.registerTools()
	g.registerResources()
	g.registerPrompts()

	return g
}

// Handler returns the streamable HTTP transport for the gateway, to be
// mounted behind the auth resolution middleware. The context func carries
// the middleware's Authn from the HTTP request into tool handlers.
func (g *Gateway) Handler(endpointPath string) http.Handler {
	return mcpserver.NewStreamableHTTPServer(
		g.mcpServer,
		mcpserver.WithEndpointPath(endpointPath),
		mcpserver.WithHTTPContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			if authn, ok := server.AuthnFromContext(r.Context()); ok {
				return server.WithAuthn(ctx, authn)
			}
			return ctx
		}),
	)
}

func (g *Gateway) registerTools() {
	for _, op := range g.executor.Operations() {
		if g.readOnly && !op.ReadOnly {
			log.Debug().Str("operation", op.Name).Msg("read-only mode, operation not advertised")
			continue
		}
		g.mcpServer.AddTool(mcp.Tool{
			Name:        op.Name,
			Description: op.Description,
			InputSchema: mcp.ToolInputSchema{
				Type:       "object",
				Properties: op.Parameters,
				Required:   op.Required,
			},
		}, g.toolHandler(op))
	}
}

// toolHandler wraps one operation with the gateway's auth and read-only
// checks, then maps the executor outcome into the MCP result envelope.
func (g *Gateway) toolHandler(op upstream.Operation) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		authn, ok := server.AuthnFromContext(ctx)
		if !ok || !authn.Client.Authenticated() {
			return mcp.NewToolResultError("Authentication required: no session resolved for this request"), nil
		}
		if g.readOnly && !op.ReadOnly {
			return mcp.NewToolResultError(fmt.Sprintf("Operation '%s' is disabled: gateway is running in read-only mode", op.Name)), nil
		}

		output, err := g.executor.Execute(ctx, authn.Client, op.Name, request.GetArguments())
		if err != nil {
			log.Warn().Err(err).Str("operation", op.Name).Str("sessionID", authn.Session.ID).Msg("operation failed")
			return mcp.NewToolResultError(fmt.Sprintf("Operation '%s' failed: %v", op.Name, err)), nil
		}
		return mcp.NewToolResultText(output), nil
	}
}

func (g *Gateway) registerResources() {
	g.mcpServer.AddResource(mcp.NewResource(
		IdentityResourceURI,
		"Authenticated user identity",
		mcp.WithMIMEType("application/json"),
	), g.handleIdentityResource)

	g.mcpServer.AddResource(mcp.NewResource(
		OperationsResourceURI,
		"Operation catalog with read-only availability",
		mcp.WithMIMEType("application/json"),
	), g.handleOperationsResource)
}

// handleIdentityResource returns the caller's upstream identity. The
// content is session-scoped: two clients reading the same URI see their
// own users.
func (g *Gateway) handleIdentityResource(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	authn, ok := server.AuthnFromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("[Gateway.handleIdentityResource] authentication required")
	}

	data, err := json.Marshal(map[string]string{
		"id":    authn.Session.Identity.ID,
		"name":  authn.Session.Identity.Name,
		"email": authn.Session.Identity.Email,
	})
	if err != nil {
		return nil, err
	}

	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      IdentityResourceURI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

type operationCatalogEntry struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	ReadOnly    bool   `json:"readOnly"`
	Available   bool   `json:"available"`
}

func (g *Gateway) handleOperationsResource(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	catalog := make([]operationCatalogEntry, 0)
	for _, op := range g.executor.Operations() {
		catalog = append(catalog, operationCatalogEntry{
			Name:        op.Name,
			Description: op.Description,
			ReadOnly:    op.ReadOnly,
			Available:   !g.readOnly || op.ReadOnly,
		})
	}

	data, err := json.Marshal(catalog)
	if err != nil {
		return nil, err
	}

	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      OperationsResourceURI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (g *Gateway) registerPrompts() {
	g.mcpServer.AddPrompt(mcp.Prompt{
		Name:        "getting_started",
		Description: "How to authorize with the gateway and call upstream operations",
	}, g.handleGettingStartedPrompt)
}

func (g *Gateway) handleGettingStartedPrompt(ctx context.Context, request mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	text := "This gateway brokers access to an upstream provider on the user's behalf.\n\n" +
		"1. If a request is rejected with 'Authentication required', complete the " +
		"OAuth authorization flow advertised in the gateway's protected resource metadata.\n" +
		"2. Read the '" + OperationsResourceURI + "' resource to see which operations are " +
		"available; in read-only mode mutating operations are disabled.\n" +
		"3. Read the '" + IdentityResourceURI + "' resource to confirm which user the " +
		"session is acting as before calling mutating operations."

	return &mcp.GetPromptResult{
		Description: "Gateway usage guide",
		Messages: []mcp.PromptMessage{
			{
				Role:    mcp.RoleUser,
				Content: mcp.TextContent{Type: "text", Text: text},
			},
		},
	}, nil
}
