package artifact

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/atelierhq/atelier/pkg/backend"
	"github.com/atelierhq/atelier/pkg/config"
	"github.com/atelierhq/atelier/pkg/models"
)

// Defaults baked into generation requests.
const (
	iacRegion         = "westeurope"
	terraformProvider = "azurerm"
)

// ToolResolver yields ready-to-attach tool definitions for an endpoint
// kind. A nil result means the endpoint is unavailable and the producer
// uses the plain model path. *mcp.Registry satisfies this.
type ToolResolver interface {
	ToolDefinitions(ctx context.Context, kind config.MCPKind) []backend.Tool
}

// Generator owns the single-shot architect agent that produces IaC
// templates and re-derives diagrams from them. One Generator serves one
// run; the run's integration preferences are fixed at construction.
type Generator struct {
	agent    backend.AgentHandle
	tools    ToolResolver
	settings models.MCPSettings
	logger   *slog.Logger
}

const generatorInstructions = "You are an Azure cloud architect. You translate architecture diagrams into " +
	"infrastructure-as-code templates and back. Follow the requested output format exactly; when asked for " +
	"JSON, return only the JSON object with no surrounding commentary."

// NewGenerator provisions the generation agent on the given backend.
func NewGenerator(ctx context.Context, b backend.Backend, tools ToolResolver, settings models.MCPSettings) (*Generator, error) {
	agent, err := b.CreateAgent(ctx, "AzureArchitect", generatorInstructions, nil)
	if err != nil {
		return nil, fmt.Errorf("create generation agent: %w", err)
	}
	return &Generator{
		agent:    agent,
		tools:    tools,
		settings: settings,
		logger:   slog.Default().With("component", "artifact"),
	}, nil
}

// Bundle runs the Bicep and Terraform producers in parallel and pairs
// their outputs. Producer failures never fail the bundle; they surface
// as error markers inside the result parameters.
func (g *Generator) Bundle(ctx context.Context, diagram map[string]any, narrative string) IaCBundle {
	var bundle IaCBundle
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		bundle.Bicep = g.generateBicep(ctx, diagram, narrative)
		return nil
	})
	eg.Go(func() error {
		bundle.Terraform = g.generateTerraform(ctx, diagram, narrative)
		return nil
	})
	_ = eg.Wait()
	return bundle
}

func (g *Generator) generateBicep(ctx context.Context, diagram map[string]any, narrative string) *IaCResult {
	if g.settings.Bicep && diagram != nil {
		if defs := g.tools.ToolDefinitions(ctx, config.MCPBicep); len(defs) > 0 {
			result, err := g.bicepGrounded(ctx, defs, diagram)
			if err == nil {
				return result
			}
			g.logger.Warn("schema-grounded Bicep generation failed, using plain generation",
				"error", err)
		}
	}
	return g.bicepPlain(ctx, diagram, narrative)
}

const bicepGroundedInstructions = "You are an Azure IaC generator with access to Azure Bicep MCP tools. " +
	"Use the tools to confirm resource types, apiVersions, required properties, and SKU options for every " +
	"element in the diagram. Emit a subscription-scoped landing-zone template that mirrors the diagram hierarchy:\n" +
	"- Declare parameters (location, environment, namePrefix, tags, address prefixes, secret placeholders) with @description metadata.\n" +
	"- Provision resource groups and modules for networking, management, logging, runtime, storage, and integration, and represent each service with realistic configuration (identities, diagnostic settings, access policies, SKU tiers).\n" +
	"- Add monitoring and security integrations where appropriate (Log Analytics workspace, Policy assignments, Defender, Key Vault).\n" +
	"- Include outputs for critical resources.\n" +
	"Return ONLY JSON with keys 'bicep_code' (string) and 'parameters' (object). No markdown, no commentary."

func (g *Generator) bicepGrounded(ctx context.Context, defs []backend.Tool, diagram map[string]any) (*IaCResult, error) {
	payload := diagramPayload(diagram, map[string]any{
		"target_format":      "bicep",
		"include_monitoring": true,
		"include_security":   true,
		"region":             iacRegion,
	})
	prompt := bicepGroundedInstructions + "\n\nDiagram Data: " + compactJSON(payload)

	text, err := g.agent.Run(ctx, prompt, append(defs, g.docsTools(ctx)...)...)
	if err != nil {
		return nil, err
	}
	parsed := ParseTolerant(text)
	code, _ := parsed["bicep_code"].(string)
	if strings.TrimSpace(code) == "" {
		return nil, fmt.Errorf("no usable bicep_code in response")
	}
	params := paramsOf(parsed)
	params["mcp_enhanced"] = true
	return &IaCResult{Code: code, Parameters: params}, nil
}

const bicepInstructions = "You are an Azure Cloud Infrastructure as Code generator. Author a " +
	"subscription-scoped Bicep template that can stand up a production-grade landing zone for the " +
	"architecture below. Requirements:\n" +
	"- Start with targetScope = 'subscription'.\n" +
	"- Declare core parameters: location, environment (allowed dev/tst/prd), namePrefix, an optional tags object, and any network CIDRs needed for vnets and subnets.\n" +
	"- Create a resource group per top-level workload grouping (networking, management, logging, shared integration) and deploy resources inside them through module blocks or inline resource definitions.\n" +
	"- Map every service from the architecture to a concrete Azure resource type (Microsoft.Network/*, Microsoft.Storage/*, ...) with realistic API versions, SKU settings, and key properties (identity, diagnostics, access policies). Do not omit services; extend the template when something lacks an obvious Azure equivalent.\n" +
	"- Wire dependencies properly (subnet IDs, private endpoints, diagnostic settings to Log Analytics) and include monitoring and security resources.\n" +
	"- Provide outputs for core artifacts (vnetId, key vault IDs, workspace keys).\n" +
	"Return ONLY a JSON object with keys 'bicep_code' (string containing the full template) and 'parameters' " +
	"(object describing parameter defaults and metadata). No markdown, no commentary."

func (g *Generator) bicepPlain(ctx context.Context, diagram map[string]any, narrative string) *IaCResult {
	contextBlock := "Architecture description:\n" + narrative
	if diagram != nil {
		contextBlock = "Diagram Data: " + compactJSON(diagramPayload(diagram, map[string]any{
			"target_format":      "bicep",
			"include_monitoring": true,
			"include_security":   true,
		}))
	}
	prompt := bicepInstructions + "\n\n" + contextBlock

	text, err := g.agent.Run(ctx, prompt, g.docsTools(ctx)...)
	if err != nil {
		if ctx.Err() != nil {
			return &IaCResult{Parameters: map[string]any{"error": "bicep generation cancelled"}}
		}
		return &IaCResult{Parameters: map[string]any{"error": err.Error()}}
	}
	parsed := ParseTolerant(text)
	code, _ := parsed["bicep_code"].(string)
	if strings.TrimSpace(code) == "" {
		return &IaCResult{Parameters: map[string]any{"error": "model returned no usable bicep_code; no template synthesized"}}
	}
	return &IaCResult{Code: code, Parameters: paramsOf(parsed)}
}

func (g *Generator) generateTerraform(ctx context.Context, diagram map[string]any, narrative string) *IaCResult {
	if g.settings.Terraform && diagram != nil {
		if defs := g.tools.ToolDefinitions(ctx, config.MCPTerraform); len(defs) > 0 {
			result, err := g.terraformGrounded(ctx, defs, diagram)
			if err == nil {
				return result
			}
			g.logger.Warn("schema-grounded Terraform generation failed, using plain generation",
				"error", err)
		}
	}
	return g.terraformPlain(ctx, diagram, narrative)
}

const terraformGroundedInstructions = "Generate Terraform modules for this Azure architecture diagram. " +
	"Use the Terraform MCP tools to look up providers, resources, arguments, and examples from the Terraform " +
	"Registry before emitting code. Ensure every resource type and argument is valid for the selected provider " +
	"version. Return ONLY JSON with keys 'terraform_code' (string), 'variables' (object) and 'outputs' (object)."

func (g *Generator) terraformGrounded(ctx context.Context, defs []backend.Tool, diagram map[string]any) (*IaCResult, error) {
	prompt := fmt.Sprintf("%s\n\nDiagram: %s\nProvider: %s",
		terraformGroundedInstructions, compactJSON(diagram), terraformProvider)

	text, err := g.agent.Run(ctx, prompt, append(defs, g.docsTools(ctx)...)...)
	if err != nil {
		return nil, err
	}
	parsed := ParseTolerant(text)
	code, _ := parsed["terraform_code"].(string)
	if strings.TrimSpace(code) == "" {
		return nil, fmt.Errorf("no usable terraform_code in response")
	}
	params := map[string]any{"provider": terraformProvider, "mcp_enhanced": true}
	if variables, ok := parsed["variables"].(map[string]any); ok {
		params["variables"] = variables
	}
	if outputs, ok := parsed["outputs"].(map[string]any); ok {
		params["outputs"] = outputs
	}
	return &IaCResult{Code: code, Parameters: params}, nil
}

const terraformInstructions = "Generate a comprehensive Terraform HCL configuration for this Azure architecture:\n\n%s\n\n" +
	"Requirements:\n" +
	"- Use the %s provider\n" +
	"- Include all necessary resource configurations\n" +
	"- Add appropriate variables and outputs\n" +
	"- Use consistent naming conventions\n" +
	"- Include resource dependencies, monitoring and alerting resources, and security best practices\n\n" +
	"Return ONLY valid JSON in this format:\n" +
	"{\n  \"terraform_code\": \"complete HCL configuration as a string\",\n  \"parameters\": {\"provider\": \"%s\", \"region\": \"%s\"}\n}"

func (g *Generator) terraformPlain(ctx context.Context, diagram map[string]any, narrative string) *IaCResult {
	contextBlock := narrative
	if diagram != nil {
		contextBlock = indentJSON(map[string]any{"diagram": diagram})
	}
	prompt := fmt.Sprintf(terraformInstructions,
		contextBlock, terraformProvider, terraformProvider, iacRegion)

	text, err := g.agent.Run(ctx, prompt, g.docsTools(ctx)...)
	if err != nil {
		if ctx.Err() != nil {
			return &IaCResult{Parameters: map[string]any{"error": "terraform generation cancelled", "provider": terraformProvider}}
		}
		return &IaCResult{Parameters: map[string]any{"error": err.Error(), "provider": terraformProvider}}
	}
	parsed := ParseTolerant(text)
	code, _ := parsed["terraform_code"].(string)
	if strings.TrimSpace(code) == "" {
		return &IaCResult{Parameters: map[string]any{"error": "model returned no usable terraform_code; no template synthesized", "provider": terraformProvider}}
	}
	params := paramsOf(parsed)
	if _, ok := params["provider"]; !ok {
		params["provider"] = terraformProvider
	}
	return &IaCResult{Code: code, Parameters: params}
}

const deriveInstructions = "You are an Azure architecture cartographer. Convert the following IaC template " +
	"into the structured diagram JSON used by the canvas. Follow the schema and hierarchy guidance exactly."

// DeriveDiagram asks the architect to reconstruct the canonical diagram
// from whichever IaC template survived. Callers use it when the
// transcript carried no parseable diagram. Returns nils on any failure;
// the transcript then ships without a diagram.
func (g *Generator) DeriveDiagram(ctx context.Context, bundle IaCBundle) (map[string]any, string) {
	code, lang := bundle.sourceTemplate()
	if code == "" {
		return nil, ""
	}

	prompt := fmt.Sprintf("%s\n\n%s\n\nThe IaC template:\n```%s\n%s\n```\n\nReturn ONLY the JSON object (no commentary) that conforms to the schema.",
		deriveInstructions, StructuredDiagramGuidance, lang, code)

	text, err := g.agent.Run(ctx, prompt)
	if err != nil {
		g.logger.Warn("diagram re-derivation failed", "error", err)
		return nil, ""
	}
	parsed := ParseTolerant(text)
	if parsed == nil {
		g.logger.Warn("diagram re-derivation returned no parseable JSON")
		return nil, ""
	}
	raw, err := json.MarshalIndent(parsed, "", "  ")
	if err != nil {
		return nil, ""
	}
	return parsed, string(raw)
}

// sourceTemplate picks the template used for re-derivation, preferring
// Bicep.
func (b IaCBundle) sourceTemplate() (code, lang string) {
	if b.Bicep != nil && strings.TrimSpace(b.Bicep.Code) != "" {
		return strings.TrimSpace(b.Bicep.Code), "bicep"
	}
	if b.Terraform != nil && strings.TrimSpace(b.Terraform.Code) != "" {
		return strings.TrimSpace(b.Terraform.Code), "terraform"
	}
	return "", ""
}

// docsTools resolves the documentation endpoint's tools when the run
// enables them. They ride along with any IaC call.
func (g *Generator) docsTools(ctx context.Context) []backend.Tool {
	if !g.settings.Docs {
		return nil
	}
	return g.tools.ToolDefinitions(ctx, config.MCPDocs)
}

// diagramPayload wraps the diagram's node and edge lists with the
// request requirements, defaulting absent lists to empty.
func diagramPayload(diagram map[string]any, requirements map[string]any) map[string]any {
	nodes, edges := any([]any{}), any([]any{})
	if diagram != nil {
		if v, ok := diagram["nodes"]; ok && v != nil {
			nodes = v
		}
		if v, ok := diagram["edges"]; ok && v != nil {
			edges = v
		}
	}
	return map[string]any{
		"diagram":      map[string]any{"nodes": nodes, "edges": edges},
		"requirements": requirements,
	}
}

func compactJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(data)
}

func indentJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

func paramsOf(parsed map[string]any) map[string]any {
	params, _ := parsed["parameters"].(map[string]any)
	if params == nil {
		params = map[string]any{}
	}
	return params
}
