package artifact

// StructuredDiagramGuidance is the canonical schema and layout contract
// for the Diagram JSON block. It is embedded into the Architect's
// instructions and into diagram re-derivation prompts, and agents tend to
// echo it back, so published outputs replace it with a placeholder before
// leaving the team runner.
const StructuredDiagramGuidance = `STRUCTURED DIAGRAM GUIDANCE (authoritative schema, follow exactly):

Your report MUST end with a section titled "Diagram JSON" containing exactly one fenced json code block with a single JSON object describing the architecture canvas.

Schema:
{
  "nodes": [
    {
      "id": "unique-node-id",
      "label": "Display Name",
      "service": "<catalog icon id, e.g. 'networking/10061-icon-service-Virtual-Networks' or 'storage/10086-icon-service-Storage-Accounts'>",
      "tier": "entry|app|messaging|compute|data",
      "group": "<id of the containing group, omit for top-level nodes>",
      "position": {"x": 0, "y": 0}
    }
  ],
  "edges": [
    {"id": "edge-1", "source": "node-id-a", "target": "node-id-b", "label": "Data Flow|API Call|Ingestion|Query|Peering"}
  ],
  "groups": [
    {"id": "group-id", "label": "Resource Group / VNet / Subscription", "kind": "subscription|resourceGroup|vnet|subnet", "parent": "<optional enclosing group id>"}
  ]
}

Rules:
1. Every service mentioned in the report appears as exactly one node; never merge distinct services into one box.
2. Hierarchy is expressed through groups: subscription > resource group > vnet > subnet. Set each node's "group" to its innermost container and each group's "parent" to its enclosing group.
3. Positions are absolute canvas coordinates. Nodes in the same tier sit on one row spaced 450 apart on the x axis; consecutive tiers are 250 apart on the y axis, ordered entry, app, messaging, compute, data from top to bottom.
4. Every edge references existing node ids and carries a short, precise label.
5. Use official Azure service names for labels and the catalog icon ids for "service". For AWS or GCP sources, map each service to its Azure equivalent and note the original in the label.
6. The block must be valid JSON: double-quoted keys and strings, no comments, no trailing commas, no markdown outside the fence.

Diagram JSON
` + "```json" + `
{ ... }
` + "```"
