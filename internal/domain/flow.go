// Package domain holds the core types shared across the flow engine:
// flows, nodes, edges, runs, join state, poller state and the error
// taxonomy nodes report against. Storage, orchestrator and executor
// packages all operate on these types rather than persistence-specific
// representations.
package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// NodeType is the closed enum of node kinds a Flow graph may contain.
type NodeType string

const (
	// Triggers
	NodeTypeWebhookTrigger   NodeType = "trigger.webhook"
	NodeTypeSchedulerTrigger NodeType = "trigger.scheduler"
	NodeTypeManualTrigger    NodeType = "trigger.manual"
	NodeTypePollerSFTP       NodeType = "trigger.poller.sftp"
	NodeTypePollerBlob       NodeType = "trigger.poller.blob"
	NodeTypeIngressTrigger   NodeType = "trigger.ingress"

	// Parse/Transform
	NodeTypeParseJSON     NodeType = "transform.parse_json"
	NodeTypeParseCSV      NodeType = "transform.parse_csv"
	NodeTypeParseXML      NodeType = "transform.parse_xml"
	NodeTypeObjectMapper  NodeType = "transform.object_mapper"

	// Validate
	NodeTypeValidate NodeType = "validate.schema"

	// Control
	NodeTypeConditional NodeType = "control.conditional"
	NodeTypeJoin        NodeType = "control.join"

	// Connectors
	NodeTypeHTTPSource      NodeType = "connector.http_source"
	NodeTypeHTTPDestination NodeType = "connector.http_destination"
	NodeTypeDB              NodeType = "connector.db"
	NodeTypeSFTP            NodeType = "connector.sftp"
	NodeTypeBlob            NodeType = "connector.blob"
	NodeTypeQueueProducer   NodeType = "connector.queue_producer"

	// Emitters
	NodeTypeEgressLog     NodeType = "emitter.log"
	NodeTypeEgressEmail   NodeType = "emitter.email"
	NodeTypeEgressWebhook NodeType = "emitter.webhook"
)

// TriggerNodeTypes lists the node types that may seed a run.
var TriggerNodeTypes = map[NodeType]bool{
	NodeTypeWebhookTrigger:   true,
	NodeTypeSchedulerTrigger: true,
	NodeTypeManualTrigger:    true,
	NodeTypePollerSFTP:       true,
	NodeTypePollerBlob:       true,
	NodeTypeIngressTrigger:   true,
}

// Node is a single typed step in a Flow graph.
type Node struct {
	ID            string          `json:"id"`
	Type          NodeType        `json:"type"`
	Config        json.RawMessage `json:"config"`
	SystemInstance string         `json:"system_instance,omitempty"` // credential reference
}

// Edge connects two nodes; Label drives conditional/control-flow routing.
type Edge struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Label  string `json:"label,omitempty"`
}

// Version is a flow's semantic version.
type Version struct {
	Major int `json:"major"`
	Minor int `json:"minor"`
	Patch int `json:"patch"`
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Flow is a directed graph of typed nodes defining an integration pipeline.
type Flow struct {
	ID           string          `json:"id"`
	OrgID        string          `json:"org_id"`
	Name         string          `json:"name"`
	Version      Version         `json:"version"`
	Enabled      bool            `json:"enabled"`
	Nodes        map[string]Node `json:"nodes"`
	Edges        []Edge          `json:"edges"`
	Tags         []string        `json:"tags,omitempty"`
	Metadata     map[string]any  `json:"metadata,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// VersionStatus is where one snapshot of a flow's graph sits in the
// draft/approve/deploy lifecycle.
type VersionStatus string

const (
	VersionStatusDraft    VersionStatus = "draft"
	VersionStatusApproved VersionStatus = "approved"
	VersionStatusDeployed VersionStatus = "deployed"
	VersionStatusArchived VersionStatus = "archived"
)

// FlowVersion is an immutable snapshot of a Flow's graph at one Version,
// carried through review and into production independently of the Flow
// row's own current (deployed) graph.
type FlowVersion struct {
	ID         string          `json:"id"`
	FlowID     string          `json:"flow_id"`
	Version    Version         `json:"version"`
	Status     VersionStatus   `json:"status"`
	Nodes      map[string]Node `json:"nodes"`
	Edges      []Edge          `json:"edges"`
	ApprovedBy string          `json:"approved_by,omitempty"`
	ApprovedAt *time.Time      `json:"approved_at,omitempty"`
	DeployedAt *time.Time      `json:"deployed_at,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Validate checks the structural invariants: edges reference
// existing nodes, at least one trigger node exists, and there are no
// self-loops. Unreachable nodes are permitted.
func (f *Flow) Validate() error {
	if len(f.Nodes) == 0 {
		return fmt.Errorf("flow %s: must have at least one node", f.ID)
	}

	hasTrigger := false
	for id, n := range f.Nodes {
		if id != n.ID && n.ID != "" {
			return fmt.Errorf("flow %s: node key %q does not match node id %q", f.ID, id, n.ID)
		}
		if TriggerNodeTypes[n.Type] {
			hasTrigger = true
		}
	}
	if !hasTrigger {
		return fmt.Errorf("flow %s: must contain at least one trigger node", f.ID)
	}

	for _, e := range f.Edges {
		if _, ok := f.Nodes[e.Source]; !ok {
			return fmt.Errorf("flow %s: edge source %q does not reference an existing node", f.ID, e.Source)
		}
		if _, ok := f.Nodes[e.Target]; !ok {
			return fmt.Errorf("flow %s: edge target %q does not reference an existing node", f.ID, e.Target)
		}
		if e.Source == e.Target {
			return fmt.Errorf("flow %s: self-loop on node %q", f.ID, e.Source)
		}
	}
	return nil
}

// TriggerNodes returns the ids of every trigger node in the flow.
func (f *Flow) TriggerNodes() []string {
	var ids []string
	for id, n := range f.Nodes {
		if TriggerNodeTypes[n.Type] {
			ids = append(ids, id)
		}
	}
	return ids
}

// OutgoingEdges returns edges leaving nodeID in the order they were
// declared, preserving definition-order as the tie-break
// for conditional routing and parallel fan-out.
func (f *Flow) OutgoingEdges(nodeID string) []Edge {
	var out []Edge
	for _, e := range f.Edges {
		if e.Source == nodeID {
			out = append(out, e)
		}
	}
	return out
}
