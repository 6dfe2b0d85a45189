package loom

import (
	"encoding/json"
	"testing"
)

func TestNormalizeToolName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"List-VMs", "list_vms"},
		{"Azure.Get.Cost!", "azuregetcost"},
		{"already_normal_123", "already_normal_123"},
		{"MIXED-case_Name", "mixed_case_name"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := NormalizeToolName(tt.in); got != tt.want {
			t.Errorf("NormalizeToolName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func toolInventory() []Tool {
	return []Tool{
		{ServerID: "azure", OriginalName: "Azure-List-VMs", SanitizedName: "azure_list_vms"},
		{ServerID: "azure", OriginalName: "Azure-Get-Cost", SanitizedName: "azure_get_cost"},
		{ServerID: "k8s", OriginalName: "kubectl.get.pods", SanitizedName: "kubectl_get_pods"},
	}
}

func TestResolveToolNameExact(t *testing.T) {
	tools := toolInventory()

	got, ok := ResolveToolName(tools, "azure_list_vms")
	if !ok || got.OriginalName != "Azure-List-VMs" {
		t.Fatalf("sanitized lookup: got %+v ok=%v", got, ok)
	}
	got, ok = ResolveToolName(tools, "Azure-Get-Cost")
	if !ok || got.SanitizedName != "azure_get_cost" {
		t.Fatalf("original lookup: got %+v ok=%v", got, ok)
	}
}

func TestResolveToolNameNormalized(t *testing.T) {
	// Models love inventing case and separator variants.
	got, ok := ResolveToolName(toolInventory(), "AZURE-LIST-VMS")
	if !ok || got.SanitizedName != "azure_list_vms" {
		t.Fatalf("got %+v ok=%v", got, ok)
	}
}

func TestResolveToolNameFuzzy(t *testing.T) {
	tools := toolInventory()

	// Substring containment: the model dropped the server prefix.
	got, ok := ResolveToolName(tools, "list_vms")
	if !ok || got.SanitizedName != "azure_list_vms" {
		t.Fatalf("substring: got %+v ok=%v", got, ok)
	}

	// Token overlap: same words, different order.
	got, ok = ResolveToolName(tools, "get_pods_kubectl")
	if !ok || got.SanitizedName != "kubectl_get_pods" {
		t.Fatalf("token overlap: got %+v ok=%v", got, ok)
	}
}

func TestResolveToolNameNoMatch(t *testing.T) {
	if got, ok := ResolveToolName(toolInventory(), "send_email"); ok {
		t.Fatalf("expected no match, got %+v", got)
	}
}

func TestResolveToolNameTieBreak(t *testing.T) {
	tools := []Tool{
		{ServerID: "s", OriginalName: "b-get-pod", SanitizedName: "b_get_pod"},
		{ServerID: "s", OriginalName: "a-get-pod", SanitizedName: "a_get_pod"},
	}
	got, ok := ResolveToolName(tools, "get_pod")
	if !ok {
		t.Fatal("expected a match")
	}
	if got.SanitizedName != "a_get_pod" {
		t.Errorf("tie broke to %q, want a_get_pod", got.SanitizedName)
	}
}

func TestResolveCall(t *testing.T) {
	tools := toolInventory()
	args := json.RawMessage(`{"region":"we"}`)

	rc := ResolveCall(tools, ToolCall{ID: "c1", Name: "azure_list_vms", Args: args})
	if rc.ServerID != "azure" || rc.OriginalName != "Azure-List-VMs" || rc.NormalizedName != "azure_list_vms" {
		t.Errorf("resolved call = %+v", rc)
	}
	if string(rc.Args) != string(args) {
		t.Errorf("args not carried through: %s", rc.Args)
	}

	// Unknown names pass through so the downstream error names what the
	// model asked for.
	rc = ResolveCall(tools, ToolCall{ID: "c2", Name: "made_up_tool", Args: args})
	if rc.ServerID != "" || rc.OriginalName != "made_up_tool" || rc.NormalizedName != "made_up_tool" {
		t.Errorf("passthrough call = %+v", rc)
	}
}

func TestToolDefinitions(t *testing.T) {
	tools := []Tool{
		{SanitizedName: "one", Description: "first", Parameters: json.RawMessage(`{"type":"object"}`)},
		{SanitizedName: "two"},
	}
	defs := ToolDefinitions(tools)
	if len(defs) != 2 {
		t.Fatalf("got %d defs, want 2", len(defs))
	}
	if defs[0].Name != "one" || defs[0].Description != "first" {
		t.Errorf("defs[0] = %+v", defs[0])
	}
	if defs[1].Name != "two" {
		t.Errorf("defs[1] = %+v", defs[1])
	}
}
