package openapi

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestGenerate_Info(t *testing.T) {
	doc := Generate("http://localhost:8080", "1.2.3", nil)

	if doc.OpenAPI != "3.1.0" {
		t.Errorf("OpenAPI = %q, want 3.1.0", doc.OpenAPI)
	}
	if doc.Info.Version != "1.2.3" {
		t.Errorf("version = %q, want 1.2.3", doc.Info.Version)
	}
	if len(doc.Servers) != 1 || doc.Servers[0].URL != "http://localhost:8080" {
		t.Errorf("unexpected servers: %+v", doc.Servers)
	}
	if Generate("", "", nil).Info.Version != "dev" {
		t.Error("empty version should default to dev")
	}
}

func TestGenerate_SystemPaths(t *testing.T) {
	doc := Generate("http://localhost:8080", "", nil)

	tests := []struct {
		path   string
		method string
		opID   string
	}{
		{"/api/v1/system/organization", "GET", "list_organizations"},
		{"/api/v1/system/organization", "POST", "create_organization"},
		{"/api/v1/system/api-key", "GET", "list_api_keys"},
		{"/api/v1/system/api-key", "POST", "create_api_key"},
		{"/api/v1/system/api-key/{keyId}", "GET", "get_api_key"},
		{"/api/v1/system/api-key/{keyId}", "DELETE", "revoke_api_key"},
		{"/api/v1/system/audit", "GET", "list_audit_events"},
		{"/api/v1/system/circuit-breaker", "GET", "list_circuit_breakers"},
		{"/api/v1/system/circuit-breaker/reset", "POST", "reset_circuit_breakers"},
		{"/api/v1/self", "GET", "get_self"},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			item := doc.Paths.Find(tt.path)
			if item == nil {
				t.Fatalf("path %s not found", tt.path)
			}
			op := item.GetOperation(tt.method)
			if op == nil {
				t.Fatalf("%s %s not defined", tt.method, tt.path)
			}
			if op.OperationID != tt.opID {
				t.Errorf("operationId = %q, want %q", op.OperationID, tt.opID)
			}
			for _, code := range []string{"401", "403", "429", "503"} {
				if op.Responses.Value(code) == nil {
					t.Errorf("missing %s response", code)
				}
			}
		})
	}
}

func TestGenerate_SelfUsesAPIKeyAuth(t *testing.T) {
	doc := Generate("", "", nil)
	op := doc.Paths.Find("/api/v1/self").Get
	if op.Security == nil || len(*op.Security) != 1 {
		t.Fatalf("expected one security requirement, got %v", op.Security)
	}
	if _, ok := (*op.Security)[0]["apiKey"]; !ok {
		t.Errorf("self should require apiKey, got %v", (*op.Security)[0])
	}
}

func TestGenerate_Integrations(t *testing.T) {
	if doc := Generate("", "", nil); doc.Paths.Find("/api/v1/integrations/{service}/{path}") != nil {
		t.Error("integration path present with no integrations configured")
	}

	doc := Generate("", "", []string{"billing", "crm"})
	item := doc.Paths.Find("/api/v1/integrations/{service}/{path}")
	if item == nil {
		t.Fatal("integration path not found")
	}
	if item.Post == nil || item.Get == nil || item.Delete == nil {
		t.Error("expected GET, POST and DELETE integration operations")
	}
	svc := item.Parameters.GetByInAndName("path", "service")
	if svc == nil {
		t.Fatal("service parameter not found")
	}
	if got := svc.Schema.Value.Enum; len(got) != 2 || got[0] != "billing" || got[1] != "crm" {
		t.Errorf("service enum = %v", got)
	}
}

func TestGenerate_ComponentSchemas(t *testing.T) {
	doc := Generate("", "", nil)

	for _, name := range []string{"ErrorResponse", "Organization", "APIKey", "CreatedAPIKey", "CreateAPIKeyRequest", "AuditEvent", "CircuitBreaker"} {
		if _, ok := doc.Components.Schemas[name]; !ok {
			t.Errorf("schema %q not found in components", name)
		}
	}

	key := doc.Components.Schemas["APIKey"].Value
	if _, ok := key.Properties["key_hash"]; ok {
		t.Error("APIKey schema must not expose key_hash")
	}
	if _, ok := key.Properties["api_key"]; ok {
		t.Error("APIKey schema must not expose the secret")
	}
	if _, ok := doc.Components.Schemas["CreatedAPIKey"].Value.Properties["api_key"]; !ok {
		t.Error("CreatedAPIKey schema should include api_key")
	}

	perms := doc.Components.Schemas["CreateAPIKeyRequest"].Value.Properties["permissions"].Value.Items.Value
	if len(perms.Enum) != 6 {
		t.Errorf("permission enum has %d entries, want 6", len(perms.Enum))
	}

	rate := doc.Components.Schemas["CreateAPIKeyRequest"].Value.Properties["rate_limit"].Value
	if *rate.Min != 1 || *rate.Max != 100000 {
		t.Errorf("rate_limit bounds = [%v, %v], want [1, 100000]", *rate.Min, *rate.Max)
	}
}

func TestGenerate_ErrorKinds(t *testing.T) {
	doc := Generate("", "", nil)
	errorProp := doc.Components.Schemas["ErrorResponse"].Value.Properties["error"].Value

	kind, ok := errorProp.Properties["kind"]
	if !ok {
		t.Fatal("kind property not found in error object")
	}
	found := false
	for _, v := range kind.Value.Enum {
		if v == "service_unavailable" {
			found = true
		}
	}
	if !found {
		t.Errorf("kind enum missing service_unavailable: %v", kind.Value.Enum)
	}
}

func TestGenerate_MarshalsJSON(t *testing.T) {
	doc := Generate("http://localhost:8080", "", []string{"billing"})
	b, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("json.Marshal: %v", err)
	}
	for _, want := range []string{`"openapi":"3.1.0"`, `"/api/v1/system/api-key/{keyId}"`, `"X-API-Key"`} {
		if !strings.Contains(string(b), want) {
			t.Errorf("document missing %s", want)
		}
	}
}
