package openapi

import (
	"github.com/getkin/kin-openapi/openapi3"

	"github.com/faucetdb/warden/internal/model"
)

const (
	tagOrganizations = "organizations"
	tagAPIKeys       = "api-keys"
	tagAudit         = "audit"
	tagBreakers      = "circuit-breakers"
	tagIntegrations  = "integrations"
)

// Generate builds the OpenAPI 3.1 document for Warden's HTTP API.
// integrations lists the configured integration service names.
func Generate(baseURL, version string, integrations []string) *openapi3.T {
	if version == "" {
		version = "dev"
	}
	doc := &openapi3.T{
		OpenAPI: "3.1.0",
		Info: &openapi3.Info{
			Title:       "Warden API",
			Description: "API key issuance, validation and circuit breaker administration.",
			Version:     version,
		},
		Servers: openapi3.Servers{
			{URL: baseURL},
		},
	}

	components := openapi3.NewComponents()
	components.Schemas = componentSchemas()
	components.SecuritySchemes = openapi3.SecuritySchemes{
		"apiKey": &openapi3.SecuritySchemeRef{
			Value: &openapi3.SecurityScheme{
				Type: "apiKey",
				In:   "header",
				Name: "X-API-Key",
			},
		},
		"bearerAuth": &openapi3.SecuritySchemeRef{
			Value: &openapi3.SecurityScheme{
				Type:         "http",
				Scheme:       "bearer",
				BearerFormat: "JWT",
			},
		},
	}
	doc.Components = &components
	doc.Security = openapi3.SecurityRequirements{{"bearerAuth": {}}}
	doc.Paths = openapi3.NewPaths()

	addSystemPaths(doc)
	addKeyPaths(doc, integrations)
	return doc
}

// ─── Paths ──────────────────────────────────────────────────────────────────

func addSystemPaths(doc *openapi3.T) {
	doc.Paths.Set("/api/v1/system/organization", &openapi3.PathItem{
		Get: operation(tagOrganizations, "list_organizations", "List organizations",
			newResponses("200", "Organizations", listSchema(ref("Organization")))),
		Post: withBody(operation(tagOrganizations, "create_organization", "Create an organization",
			newResponses("201", "Created organization", ref("Organization"))),
			&openapi3.SchemaRef{Value: &openapi3.Schema{
				Type:     &openapi3.Types{"object"},
				Required: []string{"name"},
				Properties: openapi3.Schemas{
					"name": {Value: &openapi3.Schema{Type: &openapi3.Types{"string"}, MinLength: 1, MaxLength: openapi3.Uint64Ptr(100)}},
				},
			}}),
	})

	doc.Paths.Set("/api/v1/system/api-key", &openapi3.PathItem{
		Get: withParams(operation(tagAPIKeys, "list_api_keys", "List API keys",
			newResponses("200", "API keys, newest first", listSchema(ref("APIKey")))),
			queryParam("organization_id", "Organization to list. Defaults to the caller's own.", openapi3.NewStringSchema())),
		Post: withBody(operation(tagAPIKeys, "create_api_key", "Create an API key",
			newResponses("201", "Created key. The api_key field is shown only once.", ref("CreatedAPIKey"))),
			ref("CreateAPIKeyRequest")),
	})

	keyID := pathParam("keyId", "API key ID")
	doc.Paths.Set("/api/v1/system/api-key/{keyId}", &openapi3.PathItem{
		Parameters: openapi3.Parameters{keyID},
		Get: operation(tagAPIKeys, "get_api_key", "Get an API key",
			newResponses("200", "API key", ref("APIKey"))),
		Delete: operation(tagAPIKeys, "revoke_api_key", "Revoke an API key",
			newResponses("200", "Key revoked. Revoking an inactive key also succeeds.", successSchema())),
	})

	limit := &openapi3.Schema{Type: &openapi3.Types{"integer"}, Format: "int32", Min: openapi3.Float64Ptr(1), Max: openapi3.Float64Ptr(1000)}
	doc.Paths.Set("/api/v1/system/audit", &openapi3.PathItem{
		Get: withParams(operation(tagAudit, "list_audit_events", "List audit events",
			newResponses("200", "Audit events, newest first", listSchema(ref("AuditEvent")))),
			queryParam("organization_id", "Organization to list. Defaults to the caller's own.", openapi3.NewStringSchema()),
			queryParam("limit", "Maximum number of events to return.", limit)),
	})

	doc.Paths.Set("/api/v1/system/circuit-breaker", &openapi3.PathItem{
		Get: operation(tagBreakers, "list_circuit_breakers", "List circuit breaker states",
			newResponses("200", "Breakers ordered by service name", listSchema(ref("CircuitBreaker")))),
	})
	doc.Paths.Set("/api/v1/system/circuit-breaker/reset", &openapi3.PathItem{
		Post: operation(tagBreakers, "reset_circuit_breakers", "Force every breaker closed",
			newResponses("200", "Number of breakers reset", &openapi3.SchemaRef{Value: &openapi3.Schema{
				Type: &openapi3.Types{"object"},
				Properties: openapi3.Schemas{
					"success": {Value: &openapi3.Schema{Type: &openapi3.Types{"boolean"}}},
					"reset":   {Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}}},
				},
			}})),
	})
}

func addKeyPaths(doc *openapi3.T, integrations []string) {
	keyAuth := &openapi3.SecurityRequirements{{"apiKey": {}}}

	self := operation(tagAPIKeys, "get_self", "Describe the calling API key",
		newResponses("200", "The calling key", ref("APIKey")))
	self.Security = keyAuth
	doc.Paths.Set("/api/v1/self", &openapi3.PathItem{Get: self})

	if len(integrations) == 0 {
		return
	}

	svc := openapi3.NewStringSchema()
	for _, name := range integrations {
		svc.Enum = append(svc.Enum, name)
	}
	service := &openapi3.ParameterRef{Value: openapi3.NewPathParameter("service").
		WithDescription("Configured integration name.").
		WithSchema(svc)}

	item := &openapi3.PathItem{Parameters: openapi3.Parameters{service, pathParam("path", "Path forwarded to the integration.")}}
	for _, method := range []string{"GET", "POST", "PUT", "PATCH", "DELETE"} {
		op := operation(tagIntegrations, "call_integration_"+method, "Call an integration through its circuit breaker",
			newResponses("200", "Upstream response", &openapi3.SchemaRef{Value: &openapi3.Schema{}}))
		op.Security = keyAuth
		item.SetOperation(method, op)
	}
	doc.Paths.Set("/api/v1/integrations/{service}/{path}", item)
}

// ─── Operation Builders ─────────────────────────────────────────────────────

func operation(tag, id, summary string, responses *openapi3.Responses) *openapi3.Operation {
	return &openapi3.Operation{
		Tags:        []string{tag},
		Summary:     summary,
		OperationID: id,
		Responses:   responses,
	}
}

func withBody(op *openapi3.Operation, schema *openapi3.SchemaRef) *openapi3.Operation {
	op.RequestBody = &openapi3.RequestBodyRef{
		Value: openapi3.NewRequestBody().
			WithRequired(true).
			WithContent(openapi3.NewContentWithJSONSchemaRef(schema)),
	}
	return op
}

func withParams(op *openapi3.Operation, params ...*openapi3.ParameterRef) *openapi3.Operation {
	op.Parameters = append(op.Parameters, params...)
	return op
}

func queryParam(name, description string, schema *openapi3.Schema) *openapi3.ParameterRef {
	return &openapi3.ParameterRef{
		Value: openapi3.NewQueryParameter(name).WithDescription(description).WithSchema(schema),
	}
}

func pathParam(name, description string) *openapi3.ParameterRef {
	return &openapi3.ParameterRef{
		Value: openapi3.NewPathParameter(name).WithDescription(description).WithSchema(openapi3.NewStringSchema()),
	}
}

// ─── Response Helpers ───────────────────────────────────────────────────────

// errorStatuses are the error responses every operation may return.
var errorStatuses = []struct {
	code, description string
}{
	{"400", "Validation error"},
	{"401", "Missing, unknown, expired or revoked credentials"},
	{"403", "Wrong organization or missing permission"},
	{"404", "Not found"},
	{"429", "Rate limited. See Retry-After."},
	{"500", "Internal server error"},
	{"503", "Dependency unavailable. See Retry-After."},
}

// newResponses builds a Responses map with a success response and the
// standard error responses.
func newResponses(statusCode, description string, schema *openapi3.SchemaRef) *openapi3.Responses {
	responses := openapi3.NewResponses()
	responses.Set(statusCode, &openapi3.ResponseRef{
		Value: openapi3.NewResponse().
			WithDescription(description).
			WithContent(openapi3.NewContentWithJSONSchemaRef(schema)),
	})

	errorRef := ref("ErrorResponse")
	for _, s := range errorStatuses {
		responses.Set(s.code, &openapi3.ResponseRef{
			Value: openapi3.NewResponse().
				WithDescription(s.description).
				WithContent(openapi3.NewContentWithJSONSchemaRef(errorRef)),
		})
	}
	return responses
}

func ref(name string) *openapi3.SchemaRef {
	return openapi3.NewSchemaRef("#/components/schemas/"+name, nil)
}

// listSchema wraps items in the resource/meta envelope.
func listSchema(items *openapi3.SchemaRef) *openapi3.SchemaRef {
	return &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type: &openapi3.Types{"object"},
			Properties: openapi3.Schemas{
				"resource": {Value: &openapi3.Schema{Type: &openapi3.Types{"array"}, Items: items}},
				"meta": {Value: &openapi3.Schema{
					Type: &openapi3.Types{"object"},
					Properties: openapi3.Schemas{
						"count": {Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}, Format: "int64"}},
					},
				}},
			},
		},
	}
}

func successSchema() *openapi3.SchemaRef {
	return &openapi3.SchemaRef{Value: &openapi3.Schema{
		Type: &openapi3.Types{"object"},
		Properties: openapi3.Schemas{
			"success": {Value: &openapi3.Schema{Type: &openapi3.Types{"boolean"}}},
			"message": {Value: openapi3.NewStringSchema()},
		},
	}}
}

// ─── Component Schemas ──────────────────────────────────────────────────────

func str() *openapi3.SchemaRef      { return &openapi3.SchemaRef{Value: openapi3.NewStringSchema()} }
func dateTime() *openapi3.SchemaRef { return &openapi3.SchemaRef{Value: openapi3.NewDateTimeSchema()} }
func boolean() *openapi3.SchemaRef  { return &openapi3.SchemaRef{Value: openapi3.NewBoolSchema()} }

func integer(min, max float64) *openapi3.SchemaRef {
	return &openapi3.SchemaRef{Value: &openapi3.Schema{
		Type:   &openapi3.Types{"integer"},
		Format: "int32",
		Min:    openapi3.Float64Ptr(min),
		Max:    openapi3.Float64Ptr(max),
	}}
}

func permissions() *openapi3.SchemaRef {
	item := openapi3.NewStringSchema()
	for _, c := range model.PermissionCatalog {
		item.Enum = append(item.Enum, c.String())
	}
	return &openapi3.SchemaRef{Value: &openapi3.Schema{
		Type:  &openapi3.Types{"array"},
		Items: &openapi3.SchemaRef{Value: item},
	}}
}

func object(required []string, props openapi3.Schemas) *openapi3.SchemaRef {
	return &openapi3.SchemaRef{Value: &openapi3.Schema{
		Type:       &openapi3.Types{"object"},
		Required:   required,
		Properties: props,
	}}
}

func componentSchemas() openapi3.Schemas {
	kinds := openapi3.NewStringSchema()
	for _, k := range []model.Kind{
		model.KindValidation,
		model.KindWrongOrganization,
		model.KindInsufficientPermission,
		model.KindInvalidKey,
		model.KindExpiredKey,
		model.KindInactiveKey,
		model.KindRateLimited,
		model.KindServiceUnavailable,
		model.KindStorage,
		model.KindNotFound,
	} {
		kinds.Enum = append(kinds.Enum, string(k))
	}

	apiKeyProps := func() openapi3.Schemas {
		return openapi3.Schemas{
			"id":              str(),
			"organization_id": str(),
			"created_by":      str(),
			"name":            str(),
			"description":     str(),
			"key_prefix":      str(),
			"permissions":     permissions(),
			"rate_limit":      integer(model.MinRateLimit, model.MaxRateLimit),
			"is_active":       boolean(),
			"expires_at":      dateTime(),
			"last_used_at":    dateTime(),
			"created_at":      dateTime(),
			"updated_at":      dateTime(),
		}
	}
	created := apiKeyProps()
	created["api_key"] = str()

	return openapi3.Schemas{
		"ErrorResponse": object([]string{"error"}, openapi3.Schemas{
			"error": object([]string{"code", "message"}, openapi3.Schemas{
				"code":    {Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}, Format: "int32"}},
				"kind":    {Value: kinds},
				"message": str(),
				"context": {Value: &openapi3.Schema{Type: &openapi3.Types{"object"}}},
			}),
		}),
		"Organization": object([]string{"id", "name"}, openapi3.Schemas{
			"id":         str(),
			"name":       str(),
			"is_active":  boolean(),
			"created_at": dateTime(),
		}),
		"APIKey":        object([]string{"id", "organization_id", "name", "key_prefix"}, apiKeyProps()),
		"CreatedAPIKey": object([]string{"id", "api_key"}, created),
		"CreateAPIKeyRequest": object([]string{"name", "organization_id"}, openapi3.Schemas{
			"name":            {Value: &openapi3.Schema{Type: &openapi3.Types{"string"}, MinLength: 1, MaxLength: openapi3.Uint64Ptr(model.MaxKeyNameLength)}},
			"organization_id": str(),
			"description":     str(),
			"expires_at":      dateTime(),
			"permissions":     permissions(),
			"rate_limit":      integer(model.MinRateLimit, model.MaxRateLimit),
		}),
		"AuditEvent": object([]string{"id", "action", "at"}, openapi3.Schemas{
			"id":              str(),
			"action":          str(),
			"key_id":          str(),
			"organization_id": str(),
			"actor":           str(),
			"at":              dateTime(),
		}),
		"CircuitBreaker": object([]string{"service", "state"}, openapi3.Schemas{
			"service":            str(),
			"state":              {Value: openapi3.NewStringSchema().WithEnum("closed", "open", "half_open", "unknown")},
			"failure_count":      {Value: openapi3.NewIntegerSchema()},
			"success_count":      {Value: openapi3.NewIntegerSchema()},
			"last_failure_at":    dateTime(),
			"last_transition_at": dateTime(),
			"threshold":          {Value: openapi3.NewIntegerSchema()},
			"cooldown":           str(),
			"error":              str(),
		}),
	}
}
