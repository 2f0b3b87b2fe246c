package capability

import (
	"encoding/json"
	"testing"

	xerrors "AgentChain/internal/errors"
)

var balanceSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"account": map[string]any{"type": "string", "minLength": 1},
		"chain":   map[string]any{"type": "string", "enum": []any{"mainnet", "sepolia"}},
		"block":   map[string]any{"type": "integer", "minimum": 0},
		"tags":    map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
	},
	"required":             []any{"account"},
	"additionalProperties": false,
}

func TestValidateSchema(t *testing.T) {
	cases := []struct {
		name    string
		payload any
		wantErr bool
	}{
		{name: "minimal", payload: map[string]any{"account": "0xabc"}},
		{name: "full", payload: map[string]any{"account": "0xabc", "chain": "sepolia", "block": 12, "tags": []string{"a"}}},
		{name: "json number", payload: map[string]any{"account": "0xabc", "block": float64(3)}},
		{name: "missing required", payload: map[string]any{"chain": "mainnet"}, wantErr: true},
		{name: "wrong type", payload: map[string]any{"account": 42}, wantErr: true},
		{name: "empty string", payload: map[string]any{"account": ""}, wantErr: true},
		{name: "enum", payload: map[string]any{"account": "0x1", "chain": "goerli"}, wantErr: true},
		{name: "fractional integer", payload: map[string]any{"account": "0x1", "block": 1.5}, wantErr: true},
		{name: "negative", payload: map[string]any{"account": "0x1", "block": -1}, wantErr: true},
		{name: "bad item", payload: map[string]any{"account": "0x1", "tags": []any{"ok", 3}}, wantErr: true},
		{name: "unexpected field", payload: map[string]any{"account": "0x1", "extra": true}, wantErr: true},
		{name: "not an object", payload: "0x1", wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateSchema(balanceSchema, tc.payload)
			if tc.wantErr {
				if xerrors.CodeOf(err) != xerrors.CodeSchemaViolation {
					t.Fatalf("expected schema violation, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestValidateSchemaReportsPath(t *testing.T) {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"order": map[string]any{
				"type":     "object",
				"required": []any{"id"},
			},
		},
	}
	err := ValidateSchema(schema, map[string]any{"order": map[string]any{}})
	e, ok := xerrors.From(err)
	if !ok {
		t.Fatalf("expected coded error, got %v", err)
	}
	if e.Metadata()["path"] != "$.order" {
		t.Fatalf("unexpected path %q", e.Metadata()["path"])
	}
}

func TestValidateSchemaDecodedJSON(t *testing.T) {
	var payload map[string]any
	if err := json.Unmarshal([]byte(`{"account":"0xabc","block":7,"tags":["x"]}`), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if err := ValidateSchema(balanceSchema, payload); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateSchemaNullable(t *testing.T) {
	schema := map[string]any{"type": []any{"string", "null"}}
	if err := ValidateSchema(schema, nil); err != nil {
		t.Fatalf("null should be accepted: %v", err)
	}
	if err := ValidateSchema(schema, true); err == nil {
		t.Fatalf("boolean should be rejected")
	}
}

func TestValidateSchemaEmpty(t *testing.T) {
	if err := ValidateSchema(nil, map[string]any{"anything": 1}); err != nil {
		t.Fatalf("empty schema should accept any payload: %v", err)
	}
}
