package contract

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/timestamppb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

var invoiceSchema = Struct(
	Required("id", String().Pattern(`^INV-\d+$`)),
	Required("amount", Integer().Min(0)),
	Required("currency", Enum("EUR", "USD")),
	Optional("note", Nullable(String().MaxLen(10))),
	Optional("lines", Array(Struct(
		Required("sku", String()),
		Required("qty", Number().Min(1)),
	)).MinLen(1)),
	Optional("tags", Record(Boolean())),
)

func failuresOf(t *testing.T, err error) []Failure {
	t.Helper()
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	return verr.Failures
}

func TestValidateStructStripsUndeclaredFields(t *testing.T) {
	out, err := invoiceSchema.ValidateJSON([]byte(`{"id":"INV-7","amount":1200,"currency":"EUR","internal":true}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"INV-7","amount":1200,"currency":"EUR"}`, string(out))
}

func TestValidateCollectsEveryFailure(t *testing.T) {
	_, err := invoiceSchema.ValidateJSON([]byte(`{
		"id": "X-1",
		"amount": 12.5,
		"currency": "GBP",
		"note": "far too long for this",
		"lines": [{"sku": "a", "qty": 0}, {"qty": 2}],
		"tags": {"vip": "yes"}
	}`))
	require.Error(t, err)

	paths := map[string]bool{}
	for _, f := range failuresOf(t, err) {
		paths[f.Path] = true
	}
	for _, want := range []string{"$.id", "$.amount", "$.currency", "$.note", "$.lines[0].qty", "$.lines[1].sku", "$.tags.vip"} {
		assert.True(t, paths[want], "expected failure at %s, got %v", want, paths)
	}
}

func TestValidateRequiredField(t *testing.T) {
	_, err := invoiceSchema.Validate(map[string]any{"id": "INV-1", "currency": "USD"})
	fs := failuresOf(t, err)
	require.Len(t, fs, 1)
	assert.Equal(t, "$.amount", fs[0].Path)
	assert.Equal(t, "required field missing", fs[0].Message)
}

func TestValidatePrimitives(t *testing.T) {
	tests := []struct {
		name   string
		schema *Schema
		value  any
		ok     bool
	}{
		{"string", String(), "x", true},
		{"string rejects number", String(), 1.0, false},
		{"number", Number(), 1.5, true},
		{"json number", Number(), json.Number("42"), true},
		{"integer rejects fraction", Integer(), 1.5, false},
		{"boolean", Boolean(), true, true},
		{"null", Null(), nil, true},
		{"null rejects value", Null(), "x", false},
		{"any", Any(), map[string]any{"x": 1.0}, true},
		{"literal string", Literal("invoice"), "invoice", true},
		{"literal mismatch", Literal("invoice"), "credit", false},
		{"literal number", Literal(3), json.Number("3"), true},
		{"enum", Enum("draft", "sent"), "sent", true},
		{"enum rejects", Enum("draft", "sent"), "paid", false},
		{"nullable nil", Nullable(Integer()), nil, true},
		{"nullable value", Nullable(Integer()), 3.0, true},
		{"max", Number().Max(10), 11.0, false},
		{"union first", Union(String(), Integer()), "x", true},
		{"union second", Union(String(), Integer()), 4.0, true},
		{"union none", Union(String(), Integer()), true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.schema.Validate(tt.value)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestValidateKeepsLargeIntegers(t *testing.T) {
	out, err := Struct(Required("cents", Integer())).ValidateJSON([]byte(`{"cents":9007199254740993}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"cents":9007199254740993}`, string(out))
}

func TestValidateMalformedJSON(t *testing.T) {
	_, err := String().ValidateJSON([]byte(`{"broken"`))
	fs := failuresOf(t, err)
	require.Len(t, fs, 1)
	assert.Equal(t, "$", fs[0].Path)
	assert.Contains(t, fs[0].Message, "malformed JSON")
}

func TestProtoSchema(t *testing.T) {
	ts := ProtoOf[*timestamppb.Timestamp]()

	out, err := ts.Validate("2024-03-01T10:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, "2024-03-01T10:00:00Z", out)

	_, err = ts.Validate("not a time")
	fs := failuresOf(t, err)
	assert.Contains(t, fs[0].Message, "google.protobuf.Timestamp")

	wrapped := Struct(Required("note", Proto(func() protoMessage { return &wrapperspb.StringValue{} })))
	_, err = wrapped.ValidateJSON([]byte(`{"note":"paid by card"}`))
	assert.NoError(t, err)
}

func TestSerializeGoValues(t *testing.T) {
	type line struct {
		SKU string  `json:"sku"`
		Qty float64 `json:"qty"`
	}
	type invoice struct {
		ID       string `json:"id"`
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
		Lines    []line `json:"lines,omitempty"`
	}

	out, err := invoiceSchema.Serialize(invoice{ID: "INV-3", Amount: 500, Currency: "EUR", Lines: []line{{SKU: "hours", Qty: 2}}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"INV-3","amount":500,"currency":"EUR","lines":[{"sku":"hours","qty":2}]}`, string(out))

	_, err = invoiceSchema.Serialize(invoice{ID: "bad", Currency: "EUR"})
	var verr *ValidationError
	assert.True(t, errors.As(err, &verr))
}

func TestRefinementsDoNotMutateBase(t *testing.T) {
	base := String()
	_ = base.MinLen(3)
	_, err := base.Validate("a")
	assert.NoError(t, err)
}

func TestValidationErrorMessage(t *testing.T) {
	err := &ValidationError{Failures: []Failure{{Path: "$.a", Message: "bad"}, {Path: "$.b", Message: "worse"}}}
	assert.Equal(t, "validation failed: $.a: bad; $.b: worse", err.Error())
	assert.Equal(t, "struct", KindStruct.String())
}
