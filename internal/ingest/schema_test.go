package ingest

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/dvloznov/smeinsight/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeColumn(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{" Date ", "date"},
		{"DATE", "date"},
		{"date", "date"},
		{"\tAmount\n", "amount"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := NormalizeColumn(tt.in)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, got, NormalizeColumn(got), "normalization must be idempotent")
		})
	}
}

func TestValidateRow_Valid(t *testing.T) {
	row := domain.RawRow{
		" Date ":      "2024-01-15",
		"AMOUNT":      " 250.00 ",
		"Description": "  Coffee sales ",
		"category":    "Sales",
		"customer":    "John Doe",
		"product":     "Espresso",
		"notes":       "ignored",
	}

	rec, errs := ValidateRow(row)
	require.Empty(t, errs)
	assert.Equal(t, "2024-01-15", rec.Date)
	assert.Equal(t, "250", rec.Amount.String())
	assert.Equal(t, "Coffee sales", rec.Description)
	assert.Equal(t, "Sales", rec.Category)
	assert.Equal(t, "John Doe", rec.Customer)
	assert.Equal(t, "Espresso", rec.Product)
}

func TestValidateRow_OptionalFieldsOmitted(t *testing.T) {
	rec, errs := ValidateRow(domain.RawRow{"date": "2024-01-15", "amount": "10", "category": "   "})
	require.Empty(t, errs)

	b, err := json.Marshal(rec)
	require.NoError(t, err)
	assert.JSONEq(t, `{"date":"2024-01-15","amount":"10"}`, string(b))
}

func TestValidateRow_Amounts(t *testing.T) {
	tests := []struct {
		name    string
		amount  any
		want    string
		wantErr bool
	}{
		{name: "decimal string", amount: "12.50", want: "12.5"},
		{name: "negative string", amount: "-3", want: "-3"},
		{name: "float", amount: 99.95, want: "99.95"},
		{name: "int", amount: 42, want: "42"},
		{name: "json number", amount: json.Number("7.25"), want: "7.25"},
		{name: "empty string", amount: "", wantErr: true},
		{name: "whitespace", amount: "   ", wantErr: true},
		{name: "text", amount: "abc", wantErr: true},
		{name: "NaN text", amount: "NaN", wantErr: true},
		{name: "Infinity text", amount: "Infinity", wantErr: true},
		{name: "NaN float", amount: math.NaN(), wantErr: true},
		{name: "Inf float", amount: math.Inf(1), wantErr: true},
		{name: "nil", amount: nil, wantErr: true},
		{name: "38 digits", amount: "12345678901234567890123456789012345678", want: "12345678901234567890123456789012345678"},
		{name: "huge exponent", amount: "1e200000000", wantErr: true},
		{name: "tiny exponent", amount: "1e-200000000", wantErr: true},
		{name: "39 integer digits", amount: "1e38", wantErr: true},
		{name: "too many digits", amount: "1.234567890123456789012345678901234567890", wantErr: true},
		{name: "huge json number", amount: json.Number("5e2000000"), wantErr: true},
		{name: "huge float", amount: 1e300, wantErr: true},
		{name: "unsupported", amount: []string{"1"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, errs := ValidateRow(domain.RawRow{"date": "2024-01-15", "amount": tt.amount})
			if tt.wantErr {
				require.Len(t, errs, 1)
				assert.Equal(t, ColumnAmount, errs[0].Field)
				assert.Equal(t, CodeInvalidNumber, errs[0].Code)
				assert.Equal(t, domain.TransactionRecord{}, rec)
				return
			}
			require.Empty(t, errs)
			assert.Equal(t, tt.want, rec.Amount.String())
		})
	}
}

func TestValidateRow_BothFieldsInvalid(t *testing.T) {
	_, errs := ValidateRow(domain.RawRow{"date": "  ", "amount": "abc"})

	require.Len(t, errs, 2)
	assert.Equal(t, CodeRequiredFieldMissing, errs[0].Code)
	assert.Equal(t, "date: date is required", errs[0].Error())
	assert.Equal(t, CodeInvalidNumber, errs[1].Code)
	assert.Contains(t, errs[1].Error(), "amount: ")
}

func TestValidateRow_DuplicateKeysPreferNonEmpty(t *testing.T) {
	rec, errs := ValidateRow(domain.RawRow{"DATE": "", "date": "2024-02-01", "amount": "1"})
	require.Empty(t, errs)
	assert.Equal(t, "2024-02-01", rec.Date)
}

func TestValidateRow_MissingColumns(t *testing.T) {
	_, errs := ValidateRow(domain.RawRow{"description": "x"})
	require.Len(t, errs, 2)
	assert.Equal(t, ColumnDate, errs[0].Field)
	assert.Equal(t, ColumnAmount, errs[1].Field)
}
