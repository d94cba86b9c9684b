package ingest

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/dvloznov/smeinsight/internal/domain"
	"github.com/shopspring/decimal"
)

// Recognized column names, already normalized.
const (
	ColumnDate        = "date"
	ColumnAmount      = "amount"
	ColumnDescription = "description"
	ColumnCategory    = "category"
	ColumnCustomer    = "customer"
	ColumnProduct     = "product"
)

// RequiredColumns must be present in every upload header.
var RequiredColumns = []string{ColumnDate, ColumnAmount}

// KnownColumns lists every column the validator reads. Others are ignored.
var KnownColumns = []string{
	ColumnDate,
	ColumnAmount,
	ColumnDescription,
	ColumnCategory,
	ColumnCustomer,
	ColumnProduct,
}

// FieldError is one field-level validation failure within a row.
type FieldError struct {
	Field  string
	Code   string
	Reason string
}

// Error renders "<field>: <reason>"; callers prefix the row number.
func (e FieldError) Error() string {
	return e.Field + ": " + e.Reason
}

// NormalizeColumn lower-cases and trims a column name. It is idempotent.
func NormalizeColumn(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// ValidateRow converts one raw row into a TransactionRecord, or returns the
// field errors that prevent it. Exactly one of the two results is meaningful.
func ValidateRow(row domain.RawRow) (domain.TransactionRecord, []FieldError) {
	fields := normalizeRow(row)

	var errs []FieldError

	date := stringValue(fields[ColumnDate])
	if date == "" {
		errs = append(errs, FieldError{
			Field:  ColumnDate,
			Code:   CodeRequiredFieldMissing,
			Reason: "date is required",
		})
	}

	amount, err := coerceAmount(fields[ColumnAmount])
	if err != nil {
		errs = append(errs, FieldError{
			Field:  ColumnAmount,
			Code:   CodeInvalidNumber,
			Reason: err.Error(),
		})
	}

	if len(errs) > 0 {
		return domain.TransactionRecord{}, errs
	}

	return domain.TransactionRecord{
		Date:        date,
		Amount:      amount,
		Description: stringValue(fields[ColumnDescription]),
		Category:    stringValue(fields[ColumnCategory]),
		Customer:    stringValue(fields[ColumnCustomer]),
		Product:     stringValue(fields[ColumnProduct]),
	}, nil
}

// normalizeRow re-keys a row by normalized column name. When two keys collapse
// onto the same name, the first non-empty value in sorted key order wins.
func normalizeRow(row domain.RawRow) map[string]any {
	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]any, len(row))
	for _, k := range keys {
		name := NormalizeColumn(k)
		if name == "" {
			continue
		}
		if existing, ok := out[name]; ok && stringValue(existing) != "" {
			continue
		}
		out[name] = row[k]
	}
	return out
}

// stringValue renders a raw cell as trimmed text. Absent and nil cells are "".
func stringValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(val)
	case json.Number:
		return strings.TrimSpace(val.String())
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case bool:
		return strconv.FormatBool(val)
	default:
		return strings.TrimSpace(fmt.Sprint(val))
	}
}

// maxAmountDigits bounds both precision and magnitude of an amount to what a
// NUMERIC column holds.
const maxAmountDigits = 38

// coerceAmount converts a string or numeric cell into a finite decimal that
// fits in maxAmountDigits digits.
func coerceAmount(v any) (decimal.Decimal, error) {
	d, err := amountValue(v)
	if err != nil {
		return decimal.Decimal{}, err
	}
	exp := int64(d.Exponent())
	if exp > maxAmountDigits || exp < -maxAmountDigits ||
		d.NumDigits() > maxAmountDigits || int64(d.NumDigits())+exp > maxAmountDigits {
		return decimal.Decimal{}, fmt.Errorf("amount is out of range, at most %d digits are supported", maxAmountDigits)
	}
	return d, nil
}

func amountValue(v any) (decimal.Decimal, error) {
	switch val := v.(type) {
	case nil:
		return decimal.Decimal{}, fmt.Errorf("amount is required")
	case string:
		return parseAmountText(val)
	case json.Number:
		return parseAmountText(val.String())
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return decimal.Decimal{}, fmt.Errorf("amount must be a finite number")
		}
		return decimal.NewFromFloat(val), nil
	case float32:
		f := float64(val)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return decimal.Decimal{}, fmt.Errorf("amount must be a finite number")
		}
		return decimal.NewFromFloat32(val), nil
	case int:
		return decimal.NewFromInt(int64(val)), nil
	case int64:
		return decimal.NewFromInt(val), nil
	default:
		return decimal.Decimal{}, fmt.Errorf("amount has unsupported type %T", v)
	}
}

func parseAmountText(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Decimal{}, fmt.Errorf("amount is required")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("amount must be a finite number, got %q", s)
	}
	return d, nil
}
