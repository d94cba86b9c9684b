package domain

import (
	"github.com/shopspring/decimal"
)

// RawRow is one decoded input line keyed by column name as written in the file.
// Values are strings from the CSV decoder, or numbers/nil when rows arrive as JSON.
type RawRow map[string]any

// TransactionRecord is the canonical shape of one validated transaction row.
// Date is kept lexical here; it is parsed into an instant only when persisted.
type TransactionRecord struct {
	Date        string          `json:"date"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description,omitempty"`
	Category    string          `json:"category,omitempty"`
	Customer    string          `json:"customer,omitempty"`
	Product     string          `json:"product,omitempty"`
}

// ValidationError describes one rejected field or row. RowIndex is the 0-based
// position of the data row in the file (header excluded).
type ValidationError struct {
	RowIndex int    `json:"rowIndex"`
	Field    string `json:"field,omitempty"`
	Code     string `json:"code,omitempty"`
	Message  string `json:"message"`
}

// UploadResult is the pre-submission outcome of processing one uploaded file.
type UploadResult struct {
	AcceptedRows  []TransactionRecord `json:"acceptedRows"`
	FileName      string              `json:"fileName"`
	TotalRowCount int                 `json:"totalRowCount"`
	Errors        []ValidationError   `json:"errors"`
}
