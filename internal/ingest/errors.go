package ingest

import (
	"fmt"
	"strings"

	"github.com/dvloznov/smeinsight/internal/domain"
)

// Kind labels a whole-file rejection. The set is closed and safe to show users.
type Kind string

const (
	KindWrongFileType          Kind = "WrongFileType"
	KindFileTooLarge           Kind = "FileTooLarge"
	KindDecodeFailed           Kind = "DecodeFailed"
	KindEmptyFile              Kind = "EmptyFile"
	KindMissingRequiredColumns Kind = "MissingRequiredColumns"
	KindNoValidRows            Kind = "NoValidRows"
)

// Row-level error codes.
const (
	CodeRequiredFieldMissing = "RequiredFieldMissing"
	CodeInvalidNumber        = "InvalidNumber"
)

// Sentinels for errors.Is comparisons against an *UploadError.
var (
	ErrWrongFileType          = &UploadError{Kind: KindWrongFileType}
	ErrFileTooLarge           = &UploadError{Kind: KindFileTooLarge}
	ErrDecodeFailed           = &UploadError{Kind: KindDecodeFailed}
	ErrEmptyFile              = &UploadError{Kind: KindEmptyFile}
	ErrMissingRequiredColumns = &UploadError{Kind: KindMissingRequiredColumns}
	ErrNoValidRows            = &UploadError{Kind: KindNoValidRows}
)

// UploadError is a fatal input-shape error for a whole upload attempt.
type UploadError struct {
	Kind    Kind
	Message string
	Hint    string

	// Missing and Found are set for KindMissingRequiredColumns.
	Missing []string
	Found   []string

	// Errors carries the row errors for KindNoValidRows.
	Errors []domain.ValidationError

	Err error
}

func (e *UploadError) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Message
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

// Is matches any *UploadError of the same kind.
func (e *UploadError) Is(target error) bool {
	t, ok := target.(*UploadError)
	return ok && t.Kind == e.Kind
}

func wrongFileType(fileName string) *UploadError {
	return &UploadError{
		Kind:    KindWrongFileType,
		Message: fmt.Sprintf("%q is not a CSV file", fileName),
		Hint:    "Export your data as a .csv file and upload it again.",
	}
}

func fileTooLarge(limit int64) *UploadError {
	return &UploadError{
		Kind:    KindFileTooLarge,
		Message: fmt.Sprintf("file exceeds the %s limit", formatBytes(limit)),
		Hint:    fmt.Sprintf("Split the file into parts smaller than %s.", formatBytes(limit)),
	}
}

func decodeFailed(err error) *UploadError {
	return &UploadError{
		Kind:    KindDecodeFailed,
		Message: err.Error(),
		Hint:    "Check that the file is UTF-8 CSV with consistent columns and properly closed quotes.",
		Err:     err,
	}
}

func emptyFile() *UploadError {
	return &UploadError{
		Kind:    KindEmptyFile,
		Message: "the file contains no data rows",
		Hint:    "Add at least one row below the header line.",
	}
}

func missingColumns(missing, found []string) *UploadError {
	return &UploadError{
		Kind: KindMissingRequiredColumns,
		Message: fmt.Sprintf("missing required columns: %s (found: %s)",
			strings.Join(missing, ", "), strings.Join(found, ", ")),
		Hint:    "The header row must contain at least the columns: " + strings.Join(RequiredColumns, ", ") + ".",
		Missing: missing,
		Found:   found,
	}
}

func noValidRows(errs []domain.ValidationError) *UploadError {
	return &UploadError{
		Kind:    KindNoValidRows,
		Message: "no valid data rows",
		Hint:    "Every row needs a date and a numeric amount. Fix the listed rows and upload again.",
		Errors:  errs,
	}
}

func formatBytes(n int64) string {
	const mb = 1 << 20
	if n >= mb && n%mb == 0 {
		return fmt.Sprintf("%d MB", n/mb)
	}
	return fmt.Sprintf("%d bytes", n)
}
