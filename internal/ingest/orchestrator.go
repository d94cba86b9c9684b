package ingest

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/dvloznov/smeinsight/internal/domain"
)

// DefaultMaxFileSize is the upload limit used when none is configured.
const DefaultMaxFileSize int64 = 10 << 20

// Orchestrator turns one uploaded file into an UploadResult. It never writes
// anywhere; committing the accepted rows is a separate caller action.
type Orchestrator struct {
	maxFileSize int64
}

// NewOrchestrator returns an Orchestrator enforcing maxFileSize bytes.
// A non-positive limit selects DefaultMaxFileSize.
func NewOrchestrator(maxFileSize int64) *Orchestrator {
	if maxFileSize <= 0 {
		maxFileSize = DefaultMaxFileSize
	}
	return &Orchestrator{maxFileSize: maxFileSize}
}

// MaxFileSize reports the enforced limit in bytes.
func (o *Orchestrator) MaxFileSize() int64 {
	return o.maxFileSize
}

// Process validates a file already held in memory.
//
// Rows that validate are accepted in file order and the rest are reported as
// warnings. The call fails only when the file itself is unusable or when no
// row validates at all.
func (o *Orchestrator) Process(fileName string, content []byte) (*domain.UploadResult, error) {
	if err := CheckFileName(fileName); err != nil {
		return nil, err
	}
	if int64(len(content)) > o.maxFileSize {
		return nil, fileTooLarge(o.maxFileSize)
	}

	decoded, err := Decode(content, fileName)
	if err != nil {
		return nil, err
	}

	result := &domain.UploadResult{
		AcceptedRows:  make([]domain.TransactionRecord, 0, len(decoded.Rows)),
		FileName:      fileName,
		TotalRowCount: len(decoded.Rows),
		Errors:        []domain.ValidationError{},
	}

	for i, row := range decoded.Rows {
		record, fieldErrs := ValidateRow(row)
		if len(fieldErrs) == 0 {
			result.AcceptedRows = append(result.AcceptedRows, record)
			continue
		}
		for _, fe := range fieldErrs {
			result.Errors = append(result.Errors, domain.ValidationError{
				RowIndex: i,
				Field:    fe.Field,
				Code:     fe.Code,
				Message:  fmt.Sprintf("Row %d: %s", i+1, fe.Error()),
			})
		}
	}

	if len(result.AcceptedRows) == 0 {
		return nil, noValidRows(result.Errors)
	}

	return result, nil
}

// ProcessReader reads at most the configured limit from r and then behaves
// like Process. The extension is checked before anything is read.
func (o *Orchestrator) ProcessReader(fileName string, r io.Reader) (*domain.UploadResult, error) {
	if err := CheckFileName(fileName); err != nil {
		return nil, err
	}

	content, err := io.ReadAll(io.LimitReader(r, o.maxFileSize+1))
	if err != nil {
		return nil, decodeFailed(fmt.Errorf("ProcessReader: read: %w", err))
	}
	if int64(len(content)) > o.maxFileSize {
		return nil, fileTooLarge(o.maxFileSize)
	}

	return o.Process(fileName, content)
}

// CheckFileName rejects names without a case-insensitive .csv extension.
func CheckFileName(fileName string) error {
	if !strings.EqualFold(filepath.Ext(fileName), ".csv") {
		return wrongFileType(fileName)
	}
	return nil
}
