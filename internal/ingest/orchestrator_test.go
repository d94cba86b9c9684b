package ingest

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) {
	return 0, errors.New("connection reset")
}

func TestOrchestrator_FullValidRow(t *testing.T) {
	content := "date,amount,description,category,customer,product\n" +
		"2024-01-15,250.00,Coffee sales,Sales,John Doe,Espresso\n"

	result, err := NewOrchestrator(0).Process("sales.csv", []byte(content))
	require.NoError(t, err)

	assert.Equal(t, "sales.csv", result.FileName)
	assert.Equal(t, 1, result.TotalRowCount)
	assert.Empty(t, result.Errors)
	require.Len(t, result.AcceptedRows, 1)

	row := result.AcceptedRows[0]
	assert.Equal(t, "2024-01-15", row.Date)
	assert.Equal(t, "250", row.Amount.String())
	assert.Equal(t, "Sales", row.Category)
	assert.Equal(t, "Espresso", row.Product)
}

func TestOrchestrator_NoValidRows(t *testing.T) {
	_, err := NewOrchestrator(0).Process("bad.csv", []byte("date,amount\n,abc\n"))

	require.ErrorIs(t, err, ErrNoValidRows)
	assert.Contains(t, err.Error(), "no valid data rows")

	var uerr *UploadError
	require.True(t, errors.As(err, &uerr))
	require.Len(t, uerr.Errors, 2)
	assert.Equal(t, CodeRequiredFieldMissing, uerr.Errors[0].Code)
	assert.Equal(t, CodeInvalidNumber, uerr.Errors[1].Code)
	assert.Equal(t, 0, uerr.Errors[0].RowIndex)
	assert.True(t, strings.HasPrefix(uerr.Errors[0].Message, "Row 1: date: "))
}

func TestOrchestrator_PartialAcceptance(t *testing.T) {
	content := "date,amount\n" +
		"2024-01-01,1\n" +
		",2\n" +
		"2024-01-03,three\n" +
		"2024-01-04,4\n"

	result, err := NewOrchestrator(0).Process("mixed.csv", []byte(content))
	require.NoError(t, err)

	assert.Equal(t, 4, result.TotalRowCount)
	require.Len(t, result.AcceptedRows, 2)
	assert.Equal(t, "2024-01-01", result.AcceptedRows[0].Date)
	assert.Equal(t, "2024-01-04", result.AcceptedRows[1].Date)

	require.Len(t, result.Errors, 2)
	assert.Equal(t, 1, result.Errors[0].RowIndex)
	assert.Equal(t, "Row 2: date: date is required", result.Errors[0].Message)
	assert.Equal(t, 2, result.Errors[1].RowIndex)
	assert.True(t, strings.HasPrefix(result.Errors[1].Message, "Row 3: amount: "))
}

func TestOrchestrator_InputShapeErrors(t *testing.T) {
	valid := []byte("date,amount\n2024-01-15,1\n")

	tests := []struct {
		name     string
		fileName string
		content  []byte
		limit    int64
		want     error
	}{
		{name: "txt extension", fileName: "data.txt", content: valid, want: ErrWrongFileType},
		{name: "no extension", fileName: "data", content: valid, want: ErrWrongFileType},
		{name: "csv in name only", fileName: "data.csv.bak", content: valid, want: ErrWrongFileType},
		{name: "too large", fileName: "data.csv", content: valid, limit: 8, want: ErrFileTooLarge},
		{name: "missing amount", fileName: "data.csv", content: []byte("date,description\n2024-01-15,x\n"), want: ErrMissingRequiredColumns},
		{name: "empty", fileName: "data.csv", content: []byte("date,amount\n"), want: ErrEmptyFile},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := NewOrchestrator(tt.limit).Process(tt.fileName, tt.content)
			assert.Nil(t, result)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestOrchestrator_WrongFileTypeBeforeDecode(t *testing.T) {
	// Content that would fail decoding must still report the extension problem.
	_, err := NewOrchestrator(0).Process("data.txt", []byte("\"unterminated"))
	assert.ErrorIs(t, err, ErrWrongFileType)
	assert.NotErrorIs(t, err, ErrDecodeFailed)
}

func TestOrchestrator_ExtensionCaseInsensitive(t *testing.T) {
	result, err := NewOrchestrator(0).Process("REPORT.CSV", []byte("date,amount\n2024-01-15,1\n"))
	require.NoError(t, err)
	assert.Len(t, result.AcceptedRows, 1)
}

func TestOrchestrator_Idempotent(t *testing.T) {
	content := []byte("date,amount,category\n2024-01-15,1,Misc\n,2,\n2024-01-16,x,\n2024-01-17,3.5,finance\n")
	o := NewOrchestrator(0)

	first, err := o.Process("a.csv", content)
	require.NoError(t, err)
	second, err := o.Process("a.csv", content)
	require.NoError(t, err)

	a, err := json.Marshal(first)
	require.NoError(t, err)
	b, err := json.Marshal(second)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestOrchestrator_ProcessReader(t *testing.T) {
	o := NewOrchestrator(32)

	result, err := o.ProcessReader("a.csv", strings.NewReader("date,amount\n2024-01-15,1\n"))
	require.NoError(t, err)
	assert.Len(t, result.AcceptedRows, 1)

	_, err = o.ProcessReader("a.csv", strings.NewReader("date,amount\n"+strings.Repeat("2024-01-15,1\n", 10)))
	assert.ErrorIs(t, err, ErrFileTooLarge)

	_, err = o.ProcessReader("a.txt", failingReader{})
	assert.ErrorIs(t, err, ErrWrongFileType)

	_, err = o.ProcessReader("a.csv", failingReader{})
	assert.ErrorIs(t, err, ErrDecodeFailed)
}

func TestNewOrchestrator_DefaultLimit(t *testing.T) {
	assert.Equal(t, DefaultMaxFileSize, NewOrchestrator(0).MaxFileSize())
	assert.Equal(t, DefaultMaxFileSize, NewOrchestrator(-1).MaxFileSize())
	assert.Equal(t, int64(1024), NewOrchestrator(1024).MaxFileSize())
}
