package ingest

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/dvloznov/smeinsight/internal/domain"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// DecodedFile is the tokenized content of one uploaded file.
type DecodedFile struct {
	// Headers are the normalized column names in file order, duplicates removed.
	Headers []string
	Rows    []domain.RawRow
}

// Decode tokenizes a whole CSV file held in memory. The header row is
// mandatory; blank lines are skipped. Any tokenizing or encoding problem fails
// the whole file before a single row is validated.
func Decode(content []byte, fileName string) (*DecodedFile, error) {
	text, err := toUTF8(content)
	if err != nil {
		return nil, decodeFailed(fmt.Errorf("%s: %w", fileName, err))
	}

	r := csv.NewReader(bytes.NewReader(text))
	// Field counts are checked by hand so whitespace-only lines can be skipped.
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, emptyFile()
	}
	if err != nil {
		return nil, decodeFailed(err)
	}

	headers, positions := normalizeHeader(header)
	if missing := missingRequired(headers); len(missing) > 0 {
		return nil, missingColumns(missing, headers)
	}

	var rows []domain.RawRow
	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, decodeFailed(err)
		}
		if isBlankRecord(record) {
			continue
		}
		if len(record) != len(header) {
			line, _ := r.FieldPos(0)
			return nil, decodeFailed(fmt.Errorf("line %d: expected %d fields, got %d", line, len(header), len(record)))
		}

		row := make(domain.RawRow, len(headers))
		for i, name := range headers {
			row[name] = record[positions[i]]
		}
		rows = append(rows, row)
	}

	if len(rows) == 0 {
		return nil, emptyFile()
	}

	return &DecodedFile{Headers: headers, Rows: rows}, nil
}

// toUTF8 strips a UTF-8 BOM, transcodes UTF-16 when a BOM announces it, and
// rejects anything that is not valid UTF-8 afterwards.
func toUTF8(content []byte) ([]byte, error) {
	out, _, err := transform.Bytes(unicode.BOMOverride(transform.Nop), content)
	if err != nil {
		return nil, fmt.Errorf("unreadable text encoding: %w", err)
	}
	if !utf8.Valid(out) {
		return nil, errors.New("unreadable text encoding: invalid UTF-8")
	}
	return out, nil
}

// normalizeHeader returns the usable column names and, for each, its position
// in the raw record. Empty names are dropped; for repeated names the first
// column wins.
func normalizeHeader(header []string) ([]string, []int) {
	seen := make(map[string]bool, len(header))
	names := make([]string, 0, len(header))
	positions := make([]int, 0, len(header))
	for i, h := range header {
		name := NormalizeColumn(h)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
		positions = append(positions, i)
	}
	return names, positions
}

func missingRequired(headers []string) []string {
	present := make(map[string]bool, len(headers))
	for _, h := range headers {
		present[h] = true
	}
	var missing []string
	for _, col := range RequiredColumns {
		if !present[col] {
			missing = append(missing, col)
		}
	}
	return missing
}

func isBlankRecord(record []string) bool {
	for _, f := range record {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}
