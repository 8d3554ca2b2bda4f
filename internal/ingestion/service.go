package ingestion

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"
	"golang.org/x/sync/errgroup"

	"github.com/rpattn/profilesvc/internal/domain"
	"github.com/rpattn/profilesvc/internal/profile"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported file format")
	ErrMissingUserColumn = errors.New("a user_id column is required")
	byteOrderMark        = []byte{0xEF, 0xBB, 0xBF}
)

const defaultConcurrency = 8

// Creator is the mutation entry point used for every imported row.
type Creator interface {
	Create(ctx context.Context, actor profile.Actor, userID string, fields map[string]any) (domain.Snapshot, error)
}

// Service imports profiles from CSV or XLSX uploads.
type Service struct {
	creator     Creator
	logger      *slog.Logger
	concurrency int
}

type Option func(*Service)

// WithConcurrency bounds how many rows are created in parallel.
func WithConcurrency(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

func NewService(creator Creator, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{creator: creator, logger: logger, concurrency: defaultConcurrency}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type Request struct {
	Actor          profile.Actor
	FileName       string
	Data           io.Reader
	HeaderRowIndex *int
}

// RowError describes one row that was not imported. Row is 1-based and counts
// the header.
type RowError struct {
	Row     int    `json:"row"`
	UserID  string `json:"userId,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type CreatedProfile struct {
	Row     int    `json:"row"`
	UserID  string `json:"userId"`
	Version int64  `json:"version"`
}

type Summary struct {
	BatchID     string           `json:"batchId"`
	TotalRows   int              `json:"totalRows"`
	CreatedRows int              `json:"createdRows"`
	FailedRows  int              `json:"failedRows"`
	Created     []CreatedProfile `json:"created"`
	Errors      []RowError       `json:"errors"`
}

type tableData struct {
	headers        []string
	rows           [][]string
	headerRowIndex int
	rowNumbers     []int
}

type columnType string

const (
	columnString  columnType = "string"
	columnInteger columnType = "integer"
	columnFloat   columnType = "float"
	columnBoolean columnType = "boolean"
)

type rowOutcome struct {
	created *CreatedProfile
	failure *RowError
}

// Ingest creates one profile per data row. Rows that fail are reported in the
// summary; storage outages abort the import.
func (s *Service) Ingest(ctx context.Context, req Request) (Summary, error) {
	summary := Summary{
		BatchID: uuid.NewString(),
		Created: []CreatedProfile{},
		Errors:  []RowError{},
	}
	if req.Data == nil {
		return summary, domain.Invalidf("file is required")
	}

	payload, err := io.ReadAll(req.Data)
	if err != nil {
		return summary, fmt.Errorf("failed to read upload: %w", err)
	}

	table, err := parseTable(req.FileName, payload, req.HeaderRowIndex)
	if err != nil {
		return summary, domain.Invalidf("%v", err)
	}
	userColumn := findUserColumn(table.headers)
	if userColumn < 0 {
		return summary, domain.Invalidf("%v", ErrMissingUserColumn)
	}
	types := inferColumnTypes(table)

	actor := req.Actor
	if actor.RequestID == "" {
		actor.RequestID = summary.BatchID
	}

	logger := s.logger.With(
		slog.String("batch_id", summary.BatchID),
		slog.String("file", req.FileName),
	)
	logger.InfoContext(ctx, "profile import started", slog.Int("rows", len(table.rows)))

	summary.TotalRows = len(table.rows)
	outcomes := make([]rowOutcome, len(table.rows))
	seen := make(map[string]int, len(table.rows))

	var (
		mu         sync.Mutex
		storageErr error
	)
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(s.concurrency)

	for idx, row := range table.rows {
		rowNumber := table.rowNumbers[idx]
		userID := strings.TrimSpace(row[userColumn])
		if userID == "" {
			outcomes[idx].failure = &RowError{Row: rowNumber, Code: string(domain.KindInvalid), Message: "user_id is empty"}
			continue
		}
		if first, dup := seen[userID]; dup {
			outcomes[idx].failure = &RowError{
				Row:     rowNumber,
				UserID:  userID,
				Code:    "DUPLICATE_ROW",
				Message: fmt.Sprintf("user %s already appears on row %d", userID, first),
			}
			continue
		}
		if extra := countExtraCells(row, len(table.headers)); extra > 0 {
			outcomes[idx].failure = &RowError{
				Row:     rowNumber,
				UserID:  userID,
				Code:    string(domain.KindInvalid),
				Message: fmt.Sprintf("row has %d value(s) beyond the %d header columns", extra, len(table.headers)),
			}
			continue
		}
		seen[userID] = rowNumber

		fields, err := buildFields(table.headers, types, row, userColumn)
		if err != nil {
			outcomes[idx].failure = &RowError{Row: rowNumber, UserID: userID, Code: string(domain.KindInvalid), Message: err.Error()}
			continue
		}

		group.Go(func() error {
			snapshot, err := s.creator.Create(gctx, actor, userID, fields)
			if err != nil {
				if errors.Is(err, domain.ErrStorageUnavailable) {
					mu.Lock()
					storageErr = err
					mu.Unlock()
					return err
				}
				if gctx.Err() != nil {
					return gctx.Err()
				}
				code := string(domain.KindOf(err))
				if code == "" {
					code = "INTERNAL"
				}
				outcomes[idx].failure = &RowError{Row: rowNumber, UserID: userID, Code: code, Message: err.Error()}
				return nil
			}
			outcomes[idx].created = &CreatedProfile{Row: rowNumber, UserID: userID, Version: snapshot.Version}
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		if storageErr != nil {
			err = storageErr
		}
		logger.ErrorContext(ctx, "profile import aborted", slog.Any("error", err))
		return summary, err
	}

	for _, outcome := range outcomes {
		switch {
		case outcome.created != nil:
			summary.Created = append(summary.Created, *outcome.created)
		case outcome.failure != nil:
			summary.Errors = append(summary.Errors, *outcome.failure)
		}
	}
	summary.CreatedRows = len(summary.Created)
	summary.FailedRows = len(summary.Errors)

	logger.InfoContext(ctx, "profile import finished",
		slog.Int("created", summary.CreatedRows),
		slog.Int("failed", summary.FailedRows),
	)
	return summary, nil
}

func findUserColumn(headers []string) int {
	for idx, header := range headers {
		switch strings.ToLower(header) {
		case "user_id", "userid":
			return idx
		}
	}
	return -1
}

func buildFields(headers []string, types []columnType, row []string, userColumn int) (map[string]any, error) {
	fields := make(map[string]any, len(headers)-1)
	for idx, header := range headers {
		if idx == userColumn {
			continue
		}
		raw := strings.TrimSpace(row[idx])
		if raw == "" {
			continue
		}
		value, err := coerceValue(types[idx], raw)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", header, err)
		}
		fields[header] = value
	}
	return fields, nil
}

func parseTable(fileName string, payload []byte, headerRowIndex *int) (tableData, error) {
	ext := strings.ToLower(filepath.Ext(fileName))
	switch ext {
	case ".csv":
		return parseCSV(payload, headerRowIndex)
	case ".xlsx":
		return parseExcel(payload, headerRowIndex)
	default:
		return tableData{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
}

func parseCSV(payload []byte, headerRowIndex *int) (tableData, error) {
	reader := bufio.NewReader(bytes.NewReader(payload))
	if prefix, err := reader.Peek(len(byteOrderMark)); err == nil && bytes.Equal(prefix, byteOrderMark) {
		_, _ = reader.Discard(len(byteOrderMark))
	}

	csvReader := csv.NewReader(reader)
	csvReader.TrimLeadingSpace = true
	csvReader.FieldsPerRecord = -1

	records, err := csvReader.ReadAll()
	if err != nil {
		return tableData{}, fmt.Errorf("failed to read csv: %w", err)
	}
	return normalizeTable(records, headerRowIndex)
}

func parseExcel(payload []byte, headerRowIndex *int) (tableData, error) {
	f, err := excelize.OpenReader(bytes.NewReader(payload))
	if err != nil {
		return tableData{}, fmt.Errorf("failed to open xlsx: %w", err)
	}
	defer func() { _ = f.Close() }()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return tableData{}, errors.New("excel file has no sheets")
	}

	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return tableData{}, fmt.Errorf("failed to read rows from xlsx: %w", err)
	}
	return normalizeTable(rows, headerRowIndex)
}

// normalizeTable picks the header row (explicit index or first non-empty row)
// and pads short data rows to the header width. Blank rows are skipped.
func normalizeTable(records [][]string, headerRowIndex *int) (tableData, error) {
	if len(records) == 0 {
		return tableData{}, errors.New("no rows found in file")
	}

	start := 0
	headerIndex := -1
	if headerRowIndex != nil {
		if *headerRowIndex < 0 || *headerRowIndex >= len(records) {
			return tableData{}, fmt.Errorf("header row index %d out of range", *headerRowIndex)
		}
		if isBlankRow(records[*headerRowIndex]) {
			return tableData{}, fmt.Errorf("selected header row %d is empty", *headerRowIndex+1)
		}
		headerIndex = *headerRowIndex
		start = headerIndex + 1
	} else {
		for idx, row := range records {
			if !isBlankRow(row) {
				headerIndex = idx
				start = idx + 1
				break
			}
		}
	}
	if headerIndex < 0 {
		return tableData{}, errors.New("header row could not be detected")
	}

	headers := sanitizeHeaders(records[headerIndex])
	table := tableData{headers: headers, headerRowIndex: headerIndex}
	for idx := start; idx < len(records); idx++ {
		if isBlankRow(records[idx]) {
			continue
		}
		table.rows = append(table.rows, padRow(records[idx], len(headers)))
		table.rowNumbers = append(table.rowNumbers, idx+1)
	}
	return table, nil
}

// countExtraCells counts non-empty cells past the header width.
func countExtraCells(row []string, width int) int {
	extra := 0
	for idx := width; idx < len(row); idx++ {
		if strings.TrimSpace(row[idx]) != "" {
			extra++
		}
	}
	return extra
}

func isBlankRow(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

func sanitizeHeaders(raw []string) []string {
	headers := make([]string, len(raw))
	seen := make(map[string]int)

	for idx, value := range raw {
		name := strings.TrimSpace(value)
		name = strings.ReplaceAll(name, " ", "_")
		name = strings.ReplaceAll(name, ".", "_")
		name = strings.ReplaceAll(name, "-", "_")
		name = strings.Trim(name, "_")
		if name == "" {
			name = fmt.Sprintf("column_%d", idx+1)
		}

		base := name
		count := seen[base]
		if count > 0 {
			name = fmt.Sprintf("%s_%d", base, count+1)
		}
		seen[base] = count + 1

		headers[idx] = name
	}

	return headers
}

// padRow extends short rows to the header width. Longer rows are returned
// unchanged so the extra cells can be reported.
func padRow(row []string, length int) []string {
	if len(row) >= length {
		return row
	}
	padded := make([]string, length)
	copy(padded, row)
	return padded
}

// inferColumnTypes picks the narrowest type every non-empty cell of a column fits.
func inferColumnTypes(table tableData) []columnType {
	types := make([]columnType, len(table.headers))
	for col := range table.headers {
		types[col] = profileColumn(col, table.rows)
	}
	return types
}

func profileColumn(col int, rows [][]string) columnType {
	isInt, isFloat, isBool := true, true, true
	hasValue := false
	for _, row := range rows {
		value := strings.TrimSpace(row[col])
		if value == "" {
			continue
		}
		hasValue = true
		if isInt && !looksLikeInt(value) {
			isInt = false
		}
		if isFloat && !looksLikeFloat(value) {
			isFloat = false
		}
		if isBool && !looksLikeBool(value) {
			isBool = false
		}
	}
	switch {
	case !hasValue:
		return columnString
	case isBool && !isInt:
		return columnBoolean
	case isInt:
		return columnInteger
	case isFloat:
		return columnFloat
	default:
		return columnString
	}
}

func looksLikeBool(value string) bool {
	switch strings.ToLower(value) {
	case "true", "false", "yes", "no":
		return true
	}
	return false
}

func looksLikeInt(value string) bool {
	if _, err := strconv.ParseInt(value, 10, 64); err == nil {
		return true
	}
	// Allow float representations that can be losslessly converted to int.
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return math.Mod(f, 1) == 0 && !strings.ContainsAny(value, "eE")
	}
	return false
}

func looksLikeFloat(value string) bool {
	_, err := strconv.ParseFloat(value, 64)
	return err == nil
}

func coerceValue(kind columnType, raw string) (any, error) {
	switch kind {
	case columnInteger:
		if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return i, nil
		}
		if f, err := strconv.ParseFloat(raw, 64); err == nil && math.Mod(f, 1) == 0 {
			return int64(f), nil
		}
		return nil, fmt.Errorf("unable to coerce %q to integer", raw)
	case columnFloat:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("unable to coerce %q to float", raw)
		}
		return f, nil
	case columnBoolean:
		switch strings.ToLower(raw) {
		case "true", "yes":
			return true, nil
		case "false", "no":
			return false, nil
		}
		return nil, fmt.Errorf("unable to coerce %q to boolean", raw)
	default:
		return raw, nil
	}
}
