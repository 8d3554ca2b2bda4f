package export

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/rpattn/profilesvc/internal/domain"
)

// Format selects the export file type.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

const sheetName = "History"

var fixedColumns = []string{"version", "operation", "actor", "request_id", "created_at", "restored_from_version"}

// ParseFormat accepts csv or xlsx, defaulting to csv.
func ParseFormat(raw string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(raw))) {
	case "", FormatCSV:
		return FormatCSV, nil
	case FormatXLSX:
		return FormatXLSX, nil
	}
	return "", domain.Invalidf("unsupported export format %q", raw)
}

func (f Format) ContentType() string {
	if f == FormatXLSX {
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "text/csv; charset=utf-8"
}

// HistorySource supplies the snapshot chain and audit ledger of one user.
type HistorySource interface {
	Versions(ctx context.Context, userID string) ([]domain.Snapshot, error)
	History(ctx context.Context, userID string) ([]domain.AuditEntry, error)
}

// Service renders a user's version history as a spreadsheet, one row per version.
type Service struct {
	source HistorySource
	logger *slog.Logger
}

func NewService(source HistorySource, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{source: source, logger: logger}
}

// WriteHistory writes the history of userID to w and returns the row count.
func (s *Service) WriteHistory(ctx context.Context, userID string, format Format, w io.Writer) (int, error) {
	header, rows, err := s.buildRows(ctx, userID)
	if err != nil {
		return 0, err
	}

	switch format {
	case FormatXLSX:
		err = writeXLSX(w, header, rows)
	default:
		err = writeCSV(w, header, rows)
	}
	if err != nil {
		return 0, err
	}

	s.logger.InfoContext(ctx, "history exported",
		slog.String("user_id", userID),
		slog.String("format", string(format)),
		slog.Int("rows", len(rows)),
	)
	return len(rows), nil
}

// FileName returns the attachment name for an export.
func FileName(userID string, format Format) string {
	return fmt.Sprintf("profile-%s-history.%s", sanitizeFileComponent(userID), format)
}

func (s *Service) buildRows(ctx context.Context, userID string) ([]string, [][]string, error) {
	snapshots, err := s.source.Versions(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	entries, err := s.source.History(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	audit := make(map[int64]domain.AuditEntry, len(entries))
	for _, entry := range entries {
		audit[entry.Version] = entry
	}

	fieldNames := collectFieldNames(snapshots)
	header := append(append([]string(nil), fixedColumns...), fieldNames...)

	rows := make([][]string, 0, len(snapshots))
	for _, snapshot := range snapshots {
		entry := audit[snapshot.Version]
		row := make([]string, 0, len(header))
		row = append(row,
			strconv.FormatInt(snapshot.Version, 10),
			string(snapshot.Operation),
			entry.Actor,
			entry.RequestID,
			formatValue(snapshot.CreatedAt),
			"",
		)
		if snapshot.RestoredFromVersion != nil {
			row[len(row)-1] = strconv.FormatInt(*snapshot.RestoredFromVersion, 10)
		}
		for _, name := range fieldNames {
			row = append(row, formatValue(snapshot.Fields[name]))
		}
		rows = append(rows, row)
	}
	return header, rows, nil
}

func collectFieldNames(snapshots []domain.Snapshot) []string {
	seen := map[string]struct{}{}
	for _, snapshot := range snapshots {
		for name := range snapshot.Fields {
			seen[name] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func writeCSV(w io.Writer, header []string, rows [][]string) error {
	buffered := bufio.NewWriter(w)
	csvWriter := csv.NewWriter(buffered)
	if err := csvWriter.Write(header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if err := csvWriter.WriteAll(rows); err != nil {
		return fmt.Errorf("write rows: %w", err)
	}
	if err := buffered.Flush(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return nil
}

func writeXLSX(w io.Writer, header []string, rows [][]string) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName(f.GetSheetName(0), sheetName); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}
	stream, err := f.NewStreamWriter(sheetName)
	if err != nil {
		return fmt.Errorf("open stream writer: %w", err)
	}
	if err := stream.SetRow("A1", toCells(header)); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := stream.SetRow(cell, toCells(row)); err != nil {
			return fmt.Errorf("write row %d: %w", i+2, err)
		}
	}
	if err := stream.Flush(); err != nil {
		return fmt.Errorf("flush xlsx: %w", err)
	}
	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write xlsx: %w", err)
	}
	return nil
}

func toCells(values []string) []any {
	cells := make([]any, len(values))
	for i, value := range values {
		cells[i] = value
	}
	return cells
}

func sanitizeFileComponent(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return "profile"
	}
	builder := strings.Builder{}
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z':
			builder.WriteRune(r)
		case r >= '0' && r <= '9':
			builder.WriteRune(r)
		case r == '-' || r == '_':
			builder.WriteRune(r)
		default:
			builder.WriteRune('-')
		}
	}
	result := strings.Trim(builder.String(), "-")
	if result == "" {
		return "profile"
	}
	return result
}

func formatValue(value any) string {
	if value == nil {
		return ""
	}
	switch v := value.(type) {
	case string:
		return v
	case time.Time:
		return v.UTC().Format(time.RFC3339Nano)
	case bool:
		if v {
			return "true"
		}
		return "false"
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32, int, int32, int64, uint, uint32, uint64:
		return fmt.Sprintf("%v", v)
	case map[string]any, []any:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(encoded)
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}
