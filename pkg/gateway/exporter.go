package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gregtusar/fixgateway/pkg/models"
	"github.com/gregtusar/fixgateway/pkg/tracker"
)

// HistoryExport is everything the housekeeping timer saves before purging.
type HistoryExport struct {
	Time        time.Time
	Account     string
	Orders      map[string]*models.Order
	Ledger      []tracker.PositionUpdate
	ExecReports []*models.ExecReport
	Trades      []*models.TradeReport
}

// Prefix names the files of one export.
func (h HistoryExport) Prefix() string {
	prefix := h.Time.UTC().Format("2006_01_02_150405")
	if h.Account != "" {
		prefix += "_" + h.Account
	}
	return prefix
}

type Exporter interface {
	Export(ctx context.Context, h HistoryExport) error
}

// FileExporter writes each export as JSON lines files under dir.
type FileExporter struct {
	dir string
}

func NewFileExporter(dir string) (*FileExporter, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create export directory: %w", err)
	}
	return &FileExporter{dir: dir}, nil
}

func (e *FileExporter) Export(ctx context.Context, h HistoryExport) error {
	prefix := h.Prefix()

	ids := make([]string, 0, len(h.Orders))
	for id := range h.Orders {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	orders := make([]interface{}, 0, len(ids))
	for _, id := range ids {
		orders = append(orders, h.Orders[id])
	}
	if err := e.writeLines(prefix+"_orders.jsonl", orders); err != nil {
		return err
	}

	ledger := make([]interface{}, 0, len(h.Ledger))
	for _, u := range h.Ledger {
		ledger = append(ledger, u)
	}
	if err := e.writeLines(prefix+"_ledger.jsonl", ledger); err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	reports := make([]interface{}, 0, len(h.ExecReports))
	for _, r := range h.ExecReports {
		reports = append(reports, r)
	}
	if err := e.writeLines(prefix+"_exec_reports.jsonl", reports); err != nil {
		return err
	}

	trades := make([]interface{}, 0, len(h.Trades))
	for _, t := range h.Trades {
		trades = append(trades, t)
	}
	return e.writeLines(prefix+"_trades.jsonl", trades)
}

func (e *FileExporter) writeLines(name string, records []interface{}) error {
	if len(records) == 0 {
		return nil
	}

	path := filepath.Join(e.dir, name)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open export file: %w", err)
	}
	defer file.Close()

	for _, record := range records {
		data, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("failed to marshal record: %w", err)
		}
		if _, err := file.Write(append(data, '\n')); err != nil {
			return fmt.Errorf("failed to write %s: %w", name, err)
		}
	}

	if err := file.Sync(); err != nil {
		return fmt.Errorf("failed to sync %s: %w", name, err)
	}
	return nil
}
