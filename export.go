package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// ExportFormat 导出格式
type ExportFormat string

const (
	ExportCSV  ExportFormat = "csv"
	ExportJSON ExportFormat = "json"
)

// Exporter 数据导出器
type Exporter struct {
	storage *Storage
}

// NewExporter 创建导出器
func NewExporter(storage *Storage) *Exporter {
	return &Exporter{storage: storage}
}

// exportEquityCSV 把净值快照写成 CSV
func exportEquityCSV(w io.Writer, snapshots []EquitySnapshot) error {
	// BOM 让 Excel 正确识别 UTF-8
	if _, err := w.Write([]byte{0xEF, 0xBB, 0xBF}); err != nil {
		return err
	}

	writer := csv.NewWriter(w)
	defer writer.Flush()

	if err := writer.Write([]string{"timestamp", "equity", "pnl", "pnl_pct", "mode"}); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	for _, s := range snapshots {
		row := []string{
			s.Timestamp.Format(time.RFC3339),
			strconv.FormatFloat(s.Equity, 'f', 2, 64),
			strconv.FormatFloat(s.PnL, 'f', 2, 64),
			strconv.FormatFloat(s.PnLPct, 'f', 4, 64),
			s.Mode,
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("write row: %w", err)
		}
	}
	return nil
}

// exportTradesCSV 把成交记录写成 CSV
func exportTradesCSV(w io.Writer, records []TradeRecord) error {
	if _, err := w.Write([]byte{0xEF, 0xBB, 0xBF}); err != nil {
		return err
	}

	writer := csv.NewWriter(w)
	defer writer.Flush()

	headers := []string{"time", "symbol", "side", "quantity", "price", "value", "pnl", "mode", "reason"}
	if err := writer.Write(headers); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	for _, r := range records {
		row := []string{
			r.Time.Format(time.RFC3339),
			r.Symbol,
			r.Side,
			strconv.FormatFloat(r.Quantity, 'f', 8, 64),
			strconv.FormatFloat(r.Price, 'f', 8, 64),
			strconv.FormatFloat(r.Value, 'f', 2, 64),
			strconv.FormatFloat(r.PnL, 'f', 2, 64),
			r.Mode,
			r.Reason,
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("write row: %w", err)
		}
	}
	return nil
}

// ExportEquityHistory 导出净值曲线到文件
func (e *Exporter) ExportEquityHistory(outputDir string, format ExportFormat) (string, error) {
	snapshots := e.storage.GetAllEquitySnapshots()
	if len(snapshots) == 0 {
		return "", fmt.Errorf("no equity data to export")
	}

	path := filepath.Join(outputDir, generateFilename("equity", format))
	switch format {
	case ExportCSV:
		return path, writeCSVFile(path, func(w io.Writer) error {
			return exportEquityCSV(w, snapshots)
		})
	case ExportJSON:
		return path, exportToJSON(snapshots, path)
	}
	return "", fmt.Errorf("unsupported format: %s", format)
}

// ExportTradeRecords 导出成交记录到文件
func (e *Exporter) ExportTradeRecords(outputDir string, format ExportFormat) (string, error) {
	records := e.storage.GetAllTradeRecords()
	if len(records) == 0 {
		return "", fmt.Errorf("no trade records to export")
	}

	path := filepath.Join(outputDir, generateFilename("trades", format))
	switch format {
	case ExportCSV:
		return path, writeCSVFile(path, func(w io.Writer) error {
			return exportTradesCSV(w, records)
		})
	case ExportJSON:
		return path, exportToJSON(records, path)
	}
	return "", fmt.Errorf("unsupported format: %s", format)
}

// ExportFullReport 导出完整 JSON 报告
func (e *Exporter) ExportFullReport(outputDir string) (string, error) {
	report := map[string]interface{}{
		"equity_history": e.storage.GetEquityHistory(1000),
		"decisions":      e.storage.GetDecisions(500),
		"trade_stats":    computeTradeStats(e.storage.AllDecisions()),
		"generated_at":   time.Now(),
	}
	records, total := e.storage.GetTradeRecords(500, 0)
	report["trade_records"] = records
	report["trade_total"] = total

	path := filepath.Join(outputDir, generateFilename("full_report", ExportJSON))
	return path, exportToJSON(report, path)
}

func writeCSVFile(path string, fn func(io.Writer) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	defer file.Close()
	return fn(file)
}

func exportToJSON(data interface{}, path string) error {
	jsonData, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	return writeFileAtomic(path, jsonData, 0644)
}

// runExportCommand CLI 子命令入口: smart_trader export [csv|json] [输出目录]
// 逐项导出，单项没有数据只提示不中断
func runExportCommand(args []string) {
	format := ExportCSV
	outputDir := "exports"
	if len(args) > 0 {
		format = ExportFormat(args[0])
	}
	if len(args) > 1 {
		outputDir = args[1]
	}
	if format != ExportCSV && format != ExportJSON {
		log.Fatalf("不支持的导出格式: %s (可选 csv / json)", format)
	}

	cfg, err := LoadConfig()
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	storage, err := NewStorage(filepath.Join(cfg.DataDir, "storage.json"))
	if err != nil {
		log.Fatalf("打开存储失败: %v", err)
	}
	defer storage.Close()

	exporter := NewExporter(storage)
	if path, err := exporter.ExportEquityHistory(outputDir, format); err != nil {
		log.Printf("⚠️ 净值曲线导出跳过: %v", err)
	} else {
		fmt.Printf("净值曲线已导出: %s\n", path)
	}
	if path, err := exporter.ExportTradeRecords(outputDir, format); err != nil {
		log.Printf("⚠️ 成交记录导出跳过: %v", err)
	} else {
		fmt.Printf("成交记录已导出: %s\n", path)
	}
	if path, err := exporter.ExportFullReport(outputDir); err != nil {
		log.Printf("⚠️ 完整报告导出失败: %v", err)
	} else {
		fmt.Printf("完整报告已导出: %s\n", path)
	}
}

func generateFilename(prefix string, format ExportFormat) string {
	timestamp := time.Now().Format("20060102_150405")
	ext := "json"
	if format == ExportCSV {
		ext = "csv"
	}
	return fmt.Sprintf("%s_%s.%s", prefix, timestamp, ext)
}
