package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// WebServer 状态与管理接口
// 只读端点给监控面板用，/api/pause 是唯一的写操作
type WebServer struct {
	cfg      *Config
	trader   *Trader
	modes    *ModeManager
	governor *RiskGovernor
	quotes   *QuoteService
	storage  *Storage
	port     *Portfolio
}

// NewWebServer 创建状态服务
func NewWebServer(cfg *Config, trader *Trader, modes *ModeManager,
	governor *RiskGovernor, quotes *QuoteService, storage *Storage, portfolio *Portfolio) *WebServer {
	return &WebServer{
		cfg:      cfg,
		trader:   trader,
		modes:    modes,
		governor: governor,
		quotes:   quotes,
		storage:  storage,
		port:     portfolio,
	}
}

// Start 启动 HTTP 服务，失败只记日志不影响交易循环
func (s *WebServer) Start(port int) {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/allocations", s.handleAllocations)
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/api/trades", s.handleTrades)
	mux.HandleFunc("/api/decisions", s.handleDecisions)
	mux.HandleFunc("/api/equity", s.handleEquity)
	mux.HandleFunc("/api/pause", s.handlePause)

	mux.HandleFunc("/export/trades.csv", s.handleExportTrades)
	mux.HandleFunc("/export/equity.csv", s.handleExportEquity)

	addr := fmt.Sprintf(":%d", port)
	log.Printf("🌍 状态服务: http://localhost%s", addr)
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Printf("⚠️ 状态服务退出: %v", err)
		}
	}()
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (s *WebServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]interface{}{
		"status": "ok",
		"mode":   s.modes.Mode(),
		"uptime": s.trader.Uptime().String(),
	})
}

func (s *WebServer) handleStatus(w http.ResponseWriter, _ *http.Request) {
	acc := s.port.Account()
	pause := s.governor.Pause()

	writeJSON(w, map[string]interface{}{
		"mode":           s.modes.Mode(),
		"cycle":          s.trader.Cycle(),
		"uptime":         s.trader.Uptime().String(),
		"account":        acc,
		"positions":      s.port.Positions(),
		"pause":          pause,
		"signals":        s.trader.LastSignals(),
		"risk":           s.trader.LastRisk(),
		"runtime_sharpe": s.trader.RuntimeSharpe(),
		"quote_breaker":  s.quotes.Breaker().State(),
		"trade_breaker":  s.governor.TradeBreaker().State(),
		"quote_metrics":  s.quotes.Metrics(),
		"timestamp":      time.Now(),
	})
}

func (s *WebServer) handleAllocations(w http.ResponseWriter, _ *http.Request) {
	alloc := s.trader.Allocation()
	if alloc == nil {
		writeJSON(w, map[string]interface{}{"allocation": nil, "note": "尚未完成首次再平衡"})
		return
	}
	writeJSON(w, alloc)
}

func (s *WebServer) handleTrades(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	records, total := s.storage.GetTradeRecords(limit, offset)
	writeJSON(w, map[string]interface{}{
		"total":   total,
		"records": records,
	})
}

func (s *WebServer) handleDecisions(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	writeJSON(w, s.storage.GetDecisions(limit))
}

func (s *WebServer) handleEquity(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	writeJSON(w, s.storage.GetEquityHistory(limit))
}

// handlePause 人工暂停/恢复: POST {"paused": true, "reason": "..."}
func (s *WebServer) handlePause(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, s.governor.Pause())
	case http.MethodPost:
		var req struct {
			Paused bool   `json:"paused"`
			Reason string `json:"reason"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			writeJSON(w, map[string]string{"error": "invalid json"})
			return
		}
		if req.Paused && req.Reason == "" {
			req.Reason = "manual pause via API"
		}
		s.governor.SetManualPause(req.Paused, req.Reason)
		writeJSON(w, s.governor.Pause())
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *WebServer) handleExportTrades(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", "attachment; filename=trades.csv")
	if err := exportTradesCSV(w, s.storage.GetAllTradeRecords()); err != nil {
		log.Printf("⚠️ 导出成交记录失败: %v", err)
	}
}

func (s *WebServer) handleExportEquity(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", "attachment; filename=equity.csv")
	if err := exportEquityCSV(w, s.storage.GetAllEquitySnapshots()); err != nil {
		log.Printf("⚠️ 导出净值失败: %v", err)
	}
}
