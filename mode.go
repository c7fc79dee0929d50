package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// 交易模式，只能沿 SIMULATION → PAPER → LIVE 单向推进
const (
	ModeSimulation = "SIMULATION"
	ModePaper      = "PAPER"
	ModeLive       = "LIVE"
)

// liveConfirmation 实盘确认文件格式
// 只有人工写入 {"confirmed": true} 才允许进入 LIVE
type liveConfirmation struct {
	Confirmed bool   `json:"confirmed"`
	Note      string `json:"note,omitempty"`
}

// modeSnapshot 模式状态持久化格式
type modeSnapshot struct {
	Mode      string    `json:"mode"`
	SimExits  int       `json:"sim_exits"`
	ChangedAt time.Time `json:"changed_at"`
}

// ModeManager 交易模式状态机
// 模拟模式完成足够多的平仓后自动升到纸面交易；
// 实盘只能由人工确认文件触发，程序自己永远不会升到 LIVE
type ModeManager struct {
	mu       sync.Mutex
	mode     string
	simExits int

	cfg         *Config
	stateFile   string
	confirmFile string
	onChange    func(from, to string)
}

// NewModeManager 创建状态机并从文件恢复
func NewModeManager(cfg *Config) *ModeManager {
	mm := &ModeManager{
		mode:        ModeSimulation,
		cfg:         cfg,
		stateFile:   filepath.Join(cfg.DataDir, "trading_mode.json"),
		confirmFile: filepath.Join(cfg.DataDir, "live_mode_confirmed.json"),
	}
	mm.load()
	return mm
}

// SetChangeHook 注册模式切换回调（告警用）
func (mm *ModeManager) SetChangeHook(fn func(from, to string)) {
	mm.mu.Lock()
	mm.onChange = fn
	mm.mu.Unlock()
}

// Mode 当前模式
func (mm *ModeManager) Mode() string {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	return mm.mode
}

// SimExits 模拟模式下累计的平仓次数
func (mm *ModeManager) SimExits() int {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	return mm.simExits
}

// NoteExit 记录一次完整平仓
// 模拟模式下累计到阈值自动升级到 PAPER
func (mm *ModeManager) NoteExit() {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	if mm.mode != ModeSimulation {
		return
	}
	mm.simExits++
	log.Printf("🎓 模拟平仓 %d/%d", mm.simExits, mm.cfg.SimExitsForPaper)
	if mm.simExits >= mm.cfg.SimExitsForPaper {
		mm.transitionLocked(ModePaper)
	}
}

// RequestLive 请求进入实盘
// 必须已处于 PAPER，且确认文件里 confirmed 为 true
func (mm *ModeManager) RequestLive() error {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	if mm.mode == ModeLive {
		return nil
	}
	if mm.mode != ModePaper {
		return fmt.Errorf("当前模式 %s 不能直接进入实盘", mm.mode)
	}

	data, err := os.ReadFile(mm.confirmFile)
	if err != nil {
		return fmt.Errorf("%w: 读取确认文件失败: %v", ErrLiveNotConfirmed, err)
	}
	var conf liveConfirmation
	if err := json.Unmarshal(data, &conf); err != nil {
		return fmt.Errorf("%w: 确认文件格式错误: %v", ErrLiveNotConfirmed, err)
	}
	if !conf.Confirmed {
		return ErrLiveNotConfirmed
	}

	mm.transitionLocked(ModeLive)
	return nil
}

// CheckLiveConfirmation 周期性轮询确认文件
// 返回 true 表示本次调用完成了到 LIVE 的切换
func (mm *ModeManager) CheckLiveConfirmation() bool {
	if mm.Mode() != ModePaper {
		return false
	}
	if err := mm.RequestLive(); err != nil {
		return false
	}
	return true
}

// transitionLocked 执行切换并持久化，调用方必须持有锁
func (mm *ModeManager) transitionLocked(to string) {
	from := mm.mode
	mm.mode = to
	log.Printf("🔁 交易模式切换: %s → %s", from, to)
	mm.persistLocked()
	if mm.onChange != nil {
		go mm.onChange(from, to)
	}
}

func (mm *ModeManager) load() {
	data, err := os.ReadFile(mm.stateFile)
	if err != nil {
		return
	}
	var snap modeSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Printf("⚠️ 解析模式文件失败: %v", err)
		return
	}
	switch snap.Mode {
	case ModeSimulation, ModePaper:
		mm.mode = snap.Mode
		mm.simExits = snap.SimExits
	case ModeLive:
		// 实盘不跨重启延续，重启后回到 PAPER 重新确认
		mm.mode = ModePaper
		mm.simExits = snap.SimExits
		log.Printf("⚠️ 上次运行处于实盘，重启后降级到 PAPER，需重新确认")
	}
	log.Printf("✅ 恢复交易模式: %s", mm.mode)
}

func (mm *ModeManager) persistLocked() {
	snap := modeSnapshot{Mode: mm.mode, SimExits: mm.simExits, ChangedAt: time.Now()}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return
	}
	if err := writeFileAtomic(mm.stateFile, data, 0644); err != nil {
		log.Printf("⚠️ 写入模式文件失败: %v", err)
	}
}
