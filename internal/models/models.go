package models

import (
	"fmt"
	"time"
)

// Config 定义了单个交易代理的全部配置
type Config struct {
	Symbol            string        `json:"symbol" yaml:"symbol"`
	Magic             int64         `json:"magic" yaml:"magic"`                             // 订单魔术号, 用于区分本代理的持仓和挂单
	Tag               string        `json:"tag" yaml:"tag"`                                 // 订单备注前缀
	Mode              string        `json:"mode" yaml:"mode"`                               // single | grid | martingale
	TickIntervalMs    int           `json:"tick_interval_ms" yaml:"tick_interval_ms"`       // 主循环间隔
	PausePollMs       int           `json:"pause_poll_ms" yaml:"pause_poll_ms"`             // 暂停状态下的轮询间隔
	StatusIntervalSec int           `json:"status_interval_sec" yaml:"status_interval_sec"` // 状态打印间隔
	CloseOnStop       bool          `json:"close_on_stop" yaml:"close_on_stop"`             // 停止时是否平掉所有仓位
	DayTimezone       string        `json:"day_timezone" yaml:"day_timezone"`               // 交易日边界所用时区
	PauseFlagPath     string        `json:"pause_flag_path" yaml:"pause_flag_path"`
	SignalPath        string        `json:"signal_path" yaml:"signal_path"`
	Policy            RiskPolicy    `json:"risk" yaml:"risk"`
	Gateway           GatewayConfig `json:"gateway" yaml:"gateway"`
	Broker            BrokerConfig  `json:"broker" yaml:"broker"`
	Control           ControlConfig `json:"control" yaml:"control"`
	Storage           StorageConfig `json:"storage" yaml:"storage"`
	LogConfig         LogConfig     `json:"log" yaml:"log"`
}

// TickInterval returns the configured loop interval.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalMs) * time.Millisecond
}

// PausePollInterval returns the poll interval used while paused.
func (c *Config) PausePollInterval() time.Duration {
	return time.Duration(c.PausePollMs) * time.Millisecond
}

// StatusInterval returns how often the status table is printed.
func (c *Config) StatusInterval() time.Duration {
	return time.Duration(c.StatusIntervalSec) * time.Second
}

// GatewayConfig 控制下单网关的重试与超时
type GatewayConfig struct {
	RetryAttempts       int `json:"retry_attempts" yaml:"retry_attempts"`
	RetryInitialDelayMs int `json:"retry_initial_delay_ms" yaml:"retry_initial_delay_ms"`
	RetryMaxDelayMs     int `json:"retry_max_delay_ms" yaml:"retry_max_delay_ms"`
	CallTimeoutMs       int `json:"call_timeout_ms" yaml:"call_timeout_ms"`
}

// BrokerConfig 定义了终端桥接服务或模拟终端的参数
type BrokerConfig struct {
	Kind      string      `json:"kind" yaml:"kind"` // bridge | paper
	BaseURL   string      `json:"base_url" yaml:"base_url"`
	WSURL     string      `json:"ws_url" yaml:"ws_url"`
	APIKey    string      `json:"api_key" yaml:"api_key"`
	TimeoutMs int         `json:"timeout_ms" yaml:"timeout_ms"`
	Paper     PaperConfig `json:"paper" yaml:"paper"`
}

// PaperConfig seeds the simulated terminal used in paper mode.
type PaperConfig struct {
	Balance  float64    `json:"balance" yaml:"balance"`
	Currency string     `json:"currency" yaml:"currency"`
	Spec     SymbolSpec `json:"spec" yaml:"spec"`
}

// ControlConfig 定义了控制接口 (暂停/恢复/状态/指标)
type ControlConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Listen  string `json:"listen" yaml:"listen"`
}

// StorageConfig 定义了状态库和订单日志的位置
type StorageConfig struct {
	StateDir    string `json:"state_dir" yaml:"state_dir"`
	JournalPath string `json:"journal_path" yaml:"journal_path"`
}

// LogConfig 定义了日志配置
type LogConfig struct {
	Level      string `json:"level" yaml:"level"`             // 日志级别: debug, info, warn, error
	Output     string `json:"output" yaml:"output"`           // 输出: console, file, both
	File       string `json:"file" yaml:"file"`               // 日志文件路径
	MaxSize    int    `json:"max_size" yaml:"max_size"`       // 单个日志文件最大尺寸 (MB)
	MaxBackups int    `json:"max_backups" yaml:"max_backups"` // 最多保留的旧日志文件数
	MaxAge     int    `json:"max_age" yaml:"max_age"`         // 旧日志文件最长保留天数
	Compress   bool   `json:"compress" yaml:"compress"`       // 是否压缩旧日志文件
}

// Side is the direction of an open position or a market order.
type Side string

const (
	Long  Side = "LONG"
	Short Side = "SHORT"
)

// Sign returns +1 for Long and -1 for Short.
func (s Side) Sign() float64 {
	if s == Short {
		return -1
	}
	return 1
}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == Short {
		return Long
	}
	return Short
}

// OrderSide is the type of a pending limit order.
type OrderSide string

const (
	BuyLimit  OrderSide = "BUY_LIMIT"
	SellLimit OrderSide = "SELL_LIMIT"
)

// AccountSnapshot 是每个tick从终端拉取的账户快照
type AccountSnapshot struct {
	Balance    float64   `json:"balance"`
	Equity     float64   `json:"equity"`
	FreeMargin float64   `json:"free_margin"`
	Currency   string    `json:"currency"`
	Timestamp  time.Time `json:"timestamp"`
}

// Drawdown returns (balance - equity) / balance, or 0 for an empty account.
func (a AccountSnapshot) Drawdown() float64 {
	if a.Balance <= 0 {
		return 0
	}
	return (a.Balance - a.Equity) / a.Balance
}

// SymbolSpec 交易品种规格
type SymbolSpec struct {
	Name         string  `json:"name" yaml:"name"`
	PointSize    float64 `json:"point" yaml:"point"`
	Digits       int     `json:"digits" yaml:"digits"`
	TickValue    float64 `json:"tick_value" yaml:"tick_value"` // 一手合约每移动一个点的价值
	VolumeMin    float64 `json:"volume_min" yaml:"volume_min"`
	VolumeMax    float64 `json:"volume_max" yaml:"volume_max"`
	VolumeStep   float64 `json:"volume_step" yaml:"volume_step"`
	SpreadPoints float64 `json:"spread" yaml:"spread"`
}

// Tick is the latest quote for a symbol, stamped with broker server time.
type Tick struct {
	Symbol string    `json:"symbol"`
	Bid    float64   `json:"bid"`
	Ask    float64   `json:"ask"`
	Time   time.Time `json:"time"`
}

// PriceFor returns the price a position of the given side is marked at (bid for long, ask for short).
func (t Tick) PriceFor(side Side) float64 {
	if side == Short {
		return t.Ask
	}
	return t.Bid
}

// EntryFor returns the price a new market order on the given side fills at.
func (t Tick) EntryFor(side Side) float64 {
	if side == Short {
		return t.Bid
	}
	return t.Ask
}

// Position 由终端持有, 引擎只保存每个tick刷新的缓存副本
type Position struct {
	Ticket       uint64    `json:"ticket"`
	Symbol       string    `json:"symbol"`
	Side         Side      `json:"side"`
	Volume       float64   `json:"volume"`
	OpenPrice    float64   `json:"open_price"`
	CurrentPrice float64   `json:"current_price"`
	StopLoss     float64   `json:"sl"`
	TakeProfit   float64   `json:"tp"`
	Profit       float64   `json:"profit"`
	Magic        int64     `json:"magic"`
	Comment      string    `json:"comment"`
	OpenedAt     time.Time `json:"opened_at"`
}

// PendingOrder 挂单 (网格档位)
type PendingOrder struct {
	Ticket     uint64    `json:"ticket"`
	Symbol     string    `json:"symbol"`
	Side       OrderSide `json:"side"`
	Volume     float64   `json:"volume"`
	Price      float64   `json:"price"`
	StopLoss   float64   `json:"sl"`
	TakeProfit float64   `json:"tp"`
	Magic      int64     `json:"magic"`
	Comment    string    `json:"comment"`
}

// DealEntry tells whether a deal opened or closed exposure.
type DealEntry string

const (
	DealIn  DealEntry = "IN"
	DealOut DealEntry = "OUT"
)

// Deal is one row of broker trade history.
type Deal struct {
	Ticket     uint64    `json:"ticket"`
	Order      uint64    `json:"order"`
	PositionID uint64    `json:"position_id"`
	Symbol     string    `json:"symbol"`
	Entry      DealEntry `json:"entry"`
	Side       Side      `json:"side"`
	Volume     float64   `json:"volume"`
	Price      float64   `json:"price"`
	Profit     float64   `json:"profit"`
	Commission float64   `json:"commission"`
	Swap       float64   `json:"swap"`
	Magic      int64     `json:"magic"`
	Time       time.Time `json:"time"`
}

// NetProfit is profit including commission and swap.
func (d Deal) NetProfit() float64 {
	return d.Profit + d.Commission + d.Swap
}

// Direction is the intent carried by a strategy signal.
type Direction string

const (
	DirectionNone  Direction = "NONE"
	DirectionBuy   Direction = "BUY"
	DirectionSell  Direction = "SELL"
	DirectionHedge Direction = "HEDGE"
)

// Side maps Buy/Sell to a position side. ok is false for None and Hedge.
func (d Direction) Side() (Side, bool) {
	switch d {
	case DirectionBuy:
		return Long, true
	case DirectionSell:
		return Short, true
	}
	return "", false
}

// Signal is produced by an external strategy and consumed once per tick.
type Signal struct {
	Direction Direction      `json:"direction"`
	Strength  float64        `json:"strength,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Error 是桥接服务返回的错误结构
type Error struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("API Error: code=%d, msg=%s", e.Code, e.Msg)
}
