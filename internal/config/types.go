package config

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了系统运行所需的全部配置项。
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Feed     FeedConfig     `mapstructure:"feed"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
	Watch    WatchConfig    `mapstructure:"watch"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	Database DatabaseConfig `mapstructure:"database"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// FeedConfig 描述行情数据源连接信息。
type FeedConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	StreamURL      string        `mapstructure:"stream_url"`
	APIKey         string        `mapstructure:"api_key"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
}

// GatewayConfig 描述执行网关连接与风控参数。
type GatewayConfig struct {
	Account           string        `mapstructure:"account"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	ReconnectMinDelay time.Duration `mapstructure:"reconnect_min_delay"`
	ReconnectMaxDelay time.Duration `mapstructure:"reconnect_max_delay"`
	BudgetMultiple    float64       `mapstructure:"budget_multiple"`
	InstrumentTTL     time.Duration `mapstructure:"instrument_ttl"`
}

// WatchConfig 控制触发监控行为。
type WatchConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	FillTimeout  time.Duration `mapstructure:"fill_timeout"`
	Workers      int           `mapstructure:"workers"`
}

// MonitorConfig 控制监控HTTP服务。
type MonitorConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	if c.Feed.BaseURL == "" {
		err = multierr.Append(err, errors.New("feed.base_url 不能为空"))
	}
	if c.Feed.StreamURL == "" {
		err = multierr.Append(err, errors.New("feed.stream_url 不能为空"))
	}
	if c.Feed.RequestTimeout <= 0 {
		err = multierr.Append(err, errors.New("feed.request_timeout 必须大于0"))
	}
	if c.Feed.ReconnectDelay <= 0 {
		err = multierr.Append(err, errors.New("feed.reconnect_delay 必须大于0"))
	}
	if c.Gateway.ConnectTimeout <= 0 {
		err = multierr.Append(err, errors.New("gateway.connect_timeout 必须大于0"))
	}
	if c.Gateway.ReconnectMinDelay <= 0 || c.Gateway.ReconnectMaxDelay <= 0 {
		err = multierr.Append(err, errors.New("gateway.reconnect_delay 必须为正"))
	}
	if c.Gateway.ReconnectMinDelay > c.Gateway.ReconnectMaxDelay {
		err = multierr.Append(err, errors.New("gateway.reconnect_min_delay 不能大于 reconnect_max_delay"))
	}
	if c.Gateway.BudgetMultiple < 1 {
		err = multierr.Append(err, errors.New("gateway.budget_multiple 必须不小于1"))
	}
	if c.Gateway.InstrumentTTL <= 0 {
		err = multierr.Append(err, errors.New("gateway.instrument_ttl 必须大于0"))
	}
	if c.Watch.PollInterval <= 0 {
		err = multierr.Append(err, errors.New("watch.poll_interval 必须大于0"))
	}
	if c.Watch.FillTimeout <= 0 {
		err = multierr.Append(err, errors.New("watch.fill_timeout 必须大于0"))
	}
	if c.Watch.Workers <= 0 {
		err = multierr.Append(err, errors.New("watch.workers 必须大于0"))
	}
	if c.Monitor.Enabled && (c.Monitor.Port <= 0 || c.Monitor.Port > 65535) {
		err = multierr.Append(err, errors.New("monitor.port 必须位于[1,65535]"))
	}
	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Database.ConnMaxLifetime < 0 {
		err = multierr.Append(err, errors.New("database.conn_max_lifetime 不能为负"))
	}
	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths 至少包含一个输出目标"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}
