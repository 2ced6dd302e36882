package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"futures-grid-bot-go/internal/models"

	"gopkg.in/yaml.v3"
)

// LoadConfig 从指定路径加载配置文件并解析到Config结构体中。
// .yaml/.yml 使用 YAML 解析, 其余按 JSON 处理。
func LoadConfig(path string) (*models.Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	config := &models.Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.NewDecoder(file).Decode(config)
	default:
		err = json.NewDecoder(file).Decode(config)
	}
	if err != nil {
		return nil, fmt.Errorf("解析配置文件 %s 失败: %w", path, err)
	}

	ApplyDefaults(config)
	return config, nil
}

// ApplyDefaults 为未填写的字段补齐默认值
func ApplyDefaults(cfg *models.Config) {
	if cfg.Exchange.Name == "" {
		cfg.Exchange.Name = "binance"
	}
	if cfg.Exchange.OrderRateLimit <= 0 {
		cfg.Exchange.OrderRateLimit = 10
	}
	if cfg.Exchange.OrderBurst <= 0 {
		cfg.Exchange.OrderBurst = 20
	}
	if cfg.Exchange.RequestTimeoutMs <= 0 {
		cfg.Exchange.RequestTimeoutMs = 15000
	}
	if cfg.Exchange.PaperBalance <= 0 {
		cfg.Exchange.PaperBalance = 10000
	}

	e := &cfg.Engine
	if e.LoopIntervalMs <= 0 {
		e.LoopIntervalMs = 2000
	}
	if e.HeartbeatSec <= 0 {
		e.HeartbeatSec = 15
	}
	if e.StopTimeoutSec <= 0 {
		e.StopTimeoutSec = 10
	}
	if e.StepTimeoutSec <= 0 {
		e.StepTimeoutSec = 60
	}
	if e.DeadBand <= 0 {
		e.DeadBand = 3
	}
	if e.PriceTolerance <= 0 {
		e.PriceTolerance = 0.0001
	}
	if e.ConfirmDelayMs < 0 {
		e.ConfirmDelayMs = 0
	} else if e.ConfirmDelayMs == 0 {
		e.ConfirmDelayMs = 500
	}
	if e.StatusIntervalSec <= 0 {
		e.StatusIntervalSec = 30
	}

	if cfg.Persistence.Backend == "" {
		cfg.Persistence.Backend = "file"
	}
	if cfg.Persistence.Path == "" {
		if cfg.Persistence.Backend == "badger" {
			cfg.Persistence.Path = "data/state"
		} else {
			cfg.Persistence.Path = "bot_state.json"
		}
	}
	if cfg.Journal.Path == "" {
		cfg.Journal.Path = "data/journal.db"
	}
	if cfg.Feed.WSBaseURL == "" {
		cfg.Feed.WSBaseURL = "wss://fstream.binance.com"
	}
	if cfg.Feed.ReconnectDelaySec <= 0 {
		cfg.Feed.ReconnectDelaySec = 5
	}
	if cfg.API.Addr == "" {
		cfg.API.Addr = ":8080"
	}
	if cfg.LogConfig.Level == "" {
		cfg.LogConfig.Level = "info"
	}
	if cfg.LogConfig.Output == "" {
		cfg.LogConfig.Output = "console"
	}
}
