package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"futures-grid-bot-go/internal/api"
	"futures-grid-bot-go/internal/bot"
	"futures-grid-bot-go/internal/config"
	"futures-grid-bot-go/internal/exchange"
	"futures-grid-bot-go/internal/feed"
	"futures-grid-bot-go/internal/logger"
	"futures-grid-bot-go/internal/manager"
	"futures-grid-bot-go/internal/models"
	"futures-grid-bot-go/internal/persistence"
	"futures-grid-bot-go/internal/reporter"
	"futures-grid-bot-go/internal/storage"

	"github.com/joho/godotenv"
)

func main() {
	// --- 命令行参数定义 ---
	configPath := flag.String("config", "config.json", "path to the config file (json or yaml)")
	flag.Parse()

	// 先用默认配置初始化日志, 加载配置时就能记录
	logger.InitLogger(models.LogConfig{Level: "info", Output: "console"})

	if err := godotenv.Load(); err != nil {
		logger.S().Info("未找到 .env 文件，将从系统环境变量中读取。")
	} else {
		logger.S().Info("成功从 .env 文件加载配置。")
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.S().Fatalf("无法加载配置文件: %v", err)
	}

	logger.InitLogger(cfg.LogConfig)
	defer logger.S().Sync()

	runLiveMode(cfg)
}

// newExchange 根据配置选择模拟盘或币安合约
func newExchange(cfg *models.Config) (exchange.Exchange, *exchange.PaperExchange, error) {
	apiKey := os.Getenv("BINANCE_API_KEY")
	secretKey := os.Getenv("BINANCE_SECRET_KEY")

	if cfg.Exchange.Name == "paper" || apiKey == "" {
		if cfg.Exchange.Name != "paper" {
			logger.S().Warn("未设置 BINANCE_API_KEY，改用内存模拟盘交易所")
		} else {
			logger.S().Info("使用内存模拟盘交易所")
		}
		paper := exchange.NewPaperExchange(exchange.PaperConfig{
			Balance:      cfg.Exchange.PaperBalance,
			MakerFeeRate: cfg.Exchange.MakerFeeRate,
			TakerFeeRate: cfg.Exchange.TakerFeeRate,
		})
		return paper, paper, nil
	}
	if secretKey == "" {
		return nil, nil, errors.New("已设置 BINANCE_API_KEY 但缺少 BINANCE_SECRET_KEY")
	}

	if cfg.Exchange.IsTestnet {
		logger.S().Info("正在使用币安测试网...")
	} else {
		logger.S().Info("正在使用币安生产网...")
	}
	live := exchange.NewBinanceFutures(exchange.BinanceConfig{
		APIKey:         apiKey,
		SecretKey:      secretKey,
		IsTestnet:      cfg.Exchange.IsTestnet,
		OrderRateLimit: cfg.Exchange.OrderRateLimit,
		OrderBurst:     cfg.Exchange.OrderBurst,
		RequestTimeout: time.Duration(cfg.Exchange.RequestTimeoutMs) * time.Millisecond,
	}, logger.L().Named("binance"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := live.SyncServerTime(ctx); err != nil {
		logger.S().Warnf("同步服务器时间失败: %v", err)
	}
	return live, nil, nil
}

// runLiveMode 运行实时交易机器人, 直到收到退出信号
func runLiveMode(cfg *models.Config) {
	logger.S().Info("--- 启动实时交易模式 ---")

	ex, paper, err := newExchange(cfg)
	if err != nil {
		logger.S().Fatalf("初始化交易所失败: %v", err)
	}

	var journal *storage.Journal
	if cfg.Journal.Enabled {
		db, err := storage.InitDB(cfg.Journal.Path)
		if err != nil {
			logger.S().Fatalf("初始化订单流水数据库失败: %v", err)
		}
		defer db.Close()
		journal = storage.NewJournal(ex, db, logger.L())
		ex = journal
	}

	repo, err := persistence.New(cfg.Persistence)
	if err != nil {
		logger.S().Fatalf("初始化状态存储失败: %v", err)
	}
	defer repo.Close()

	ring := logger.NewRing(logger.DefaultRingSize)
	gridBot := bot.New(ex, logger.L(), ring, bot.OptionsFromConfig(cfg.Engine))

	var priceFeed manager.PriceFeed
	if cfg.Feed.Enabled {
		var w feed.Watcher = feed.NewWSFeed(cfg.Feed, logger.L())
		if paper != nil {
			// 模拟盘用真实成交价撮合
			w = feed.WithObserver(w, paper.SetPrice)
		}
		priceFeed = w
	} else if paper != nil {
		logger.S().Warn("模拟盘未开启行情推送, 价格不会变化")
	}

	mgr := manager.New(gridBot, repo, priceFeed, logger.L())

	restored, err := mgr.Restore()
	switch {
	case err != nil:
		logger.S().Warnf("无法从快照恢复: %v，等待新的启动命令。", err)
	case restored:
		logger.S().Info("已从快照自动恢复运行。")
	case cfg.AutoStart && cfg.Grid != nil:
		if err := mgr.Start(*cfg.Grid); err != nil {
			logger.S().Fatalf("机器人启动失败: %v", err)
		}
	}

	var server *api.Server
	if cfg.API.Enabled {
		server = api.NewServer(cfg.API.Addr, mgr, logger.L())
		go func() {
			logger.S().Infof("控制接口监听于 %s", cfg.API.Addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.S().Errorf("控制接口异常退出: %v", err)
			}
		}()
	}

	monitorDone := make(chan struct{})
	go monitorStatus(mgr, paper, journal, time.Duration(cfg.Engine.StatusIntervalSec)*time.Second, monitorDone)

	// 等待中断信号以实现优雅退出
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	close(monitorDone)

	// 只停止循环, 挂单和仓位保留, 快照中仍为运行状态, 下次启动自动恢复
	mgr.Shutdown()
	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := server.Shutdown(ctx); err != nil {
			logger.S().Warnf("关闭控制接口失败: %v", err)
		}
		cancel()
	}
	logger.S().Info("机器人已停止，状态已保存。")
}

// monitorStatus 定期打印状态表, 附带模拟盘手续费和订单流水中未完结的订单数
func monitorStatus(mgr *manager.Manager, paper *exchange.PaperExchange, journal *storage.Journal, interval time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			st := mgr.Status()
			if st.Phase == models.PhaseStopped {
				continue
			}
			var extra []reporter.Row
			if paper != nil {
				extra = append(extra, reporter.Row{Label: "模拟盘手续费", Value: fmt.Sprintf("%.4f", paper.TotalFees())})
			}
			if journal != nil {
				if active, err := journal.ActiveOrders(st.Symbol); err == nil {
					extra = append(extra, reporter.Row{Label: "流水未完结订单", Value: fmt.Sprintf("%d", len(active))})
				} else {
					logger.S().Warnf("读取订单流水失败: %v", err)
				}
			}
			fmt.Print(reporter.RenderStatus(st, extra...))
		}
	}
}
