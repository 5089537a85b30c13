package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"homegate/internal"
	"homegate/internal/pkg"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// syncLog 安全地同步日志，忽略与标准输出相关的错误
func syncLog(log *zap.Logger) {
	// Windows平台上，同步标准输出时会出现"The handle is invalid"错误
	err := log.Sync()
	if err != nil && !strings.Contains(err.Error(), "The handle is invalid") &&
		!strings.Contains(err.Error(), "invalid argument") {
		log.Error("程序退出时同步日志失败", zap.Error(err))
	}
}

func main() {
	// .env 可选, 用于覆盖 yaml 中的配置 (viper AutomaticEnv)
	_ = godotenv.Load()

	configDir := "yaml"
	if dir := os.Getenv("HOMEGATE_CONFIG_DIR"); dir != "" {
		configDir = dir
	}

	// 1. 初始化 yaml 配置
	config, _, err := pkg.InitCommon(configDir)
	if err != nil {
		fmt.Printf("[main] 加载配置失败: %s\n", err)
		os.Exit(1)
	}

	// 2. 初始化log
	log := pkg.NewLogger(&config.Log)
	log.Info("程序启动", zap.String("version", config.Version))
	log.Info("配置信息", zap.Any("common", config))
	log.Info("==== 初始化流程开始 ====")

	// 3. 创建上下文
	ctx, cancel := context.WithCancel(context.Background())
	errChan := make(chan error, 10)
	ctx = pkg.WithErrChan(ctx, errChan)
	ctx = pkg.WithConfig(ctx, config)
	ctx = pkg.WithLogger(ctx, log)

	engine, err := internal.NewEngine(ctx)
	if err != nil {
		log.Error("初始化失败", zap.Error(err))
		cancel()
		syncLog(log)
		os.Exit(1)
	}
	printStartupLogo()

	// 4. 启动
	go func() {
		if err := engine.Run(ctx); err != nil {
			pkg.ReportError(ctx, err)
		}
	}()

	// 5. 主线程监听终止信号
	si := make(chan os.Signal, 1)
	signal.Notify(si, os.Interrupt, syscall.SIGTERM)
	select {
	case <-si:
		log.Info("Caught exit signal, shutting down")
		cancel()
		time.Sleep(1 * time.Second) // 给其他协程时间处理取消
		syncLog(log)
		os.Exit(0)
	case bad := <-errChan:
		log.Error("Error occurred", zap.Error(bad))
		cancel()
		go func() {
			for err := range errChan {
				log.Error("Error occurred before shutdown", zap.Error(err))
			}
		}()
		time.Sleep(1 * time.Second) // 确保日志输出完整
		syncLog(log)
		os.Exit(1)
	}
}

func printStartupLogo() {
	logo := `
	 _                                       _
	| |__   ___  _ __ ___   ___  __ _  __ _| |_ ___
	| '_ \ / _ \| '_ ' _ \ / _ \/ _' |/ _' | __/ _ \
	| | | | (_) | | | | | |  __/ (_| | (_| | ||  __/
	|_| |_|\___/|_| |_| |_|\___|\__, |\__,_|\__\___|
	                            |___/

`
	fmt.Print(logo)
}
