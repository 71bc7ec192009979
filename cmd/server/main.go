package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"crmflow/internal/app"
	"crmflow/internal/config"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

func main() {
	configPath := flag.String("config", "", "config file (default is ./config.yml)")
	flag.Parse()

	// 读取 .env、配置文件（默认 ./config.yml）与 CRMFLOW_ 环境变量
	v := viper.GetViper()
	if err := config.Setup(v, *configPath); err != nil {
		logrus.Fatalf("Failed to read config: %v", err)
	}
	cfg, err := config.Load(v)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}
	if err := config.InitLogger(cfg); err != nil {
		logrus.Warnf("init logger: %v", err)
	}
	appLogger := logrus.StandardLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := app.Serve(ctx, cfg, appLogger); err != nil {
		appLogger.Fatalf("Server error: %v", err)
	}
}
