package cli

import (
	"fmt"
	"os"

	"crmflow/internal/app"
	"crmflow/internal/config"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:           "crmflow",
	Short:         "CRM automation rule engine",
	Long:          `crmflow runs workflow rules against CRM entity changes and manages rules, logs and simulations.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yml)")
}

// loadConfig 读取配置并初始化日志
func loadConfig() (*config.Config, error) {
	v := viper.New()
	if err := config.Setup(v, cfgFile); err != nil {
		return nil, err
	}
	cfg, err := config.Load(v)
	if err != nil {
		return nil, err
	}
	if err := config.InitLogger(cfg); err != nil {
		logrus.Warnf("init logger: %v", err)
	}
	return cfg, nil
}

// openApp 连接数据库并组装服务（CLI 子命令不启动后台任务）
func openApp() (*app.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	log := logrus.StandardLogger()
	db, err := app.OpenDatabase(cfg, log)
	if err != nil {
		return nil, err
	}
	a, err := app.New(cfg, db, log)
	if err != nil {
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			_ = sqlDB.Close()
		}
		return nil, err
	}
	return a, nil
}
