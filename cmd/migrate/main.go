package main

import (
	"flag"
	"log"

	"crmflow/internal/app"
	"crmflow/internal/config"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

func main() {
	configPath := flag.String("config", "", "config file (default is ./config.yml)")
	flag.Parse()

	// 加载配置
	v := viper.New()
	if err := config.Setup(v, *configPath); err != nil {
		log.Fatalf("Failed to read config: %v", err)
	}
	cfg, err := config.Load(v)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 连接数据库
	db, err := app.OpenDatabase(cfg, logrus.StandardLogger())
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	log.Println("Starting database migration...")
	if err := app.Migrate(db); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}
	log.Println("Database migration completed successfully!")

	// 为常用查询创建复合索引
	log.Println("Creating additional indexes...")
	for _, stmt := range []string{
		"CREATE INDEX IF NOT EXISTS idx_automation_rules_trigger_active ON automation_rules(trigger, active)",
		"CREATE INDEX IF NOT EXISTS idx_automation_logs_rule_triggered ON automation_logs(rule_id, triggered_at)",
		"CREATE INDEX IF NOT EXISTS idx_tasks_status_due ON tasks(status, due_date)",
		"CREATE INDEX IF NOT EXISTS idx_scheduled_actions_due ON automation_scheduled_actions(due_at)",
	} {
		if err := db.Exec(stmt).Error; err != nil {
			log.Printf("index: %v", err)
		}
	}
	log.Println("Migration process completed!")
}
