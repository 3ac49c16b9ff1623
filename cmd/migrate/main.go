package main

import (
	"flag"
	"log"

	"github.com/spf13/viper"
	"gorm.io/gorm"

	"ruleflow/internal/config"
	"ruleflow/internal/database"
	"ruleflow/internal/models"
)

const seedTenant = "demo"

func main() {
	cfgFile := flag.String("config", "", "config file (default is ./config.yml)")
	seed := flag.Bool("seed", false, "insert demo data")
	flag.Parse()

	// 加载配置
	if *cfgFile != "" {
		viper.SetConfigFile(*cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}
	viper.AutomaticEnv()
	_ = viper.ReadInConfig()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 连接数据库
	db, err := database.Open(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	log.Println("Starting database migration...")
	if err := database.Migrate(db); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}
	log.Println("Database migration completed successfully!")

	// 插入默认数据
	if *seed {
		log.Println("Seeding default data...")
		if err := seedDefaultData(db); err != nil {
			log.Fatalf("Failed to seed data: %v", err)
		}
		log.Println("Default data seeded successfully!")
	}

	log.Println("Migration process completed!")
}

func seedDefaultData(db *gorm.DB) error {
	// 测试客服
	var agent models.Agent
	if err := db.Where("tenant_id = ? AND name = ?", seedTenant, "Demo Agent").First(&agent).Error; err != nil {
		agent = models.Agent{TenantID: seedTenant, Name: "Demo Agent", Status: "online", MaxLoad: 20}
		if err := db.Create(&agent).Error; err != nil {
			return err
		}
		log.Println("Created demo agent")
	}

	// 测试联系人
	var contact models.Contact
	if err := db.Where("tenant_id = ? AND email = ?", seedTenant, "lead@example.com").First(&contact).Error; err != nil {
		contact = models.Contact{
			TenantID:       seedTenant,
			Name:           "Demo Lead",
			Email:          "lead@example.com",
			Phone:          "+10000000000",
			LifecycleStage: "lead",
		}
		if err := db.Create(&contact).Error; err != nil {
			return err
		}
		log.Println("Created demo contact")
	}

	// 示例规则（草稿，需手动启用）
	var rule models.AutomationRule
	if err := db.Where("tenant_id = ? AND name = ?", seedTenant, "Welcome new leads").First(&rule).Error; err != nil {
		rule = models.AutomationRule{
			TenantID:    seedTenant,
			Name:        "Welcome new leads",
			Description: "Tag web signups and hand them to an agent",
			TriggerType: models.TriggerContactCreated,
			Conditions:  models.ConditionList{{Field: "source", Operator: models.OpEquals, Value: "web"}},
			Actions: models.ActionList{
				{Type: models.ActionAddTag, Tag: &models.TagParams{Name: "new-lead"}},
				{Type: models.ActionWait, Wait: &models.WaitParams{Duration: 10, Unit: models.UnitMinutes}},
				{Type: models.ActionAssignAgent, Assign: &models.AssignParams{Strategy: models.AssignLeastBusy}},
			},
			Status:  models.RuleStatusDraft,
			Version: 1,
		}
		if err := db.Create(&rule).Error; err != nil {
			return err
		}
		log.Println("Created sample automation rule")
	}
	return nil
}
