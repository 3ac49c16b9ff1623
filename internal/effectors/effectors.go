// Package effectors holds the built-in side effects automation actions run:
// contact mutations, outbound messages and webhooks.
package effectors

import (
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"ruleflow/internal/automation"
	"ruleflow/internal/models"
)

// Effector is an automation effector that declares the kinds it serves.
type Effector interface {
	automation.Effector
	Kinds() []models.ActionKind
}

// Register binds each effector to the kinds it declares.
func Register(reg *automation.Registry, effectors ...Effector) error {
	for _, e := range effectors {
		if err := reg.Register(e, e.Kinds()...); err != nil {
			return err
		}
	}
	return nil
}

// NewRegistry returns a registry covering every effect kind with the
// built-in effectors. A nil sender logs messages instead of sending them.
func NewRegistry(db *gorm.DB, sender Sender, webhook WebhookOptions, logger *logrus.Logger) (*automation.Registry, error) {
	reg := automation.NewRegistry()
	err := Register(reg,
		NewContactEffector(db, logger),
		NewMessageEffector(db, sender, logger),
		NewWebhookEffector(webhook, logger),
	)
	if err != nil {
		return nil, err
	}
	return reg, nil
}
