package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/nidaanhealth/carebill/internal/clock"
	"github.com/nidaanhealth/carebill/internal/config"
	"github.com/nidaanhealth/carebill/internal/migration"
	"github.com/nidaanhealth/carebill/internal/scheduler"
	"github.com/nidaanhealth/carebill/internal/server"
	"github.com/nidaanhealth/carebill/pkg/db"
	"github.com/nidaanhealth/carebill/pkg/log"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		log.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,

		migration.Module,
		server.Module,
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) *snowflake.Node {
	node, err := snowflake.NewNode(cfg.SnowflakeNode)
	if err != nil {
		panic(err)
	}
	return node
}
