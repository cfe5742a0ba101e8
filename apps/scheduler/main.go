package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/signflow/internal/clock"
	"github.com/smallbiznis/signflow/internal/config"
	"github.com/smallbiznis/signflow/internal/core"
	"github.com/smallbiznis/signflow/internal/observability"
	"github.com/smallbiznis/signflow/internal/ratelimit"
	"github.com/smallbiznis/signflow/internal/scheduler"
	"github.com/smallbiznis/signflow/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,

		core.Module,
		// Redis locker keeps replicas from running the same job twice.
		ratelimit.Module,
		scheduler.Module,
		scheduler.RunnerModule,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(3)
	if err != nil {
		panic(err)
	}
	return node
}
