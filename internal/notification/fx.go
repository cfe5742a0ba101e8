package notification

import (
	"github.com/smallbiznis/signflow/internal/notification/repository"
	"github.com/smallbiznis/signflow/internal/notification/service"
	"go.uber.org/fx"
)

var Module = fx.Module("notification",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewDispatcher),
)
