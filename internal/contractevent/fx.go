package contractevent

import (
	"github.com/smallbiznis/signflow/internal/contractevent/repository"
	"github.com/smallbiznis/signflow/internal/contractevent/service"
	"go.uber.org/fx"
)

var Module = fx.Module("contractevent",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
