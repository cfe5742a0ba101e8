package signingtoken

import "go.uber.org/fx"

var Module = fx.Module("signingtoken",
	fx.Provide(NewCodec),
)
