package matcher

import "go.uber.org/fx"

// Module exposes the matcher via Fx.
var Module = fx.Options(
	fx.Provide(New),
)
