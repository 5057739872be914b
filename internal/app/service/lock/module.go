package lock

import "go.uber.org/fx"

// Module exposes the distributed lock service via Fx.
var Module = fx.Options(
	fx.Provide(NewService),
)
