package idempotency

import "go.uber.org/fx"

// Module exposes the idempotency service via Fx.
var Module = fx.Options(
	fx.Provide(NewService),
)
