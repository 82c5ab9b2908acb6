package accounts

import "go.uber.org/fx"

var Module = fx.Module("accounts",
	fx.Provide(NewReader),
)
