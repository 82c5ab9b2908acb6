package userdirectory

import (
	consentdomain "github.com/smallbiznis/obgateway/internal/consent/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("userdirectory",
	fx.Provide(New),
	fx.Provide(func(d *Directory) consentdomain.UserLookup { return d }),
)
