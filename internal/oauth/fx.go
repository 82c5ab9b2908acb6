package oauth

import (
	consentdomain "github.com/smallbiznis/obgateway/internal/consent/domain"
	"github.com/smallbiznis/obgateway/internal/userdirectory"
	"go.uber.org/fx"
)

var Module = fx.Module("oauth",
	fx.Provide(NewConfig),
	fx.Provide(NewStore),
	fx.Provide(func(s Store) consentdomain.TokenRevoker { return s }),
	fx.Provide(func(d *userdirectory.Directory) UserDirectory { return d }),
	fx.Provide(NewService),
)
