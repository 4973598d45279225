//go:build wireinject
// +build wireinject

// The build tag makes sure the stub is not built in the final build.

package main

import (
	"CreditLane/internal/biz"
	"CreditLane/internal/conf"
	"CreditLane/internal/data"
	"CreditLane/internal/server"
	"CreditLane/internal/service"

	"github.com/go-kratos/kratos/v2"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/wire"
)

// wireApp init kratos application.
func wireApp(*conf.Server, *conf.Data, []*conf.Breaker, *conf.RateLimit, *conf.Credit, *conf.Sync, log.Logger) (*kratos.App, func(), error) {
	panic(wire.Build(
		data.ProviderSet,
		biz.ProviderSet,
		service.ProviderSet,
		server.ProviderSet,
		newMaintenanceCron,
		newApp,
	))
}
