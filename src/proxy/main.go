package main

import (
	"github.com/pyright-proxy/pyright-proxy/src/proxy/app"
	"go.uber.org/fx"
)

func opts() fx.Option {
	return fx.Options(
		app.Module,
	)
}

func main() {
	fx.New(opts()).Run()
}
