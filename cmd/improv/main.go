package main

import (
	"github.com/alecthomas/kong"

	"github.com/vitaminmoo/improv-tool/internal/cli"
	"github.com/vitaminmoo/improv-tool/internal/config"
)

func main() {
	var c cli.CLI
	ctx := kong.Parse(&c,
		kong.Name("improv"),
		kong.Description("Provision Wi-Fi on Improv devices over Bluetooth LE"),
		kong.UsageOnError(),
	)
	err := ctx.Run(&c)
	_ = config.Logger().Sync()
	ctx.FatalIfErrorf(err)
}
