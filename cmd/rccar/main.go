package main

import (
	"github.com/alecthomas/kong"

	"github.com/vitaminmoo/rccar/internal/cli"
)

func main() {
	var c cli.CLI
	ctx := kong.Parse(&c,
		kong.Name("rccar"),
		kong.Description("Drive a Bluetooth LE RC car. Drive commands: "+cli.CommandHelp()),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{Compact: true}),
	)
	ctx.FatalIfErrorf(ctx.Run(&c))
}
