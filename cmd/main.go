package main

import (
	"log"

	"github.com/BIwashi/cansim/app/check"
	"github.com/BIwashi/cansim/app/convert"
	"github.com/BIwashi/cansim/app/export"
	"github.com/BIwashi/cansim/app/monitor"
	"github.com/BIwashi/cansim/app/send"
	"github.com/BIwashi/cansim/pkg/cli"
)

func main() {
	c := cli.NewCLI(
		"cansim",
		"Simulate, monitor and record CAN traffic described by a DBC file.",
	)

	c.AddCommands(
		send.NewCommand(),
		monitor.NewCommand(),
		convert.NewCommand(),
		export.NewCommand(),
		check.NewCommand(),
	)

	if err := c.Run(); err != nil {
		log.Fatal(err)
	}
}
