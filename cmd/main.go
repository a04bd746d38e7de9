package main

import (
	"log"

	"github.com/BIwashi/tcmerge/app/analyze"
	"github.com/BIwashi/tcmerge/pkg/cli"
)

func main() {
	c := cli.NewCLI(
		"tcmerge",
		"Report capture timing and merge generated TimeCode frames into pcap/pcapng.",
	)

	c.AddCommands(
		analyze.NewCommand(),
	)

	if err := c.Run(); err != nil {
		log.Fatal(err)
	}
}
