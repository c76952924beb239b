// gofpvlinkctl is the control CLI for the gofpvlink ground-station daemon.
package main

import "github.com/wfb-go/gofpvlink/cmd/gofpvlinkctl/commands"

func main() {
	commands.Execute()
}
