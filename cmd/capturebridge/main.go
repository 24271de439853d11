package main

import "github.com/bryanchriswhite/CaptureBridge/cmd/capturebridge/commands"

func main() {
	commands.Execute()
}
