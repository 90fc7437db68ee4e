package main

import "airelay/cmd/relayctl/command"

func main() {
	command.Execute()
}
