package main

import "github.com/kilnlabs/ciro/cmd"

func main() {
	cmd.Execute()
}
