package main

import "github.com/nfrund/notifyrelay/cmd/notifyrelay/cmd"

func main() {
	cmd.Execute()
}
