package main

import "github.com/oppihq/oppid/cmd"

func main() {
	cmd.Execute()
}
