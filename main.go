package main

import "github.com/nextlevelbuilder/muxboard/cmd"

func main() {
	cmd.Execute()
}
