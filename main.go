package main

import "github.com/nextlevelbuilder/debugprobe/cmd"

func main() {
	cmd.Execute()
}
