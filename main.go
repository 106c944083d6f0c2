package main

import "github.com/nextlevelbuilder/kith/cmd"

func main() {
	cmd.Execute()
}
