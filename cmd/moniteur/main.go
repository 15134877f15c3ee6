package main

import "github.com/moniteurlabs/moniteur/cmd/moniteur/commands"

func main() {
	commands.Execute()
}
