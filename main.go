package main

import "github.com/keeper-backup/keeper/cli"

func main() {
	cli.Execute()
}
