package main

import "github.com/anisbkh/drbackup/cmd"

func main() {
	cmd.Execute()
}
