package main

import "github.com/soundfold/micsession/cmd"

func main() {
	cmd.Execute()
}
