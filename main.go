package main

import (
	"github.com/sidkik/bupper/cmd"
	"github.com/sidkik/bupper/cmd/util"
)

func main() {
	defer util.HandlePanic()
	cmd.Execute()
}
