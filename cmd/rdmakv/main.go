package main

import (
	"os"

	"github.com/yuuki/rdmakv/cmd/rdmakv/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
