package main

import (
	"os"

	"github.com/LoveWonYoung/isotpbridge/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
