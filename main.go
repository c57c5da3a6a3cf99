package main

import (
	"os"

	"github.com/corvid-labs/courier/cmd/courier"
)

func main() {
	if err := courier.Execute(); err != nil {
		os.Exit(1)
	}
}
