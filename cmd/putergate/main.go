package main

import (
	"log"

	"github.com/putergate/putergate/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
