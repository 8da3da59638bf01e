package main

import (
	"log"

	"github.com/austindbirch/harbor_jobs/cmd/jobctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
