package main

import (
	"errors"
	"os"

	"github.com/bitten-ci/bitten/cmd"
	"github.com/bitten-ci/bitten/internal/slave"
	"github.com/bitten-ci/bitten/pkg/env"
	"github.com/bitten-ci/bitten/pkg/log"
)

func main() {
	if err := env.Process(); err != nil {
		log.Fatal("environment failure", "error", err)
	}

	if err := cmd.Execute(); err != nil {
		var exit *slave.ExitError
		if errors.As(err, &exit) {
			log.Error("slave failure", "error", exit.Err, "code", exit.Code)
			os.Exit(exit.Code)
		}
		log.Fatal("bitten failure", "error", err)
	}
}
