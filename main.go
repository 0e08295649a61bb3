// Pertci is a local first CI runner for the pertpy workflows.
//
// Pertci reads GitHub-Actions-shaped workflow files, expands their test
// matrices and runs every job instance in a Docker container.
package main

import (
	"github.com/eroell/pertci/cmd/pertci"
)

func main() {
	pertci.Execute()
}
