// Command envirocomply runs the compliance pipeline, serves its API and
// manages the records it produces.
//
// Configuration is read from a YAML file (--config), ENVIROCOMPLY_*
// environment variables and an optional .env file, in increasing order of
// precedence for the environment.
package main

import (
	"fmt"
	"os"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
