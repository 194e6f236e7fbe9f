// The main package for the rematch-tracker executable.
package main

import (
	"github.com/rankwatch/rematch-tracker/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
