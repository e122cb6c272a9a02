// The main package for the scheme-crawler executable.
package main

import (
	"github.com/JakeFAU/scheme-crawler/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
