// The main package for the polite-crawler CLI.
package main

import (
	"github.com/JakeFAU/polite-crawler/cmd"
)

// main is the entry point of the application.
// It defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}
