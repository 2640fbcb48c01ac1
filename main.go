// The main package for the snapsearch executable.
package main

import (
	"github.com/JakeFAU/snapsearch-go/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
