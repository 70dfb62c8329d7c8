// cmd/loom/main.go
package main

import (
	cmd "github.com/loomworks/loom/internal/cli"
)

// main starts the loom CLI application by delegating to the
// cobra root command defined in the loom package. It does not
// take any arguments and does not return a value.
func main() {
	cmd.Execute()
}
