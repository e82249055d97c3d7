package main

import (
	"go-replicate-studio/cmd/replicate-studio/cmd"
)

func main() {
	// Execute the root command (defined in cmd/root.go); it also closes the API log file.
	cmd.Execute()
}
