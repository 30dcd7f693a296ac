// Entrypoint for the cosim CLI; delegates to the Cobra root command in
// cmd/root.go.

package main

import (
	"github.com/cosim-go/cosim/cmd"
)

func main() {
	cmd.Execute()
}
