// Command sosctl is the thin REST client spoken of in DESIGN.md: it talks
// only to the Engine's HTTP surface (chat, tasks, models, health, witness,
// version), never to the Task Store or any other subsystem directly, the
// same "CLI as a client of the service's own API" shape as
// cmd/hortator's relationship to its controller's Kubernetes API.
package main

import (
	"fmt"
	"os"

	"github.com/sosproject/sentinel/cmd/sosctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
