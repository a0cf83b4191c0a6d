// Command aigw is the entry point for the AI gateway. It fronts a
// Cohere-style upstream with an OpenAI-shaped REST/SSE API, adding
// resilience (cache, retry, circuit breaker), conversation memory, and a
// RAG document store.
package main

import (
	"fmt"
	"os"

	"github.com/d4r1us/aigw-go/cmd/aigw/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
