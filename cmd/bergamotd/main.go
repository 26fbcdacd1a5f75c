// Command bergamotd runs the visit ingestion & tree reconciliation
// engine (spec §6's "CLI shell that wraps the engine"). It is a minimal
// stand-in for the real HTTP listener / native-messaging bridge named as
// an external collaborator in spec §1 — just enough to run and exercise
// the engine end to end.
package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
