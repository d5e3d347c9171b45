// Command chatforged runs the chat server: the shared room, per-pair DM
// rooms, the identity-exchange and telemetry HTTP surface, and the
// WebSocket channel handshake.
package main

import (
	"os"

	"chatforge/cmd/chatforged/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
