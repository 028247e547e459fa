// Command client is a line-based menu client: it connects to a player agent
// over websocket and presses the host and join buttons.
package main

import (
	"os"

	"multiplayersessions/internal/logging"

	"github.com/rs/zerolog/log"
)

func main() {
	logging.InitLogger("menu-client", os.Getenv("LOG_LEVEL"))
	if err := newRootCmd().Execute(); err != nil {
		log.Fatal().Err(err).Msg("[Client] Exiting.")
	}
}
