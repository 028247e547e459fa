package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"multiplayersessions/internal/agent"
	"multiplayersessions/internal/network"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const defaultAgents = "localhost:8080"

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("MENU")
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:           "client",
		Short:         "Host or join multiplayer sessions through a player agent",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("agents", defaultAgents, "comma-separated agent addresses, tried in order (env MENU_AGENTS)")
	root.PersistentFlags().Int("slots", 4, "public connections when hosting (env MENU_SLOTS)")
	root.PersistentFlags().String("match", "FreeForAll", "match type to host or join (env MENU_MATCH)")
	root.PersistentFlags().Duration("timeout", 30*time.Second, "how long one-shot commands wait for travel (env MENU_TIMEOUT)")
	_ = v.BindPFlags(root.PersistentFlags())

	root.AddCommand(
		newButtonCmd(v, "host", "Create a session and travel to the lobby", agent.MsgHost),
		newButtonCmd(v, "join", "Find a session with the same match type and join it", agent.MsgJoin),
		newInteractiveCmd(v),
	)
	return root
}

// newButtonCmd presses one menu button and waits for the travel outcome.
func newButtonCmd(v *viper.Viper, use, short, msgType string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conn, err := dialAgents(v.GetString("agents"))
			if err != nil {
				return err
			}
			defer conn.Close()

			if err := sendSetup(conn, v.GetInt("slots"), v.GetString("match")); err != nil {
				return err
			}
			if err := send(conn, msgType, nil); err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), v.GetDuration("timeout"))
			defer cancel()
			return awaitTravel(ctx, conn)
		},
	}
}

func newInteractiveCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "interactive",
		Short: "Read menu commands from stdin (setup, host, join, start, leave, quit)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conn, err := dialAgents(v.GetString("agents"))
			if err != nil {
				return err
			}
			defer conn.Close()

			if err := sendSetup(conn, v.GetInt("slots"), v.GetString("match")); err != nil {
				return err
			}

			interrupt := make(chan os.Signal, 1)
			signal.Notify(interrupt, os.Interrupt)

			done := make(chan struct{})
			go readLoop(conn, done)
			go inputLoop(conn)

			select {
			case <-done:
				log.Info().Msg("[Client] Disconnected from agent.")
			case <-interrupt:
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			}
			return nil
		},
	}
}

// ============================================================================
// Connection helpers
// ============================================================================

// dialAgents tries each address until one accepts the websocket.
func dialAgents(addrs string) (*websocket.Conn, error) {
	for _, addr := range strings.Split(addrs, ",") {
		u := url.URL{Scheme: "ws", Host: strings.TrimSpace(addr), Path: "/ws"}
		conn, resp, err := websocket.DefaultDialer.Dial(u.String(), nil)
		if err == nil {
			log.Info().Str("agent", u.Host).Msg("[Client] Connected.")
			return conn, nil
		}
		ev := log.Warn().Err(err).Str("agent", u.Host)
		if resp != nil {
			ev = ev.Str("status", resp.Status)
		}
		ev.Msg("[Client] Could not connect.")
	}
	return nil, fmt.Errorf("no agent reachable in %q", addrs)
}

func send(conn *websocket.Conn, msgType string, payload any) error {
	msg, err := network.NewMessage(msgType, payload)
	if err != nil {
		return err
	}
	return conn.WriteJSON(msg)
}

func sendSetup(conn *websocket.Conn, slots int, match string) error {
	return send(conn, agent.MsgSetup, agent.SetupPayload{NumPublicConnections: slots, MatchType: match})
}

var errTravelFailed = errors.New("travel failed")

// awaitTravel prints pushes until a TRAVEL message arrives or ctx expires.
func awaitTravel(ctx context.Context, conn *websocket.Conn) error {
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	}
	for {
		var msg network.Message
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("no travel before timeout: %w", ctx.Err())
			}
			return err
		}
		printMessage(msg)

		switch msg.Type {
		case agent.MsgTravel:
			var p agent.TravelPayload
			if err := msg.Decode(&p); err != nil {
				return err
			}
			if !p.Success {
				return fmt.Errorf("%w: %s", errTravelFailed, p.Error)
			}
			return nil
		case agent.MsgSessionCreated:
			var p agent.SessionCreatedPayload
			if msg.Decode(&p) == nil && !p.OK {
				return errors.New("session could not be created")
			}
		case agent.MsgSessionsFound:
			var p agent.SessionsFoundPayload
			if msg.Decode(&p) == nil && !p.OK {
				return errors.New("no sessions found")
			}
		}
	}
}

func readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		var msg network.Message
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Msg("[Client] Read error.")
			}
			return
		}
		printMessage(msg)
	}
}

func inputLoop(conn *websocket.Conn) {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) > 0 {
			if err := handleInput(conn, fields); err != nil {
				fmt.Println("error:", err)
			}
		}
		fmt.Print("> ")
	}
}

func handleInput(conn *websocket.Conn, fields []string) error {
	switch strings.ToLower(fields[0]) {
	case "host":
		return send(conn, agent.MsgHost, nil)
	case "join":
		return send(conn, agent.MsgJoin, nil)
	case "start":
		return send(conn, agent.MsgStart, nil)
	case "leave":
		return send(conn, agent.MsgLeave, nil)
	case "setup":
		if len(fields) != 3 {
			return errors.New("usage: setup <slots> <matchType>")
		}
		slots, err := strconv.Atoi(fields[1])
		if err != nil {
			return fmt.Errorf("slots: %w", err)
		}
		return sendSetup(conn, slots, fields[2])
	case "quit", "exit":
		return conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}
	return fmt.Errorf("unknown command %q", fields[0])
}

func printMessage(msg network.Message) {
	switch msg.Type {
	case agent.MsgMenuStatus:
		var p agent.StatusPayload
		if msg.Decode(&p) == nil {
			fmt.Printf("\n[%s] %s\n", strings.ToUpper(p.Level), p.Text)
			return
		}
	case agent.MsgSessionsFound:
		var p agent.SessionsFoundPayload
		if msg.Decode(&p) == nil {
			fmt.Printf("\nFound %d session(s):\n", len(p.Sessions))
			for i, s := range p.Sessions {
				fmt.Printf("  [%d] %s  host=%s  match=%s\n", i, s.SessionID, s.OwnerName, s.MatchTag())
			}
			return
		}
	}
	var pretty any
	if len(msg.Payload) > 0 && json.Unmarshal(msg.Payload, &pretty) == nil {
		fmt.Printf("\n%s %v\n", msg.Type, pretty)
		return
	}
	fmt.Printf("\n%s\n", msg.Type)
}
