// Command client is a minimal terminal front end for the conversation engine. It exists to
// exercise the chat store end to end; any richer presentation layer drives the same surface.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/agentask/agentask/internal/chat"
	"github.com/agentask/agentask/internal/models"
	"github.com/agentask/agentask/internal/transport"
)

const turnTimeout = 2 * time.Minute

func main() {
	serverURL := flag.String("server", "http://localhost:8000", "agent server base URL")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))

	conn := transport.New(*serverURL, logger)
	defer conn.Disconnect()

	store := chat.New(conn, func(msg string) {
		fmt.Printf("\n[error] %s\n", msg)
	}, logger)

	printLog(store.Messages())
	fmt.Println(`Commands: /opt <option> toggles an option, /new starts over, /quit exits.`)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		line := scanner.Text()

		switch {
		case line == "/quit":
			return
		case line == "/new":
			store.NewConversation()
			printLog(store.Messages())
		case strings.HasPrefix(line, "/opt "):
			store.ToggleOption(strings.TrimSpace(strings.TrimPrefix(line, "/opt ")))
			fmt.Printf("selected: %s\n", strings.Join(store.SelectedOptions(), "; "))
		default:
			if err := store.SendMessage(line); err != nil {
				fmt.Printf("[error] %v\n", err)
				continue
			}
			waitForTurn(store)
		}
	}
}

// waitForTurn polls snapshots until the turn reaches a terminal state, echoing streamed content
// as it grows.
func waitForTurn(store *chat.Store) {
	deadline := time.Now().Add(turnTimeout)
	printed := 0
	searching := false

	for time.Now().Before(deadline) {
		if store.IsSearching() != searching {
			searching = !searching
			if searching {
				fmt.Print("[searching the web...]\n")
			}
		}

		msgs := store.Messages()
		if last := msgs[len(msgs)-1]; last.Role == models.RoleAssistant {
			if len(last.Content) > printed {
				fmt.Print(last.Content[printed:])
				printed = len(last.Content)
			}
		}

		if !store.IsLoading() {
			fmt.Println()
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	fmt.Println("\n[timed out waiting for response]")
}

func printLog(msgs []models.Message) {
	for _, msg := range msgs {
		fmt.Printf("%s: %s\n", msg.Role, msg.Content)
	}
}
