package main

import (
	"bufio"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"matchchat/internal/auth"
	"matchchat/internal/chat"
	"matchchat/internal/config"
	"matchchat/internal/keystore"
	"matchchat/internal/models"
	"matchchat/internal/rest"
	"matchchat/internal/session"
	"matchchat/internal/transport"
)

func main() {
	cfg := config.Load()

	claims, err := auth.ParseIdentity(cfg.AccessToken)
	if err != nil {
		log.Fatalf("Invalid access token: %v", err)
	}
	if claims.Expired(time.Now()) {
		log.Fatal("Access token is expired. Log in again.")
	}
	selfID := claims.UserID.String()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+cfg.AccessToken)
	socket, err := transport.Dial(cfg.SocketURL, header)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer socket.Close()

	engine, err := chat.New(chat.Config{
		Transport: socket,
		Keys:      keystore.NewFileStore(cfg.KeyStorePath, cfg.KeyStorePassphrase),
		RoomAPI:   rest.NewClient(cfg.APIBaseURL, cfg.AccessToken),
		SelfID:    selfID,
	})
	if err != nil {
		log.Fatalf("Failed to start engine: %v", err)
	}
	defer engine.Close()

	engine.OnStateChange(func(s session.State) {
		fmt.Printf("\n-- session: %s --\n", s)
	})
	engine.OnMatchmakingError(func(msg string) {
		fmt.Printf("\n-- matchmaking failed: %s --\n", msg)
	})
	engine.OnPeerTyping(func(userID string) {
		fmt.Print(".")
	})
	engine.SubscribeTimeline(func(messages []models.ChatMessage) {
		if len(messages) == 0 {
			return
		}
		last := messages[len(messages)-1]
		marker := ""
		if last.Pending {
			marker = " (sending)"
		}
		if last.Failed {
			marker = " (failed)"
		}
		fmt.Printf("[%s] %s%s\n", last.SenderID, last.Body, marker)
	})

	if err := engine.StartMatchmaking(); err != nil {
		log.Fatalf("Could not start matchmaking: %v", err)
	}
	fmt.Println("Searching for a chat partner... (/quit to exit, /cancel to end chat)")

	go readLoop(engine)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	fmt.Println("\nShutting down...")
}

func readLoop(engine *chat.Engine) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit":
			syscall.Kill(syscall.Getpid(), syscall.SIGTERM)
			return
		case line == "/cancel":
			if err := engine.CancelChat(); err != nil {
				fmt.Printf("cancel: %v\n", err)
			}
		default:
			if _, err := engine.SendMessage(line); err != nil {
				fmt.Printf("send: %v\n", err)
			}
		}
	}
}
