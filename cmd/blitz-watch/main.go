// Command blitz-watch prints hub status, or follows one game until it ends.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/park285/cheese-blitz/internal/hubclient"
	"github.com/park285/cheese-blitz/internal/obslog"
	"github.com/park285/cheese-blitz/pkg/blitzdto"
)

func main() {
	api := flag.String("api", "http://127.0.0.1:8080", "hub status API base URL")
	ws := flag.String("ws", "ws://127.0.0.1:8081", "hub watch stream base URL")
	game := flag.String("game", "", "game id to follow; empty prints health and queue")
	retries := flag.Int("reconnect", 5, "watch reconnect attempts")
	flag.Parse()

	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logger init error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	if *game == "" {
		err = status(ctx, hubclient.NewClient(*api))
	} else {
		err = hubclient.NewWatcher(*ws, *retries).Watch(ctx, *game, printView)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func status(ctx context.Context, c *hubclient.Client) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	h, err := c.Health(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("hub %s, redis %s\n", h.Status, h.Redis)
	q, waiting, err := c.Queue(ctx)
	if err != nil {
		return err
	}
	if !waiting {
		fmt.Println("queue empty")
		return nil
	}
	fmt.Printf("%s waiting for %s\n", q.UserID, time.Duration(q.WaitingMs)*time.Millisecond)
	return nil
}

func printView(v blitzdto.GameView) {
	fmt.Printf("[v%d] %s %s | white %s black %s | %s to move | %s\n",
		v.Version, v.ID, v.LastMove, v.WhiteClock, v.BlackClock, v.ActiveColor, v.Position)
	if v.Status == "finished" {
		winner := v.WinnerID
		if winner == "" {
			winner = "nobody"
		}
		fmt.Printf("finished: %s wins by %s\n", winner, v.EndReason)
	}
}
