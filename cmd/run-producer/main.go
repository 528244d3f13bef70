package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/kz-records/internal/domain"
	"github.com/kz-records/internal/kafka"
)

// steamIDBase is the lowest 64-bit individual account id
const steamIDBase = 76561197960265728

var defaultMaps = []string{
	"kz_grotto", "kz_beach", "kz_bhop_lego", "kz_cascade", "kz_checkmate",
	"kz_ggsh", "kz_lionharder", "kz_synergy_x", "kz_victoria", "kz_wucht",
}

func main() {
	// Command line flags
	brokers := flag.String("brokers", "localhost:9092", "Kafka brokers (comma-separated)")
	topic := flag.String("topic", "kz-runs", "Kafka topic")
	maps := flag.String("maps", strings.Join(defaultMaps, ","), "Maps to publish runs for (comma-separated)")
	totalPlayers := flag.Int("players", 200, "Number of distinct players")
	runsPerSecond := flag.Int("rate", 5, "Runs published per second")
	duration := flag.Duration("duration", 0, "Duration to run (0 = forever)")
	flag.Parse()

	if *runsPerSecond <= 0 || *totalPlayers <= 0 {
		log.Fatal("rate and players must be positive")
	}
	mapList := strings.Split(*maps, ",")

	fmt.Println("----------------------------------------")
	fmt.Println("  KZ run event producer")
	fmt.Println("----------------------------------------")
	fmt.Printf("  Brokers:     %s\n", *brokers)
	fmt.Printf("  Topic:       %s\n", *topic)
	fmt.Printf("  Maps:        %d\n", len(mapList))
	fmt.Printf("  Players:     %d\n", *totalPlayers)
	fmt.Printf("  Runs/sec:    %d\n", *runsPerSecond)
	fmt.Println("----------------------------------------")

	publisher, err := kafka.NewPublisher(strings.Split(*brokers, ","), *topic)
	if err != nil {
		log.Fatalf("Failed to create publisher: %v", err)
	}
	defer publisher.Close()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(time.Second / time.Duration(*runsPerSecond))
	defer ticker.Stop()

	statsTicker := time.NewTicker(5 * time.Second)
	defer statsTicker.Stop()

	var endTime time.Time
	if *duration > 0 {
		endTime = time.Now().Add(*duration)
	}

	var sent, failed int64
	for {
		select {
		case <-sigChan:
			fmt.Printf("\nShutting down. Sent: %d, Errors: %d\n", sent, failed)
			return

		case <-ticker.C:
			if *duration > 0 && time.Now().After(endTime) {
				fmt.Printf("\nDuration reached. Sent: %d, Errors: %d\n", sent, failed)
				return
			}

			event := randomRun(mapList, *totalPlayers)
			if err := publisher.Publish(event); err != nil {
				failed++
				log.Printf("Publish error: %v", err)
				continue
			}
			sent++

		case <-statsTicker.C:
			fmt.Printf("[%s] Sent: %d | Errors: %d\n", time.Now().Format("15:04:05"), sent, failed)
		}
	}
}

// randomRun builds a run on a random map by a random player. Times cluster
// between one and five minutes.
func randomRun(maps []string, players int) domain.RunEvent {
	player := rand.Intn(players)
	return domain.RunEvent{
		Map:     strings.TrimSpace(maps[rand.Intn(len(maps))]),
		SteamID: fmt.Sprintf("%d", steamIDBase+int64(player)*2+1),
		Time:    60 + rand.Float64()*240,
	}
}
