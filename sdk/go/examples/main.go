// Demonstrates the client against a locally running service.
package main

import (
	"context"
	"fmt"
	"log"
	"time"

	chronograph "github.com/chronograph-engine/sdk/go"
)

func main() {
	client := chronograph.NewClient(chronograph.ClientConfig{
		BaseURL: "http://localhost:8000",
		Timeout: 30 * time.Second,
	})

	ctx := context.Background()

	if err := client.Healthcheck(ctx); err != nil {
		log.Fatalf("service not reachable: %v", err)
	}

	queued, err := client.AddMessages(ctx, &chronograph.AddMessagesRequest{
		GroupID: "demo",
		Messages: []chronograph.Message{
			{Role: "alice", RoleType: "user", Content: "I started a new job at Acme Corp last week."},
			{Role: "assistant", RoleType: "assistant", Content: "Congratulations on joining Acme Corp!"},
		},
	})
	if err != nil {
		log.Fatalf("add messages: %v", err)
	}
	fmt.Printf("queued %d ingestion tasks\n", len(queued.TaskIDs))

	// Extraction is asynchronous; give the worker a moment before
	// querying in this toy flow.
	time.Sleep(5 * time.Second)

	facts, err := client.GetMemory(ctx, &chronograph.GetMemoryRequest{
		GroupID:  "demo",
		MaxFacts: 5,
		Messages: []chronograph.Message{
			{Role: "alice", RoleType: "user", Content: "Where do I work?"},
		},
	})
	if err != nil {
		log.Fatalf("get memory: %v", err)
	}
	for _, f := range facts {
		fmt.Printf("fact: %s (%s)\n", f.Fact, f.UUID)
	}

	episodes, err := client.GetEpisodes(ctx, "demo", 10)
	if err != nil {
		log.Fatalf("get episodes: %v", err)
	}
	fmt.Printf("group has %d recent episodes\n", len(episodes))

	depth, err := client.QueueMetrics(ctx)
	if err != nil {
		log.Fatalf("queue metrics: %v", err)
	}
	fmt.Printf("queue metrics: %v\n", depth)
}
