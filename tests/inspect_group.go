//go:build ignore
// +build ignore

// Run: go run inspect_group.go -backend redisgraph -uri localhost:6379 -group default
//
// Dumps one group's state straight from the graph store, for checking
// whether queued episodes actually landed.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"go.uber.org/zap"

	"github.com/chronograph-engine/internal/graph"
)

var (
	backend  = flag.String("backend", "redisgraph", "Store backend: redisgraph or dgraph")
	uri      = flag.String("uri", "localhost:6379", "Store address")
	password = flag.String("password", "", "Store password (redisgraph)")
	graphKey = flag.String("graph", "chronograph", "Graph key (redisgraph)")
	group    = flag.String("group", "default", "Group id to inspect")
)

func main() {
	flag.Parse()
	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var store graph.GraphStore
	var err error
	switch *backend {
	case "redisgraph":
		store, err = graph.NewRedisGraphStore(ctx, graph.RedisGraphConfig{
			Addr:     *uri,
			Password: *password,
			GraphKey: *graphKey,
		}, logger)
	case "dgraph":
		store, err = graph.NewDgraphStore(ctx, graph.DgraphConfig{Address: *uri}, logger)
	default:
		log.Fatalf("unknown backend %q", *backend)
	}
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer store.Close()

	if err := store.Health(ctx); err != nil {
		log.Fatalf("store unhealthy: %v", err)
	}

	nodes, err := store.CountNodes(ctx, *group)
	if err != nil {
		log.Fatalf("count nodes: %v", err)
	}
	edges, err := store.CountEdges(ctx, *group)
	if err != nil {
		log.Fatalf("count edges: %v", err)
	}
	fmt.Printf("=== group %s: %d nodes, %d edges ===\n\n", *group, nodes, edges)

	episodes, err := store.RecentEpisodes(ctx, *group, 5)
	if err != nil {
		log.Fatalf("recent episodes: %v", err)
	}
	fmt.Printf("--- %d recent episodes ---\n", len(episodes))
	for _, ep := range episodes {
		fmt.Printf("%s  %s  %q\n", ep.UUID, ep.Timestamp.Format(time.RFC3339), preview(ep.Content, 60))
	}

	entities, err := store.FetchNodesByGroup(ctx, *group, time.Time{}, 10, 0)
	if err != nil {
		log.Fatalf("fetch nodes: %v", err)
	}
	fmt.Printf("\n--- %d entities (first page) ---\n", len(entities))
	for _, n := range entities {
		fmt.Printf("%s  %-25s  %q\n", n.UUID, n.Name, preview(n.Summary, 50))
	}

	if len(entities) > 0 {
		incident, err := store.FetchEdgesByNode(ctx, entities[0].UUID)
		if err != nil {
			log.Fatalf("fetch edges: %v", err)
		}
		fmt.Printf("\n--- facts touching %s ---\n", entities[0].Name)
		for _, e := range incident.Edges {
			window := "open"
			if e.InvalidAt != nil {
				window = "closed " + e.InvalidAt.Format(time.RFC3339)
			}
			fmt.Printf("%s  [%s]  %q\n", e.UUID, window, preview(e.Fact, 70))
		}
	}
}

func preview(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
