// Package storage implements the Storage Gateway: the single Supabase
// (Postgres + PostgREST) backend behind every subsystem's persistence
// contract — flows and runs, the secrets vault, the join/correlation
// store, the poller's dedup state, the scheduler's cron registry and the
// token cache. Each subsystem sees only the narrow interface it defines;
// Gateway is the one concrete type that satisfies all of them.
package storage

import (
	"fmt"
	"os"

	supabase "github.com/supabase-community/supabase-go"
)

// Gateway wraps a Supabase client with the flow-engine's CRUD operations.
type Gateway struct {
	client *supabase.Client
}

// NewGateway creates a Gateway from the SUPABASE_URL/SUPABASE_SERVICE_KEY
// environment variables.
func NewGateway() (*Gateway, error) {
	url := os.Getenv("SUPABASE_URL")
	key := os.Getenv("SUPABASE_SERVICE_KEY")
	if url == "" || key == "" {
		return nil, fmt.Errorf("storage: SUPABASE_URL and SUPABASE_SERVICE_KEY must be set")
	}

	client, err := supabase.NewClient(url, key, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("storage: create supabase client: %w", err)
	}
	return &Gateway{client: client}, nil
}
