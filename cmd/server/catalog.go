package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/iliyamo/ticket-hold-checkout/internal/model"
	"github.com/iliyamo/ticket-hold-checkout/internal/service"
)

// catalogWriter is an EventCatalog that can also be seeded.
type catalogWriter interface {
	service.EventCatalog
	Upsert(ctx context.Context, tt model.TicketType) error
}

// seedCatalog upserts every ticket type listed in the JSON file at path.
func seedCatalog(ctx context.Context, path string, catalog catalogWriter) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	var types []model.TicketType
	if err := json.Unmarshal(raw, &types); err != nil {
		return 0, fmt.Errorf("decode %s: %w", path, err)
	}
	for _, tt := range types {
		if tt.EventID == "" || tt.DateKey == "" || tt.Name == "" || tt.TotalCapacity < 0 {
			return 0, fmt.Errorf("invalid ticket type %q in %s", tt.ID(), path)
		}
		if err := catalog.Upsert(ctx, tt); err != nil {
			return 0, fmt.Errorf("upsert %s: %w", tt.ID(), err)
		}
	}
	return len(types), nil
}
