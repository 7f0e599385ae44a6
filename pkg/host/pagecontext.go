package host

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openfroyo/gaplugin/pkg/sites"
)

// PageContext is the host's description of the page open in the editor.
type PageContext struct {
	SiteInfo SiteInfo `json:"siteInfo"`
	PageInfo PageInfo `json:"pageInfo"`
}

// SiteInfo identifies the site that owns the open page.
type SiteInfo struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	CollectionID string `json:"collectionId"`
}

// PageInfo identifies the open page.
type PageInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Route    string `json:"route"`
	Language string `json:"language"`
}

// FetchPageContext reads the current page context once.
func FetchPageContext(ctx context.Context, conn Conn) (*PageContext, error) {
	if conn == nil {
		return nil, fmt.Errorf("no host connection")
	}
	data, err := conn.Query(ctx, OperationPageContext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", OperationPageContext, err)
	}
	var pc PageContext
	if err := json.Unmarshal(data, &pc); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", OperationPageContext, err)
	}
	return &pc, nil
}

// SubscribePageContext follows page navigation in the host. onChange runs
// for the current page and then for every push, in the order the host sent
// them, until the connection closes. Without a context id nothing is
// subscribed. The returned record is always the "not configured" sentinel;
// resolved records are produced from the pushed contexts.
func SubscribePageContext(ctx context.Context, conn Conn, onChange func(PageContext)) sites.GaSiteInfo {
	logger := ctxLogger(ctx)

	if _, ok := ResolveContextID(ctx, conn); !ok {
		return sites.InvalidGaSiteInfo()
	}

	err := conn.Subscribe(ctx, OperationPageContext, nil, func(data json.RawMessage) {
		var pc PageContext
		if err := json.Unmarshal(data, &pc); err != nil {
			logger.Warn().Err(err).Msg("Ignoring malformed page context")
			return
		}
		onChange(pc)
	})
	if err != nil {
		logger.Error().Err(err).Msg("Failed to subscribe to page context")
	}

	return sites.InvalidGaSiteInfo()
}
