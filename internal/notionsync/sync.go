// Package notionsync mirrors the measures awaiting assignment into a Notion
// database used as a triage board.
package notionsync

import (
	"context"
	"fmt"
	"sort"

	"github.com/jomei/notionapi"

	"github.com/dvloznov/msp-reconciler/internal/domain"
	"github.com/dvloznov/msp-reconciler/internal/logger"
	"github.com/dvloznov/msp-reconciler/internal/storage"
	"github.com/dvloznov/msp-reconciler/internal/views"
)

// SyncStats counts what a sync did, or would do in a dry run.
type SyncStats struct {
	Created  int `json:"created"`
	Updated  int `json:"updated"`
	Archived int `json:"archived"`
	Failed   int `json:"failed"`
}

// SyncSnapshot syncs the awaiting-assignment measures of the persisted
// result. It fails when no reconciliation has run yet.
func SyncSnapshot(ctx context.Context, blobs storage.BlobStore, notionClient TriageBoard, notionDBID string, dryRun bool) (SyncStats, error) {
	res, err := storage.LoadResult(ctx, blobs)
	if err != nil {
		return SyncStats{}, fmt.Errorf("SyncSnapshot: %w", err)
	}
	if res == nil {
		return SyncStats{}, fmt.Errorf("SyncSnapshot: %w", storage.ErrNotFound)
	}

	var measures []*domain.UnassignedMeasure
	for _, g := range views.AwaitingAssignment(res.Transactions) {
		measures = append(measures, g.Measures...)
	}
	return SyncAwaiting(ctx, measures, notionClient, notionDBID, dryRun)
}

// SyncAwaiting makes the triage database hold exactly one page per
// measure. Pages are matched on their order number: known ones are
// updated, missing ones created, and pages for measures no longer
// awaiting assignment are archived. Failures on single pages are logged
// and counted; only failing to list the database aborts the sync.
func SyncAwaiting(ctx context.Context, measures []*domain.UnassignedMeasure, notionClient TriageBoard, notionDBID string, dryRun bool) (SyncStats, error) {
	log := logger.FromContext(ctx)
	log.Info().
		Int("measures", len(measures)).
		Bool("dry_run", dryRun).
		Msg("Starting triage sync to Notion")

	notionPages, err := queryAllNotionPages(ctx, notionClient, notionDBID)
	if err != nil {
		return SyncStats{}, fmt.Errorf("failed to query Notion pages: %w", err)
	}
	log.Info().Int("notion_page_count", len(notionPages)).Msg("Retrieved existing Notion pages")

	wanted := make(map[int]*domain.UnassignedMeasure, len(measures))
	for _, m := range measures {
		wanted[m.OrderNumber] = m
	}

	var stats SyncStats
	existing := make(map[int]string, len(notionPages))
	for _, page := range notionPages {
		order, ok := extractOrderNumber(page)
		_, keep := wanted[order]
		_, dup := existing[order]
		if ok && keep && !dup {
			existing[order] = string(page.ID)
			continue
		}

		// Stale, unreadable or duplicate page.
		if dryRun {
			log.Info().Int("order_number", order).Str("page_id", string(page.ID)).Msg("[DRY RUN] Would archive Notion page")
			stats.Archived++
			continue
		}
		if err := notionClient.ArchivePage(ctx, string(page.ID)); err != nil {
			log.Warn().Err(err).Int("order_number", order).Str("page_id", string(page.ID)).Msg("Failed to archive Notion page")
			stats.Failed++
			continue
		}
		stats.Archived++
	}

	orders := make([]int, 0, len(wanted))
	for order := range wanted {
		orders = append(orders, order)
	}
	sort.Ints(orders)

	for _, order := range orders {
		m := wanted[order]
		pageID, found := existing[order]

		if dryRun {
			if found {
				log.Info().Int("order_number", order).Str("page_id", pageID).Msg("[DRY RUN] Would update Notion page")
				stats.Updated++
			} else {
				log.Info().Int("order_number", order).Msg("[DRY RUN] Would create Notion page")
				stats.Created++
			}
			continue
		}

		props := MeasureToNotionProperties(m)
		if found {
			if _, err := notionClient.UpdatePage(ctx, pageID, props); err != nil {
				log.Warn().Err(err).Int("order_number", order).Str("page_id", pageID).Msg("Failed to update Notion page")
				stats.Failed++
				continue
			}
			stats.Updated++
			continue
		}

		page, err := notionClient.CreatePage(ctx, notionDBID, props)
		if err != nil {
			log.Warn().Err(err).Int("order_number", order).Msg("Failed to create Notion page")
			stats.Failed++
			continue
		}
		log.Debug().Int("order_number", order).Str("page_id", string(page.ID)).Msg("Created Notion page")
		stats.Created++
	}

	log.Info().
		Int("created", stats.Created).
		Int("updated", stats.Updated).
		Int("archived", stats.Archived).
		Int("failed", stats.Failed).
		Msg("Triage sync completed")
	return stats, nil
}

// queryAllNotionPages queries all pages from a Notion database and returns them.
// Handles pagination automatically.
func queryAllNotionPages(ctx context.Context, notionClient TriageBoard, databaseID string) ([]notionapi.Page, error) {
	var allPages []notionapi.Page
	var cursor notionapi.Cursor

	for {
		req := &notionapi.DatabaseQueryRequest{
			PageSize: 100,
		}
		if cursor != "" {
			req.StartCursor = cursor
		}

		resp, err := notionClient.QueryDatabase(ctx, databaseID, req)
		if err != nil {
			return nil, fmt.Errorf("queryAllNotionPages: %w", err)
		}
		allPages = append(allPages, resp.Results...)

		if !resp.HasMore {
			break
		}
		cursor = resp.NextCursor
	}
	return allPages, nil
}
