package jobs

import (
	"context"

	"github.com/karstenhoffmann/nexus-os/pkg/store"
)

// RestoreOpenJobs loads persisted fetch, embed and import jobs into the
// registry after a restart so they show up in status listings and can be
// resumed. Jobs that were running when the process died come back paused.
func RestoreOpenJobs(ctx context.Context, s *store.Store, r *Registry) error {
	fetchRows, err := s.LoadOpenFetchJobs(ctx)
	if err != nil {
		return err
	}
	for _, row := range fetchRows {
		job := RestoreJob(row.ID, KindFetch, Status(row.Status))
		job.SetProgress(map[string]any{
			"items_processed": row.ItemsProcessed,
			"items_succeeded": row.ItemsSucceeded,
			"items_failed":    row.ItemsFailed,
			"items_skipped":   row.ItemsSkipped,
			"items_total":     row.ItemsTotal,
		})
		r.Add(job)
	}

	embedRows, err := s.LoadOpenEmbedJobs(ctx)
	if err != nil {
		return err
	}
	for _, row := range embedRows {
		job := RestoreJob(row.ID, KindEmbed, Status(row.Status))
		job.SetProgress(map[string]any{
			"items_processed": row.ItemsProcessed,
			"items_total":     row.ItemsTotal,
			"tokens_used":     row.TokensUsed,
			"cost_usd":        row.CostUSD,
		})
		r.Add(job)
	}

	importRows, err := s.LoadOpenImportJobs(ctx)
	if err != nil {
		return err
	}
	for _, row := range importRows {
		job := RestoreJob(row.ID, KindImport, Status(row.Status))
		job.SetProgress(map[string]any{
			"items_imported": row.ItemsImported,
			"items_merged":   row.ItemsMerged,
			"items_failed":   row.ItemsFailed,
			"items_total":    row.ItemsTotal,
		})
		r.Add(job)
	}
	return nil
}
