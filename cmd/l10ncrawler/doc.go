// Package main hosts the l10ncrawler binary.
//
// Architecture overview:
//   - Catalog: every translated site is described as data in the sources file (base URL, paths, CSS selectors,
//     capabilities, cadence, budget) and becomes an HTML adapter built on Colly and goquery.
//   - Runner: a run discovers the site's listing (and change feed when supported), plans a Delta, Backfill or
//     FullRescan, fetches items, records them in the dedup index, and commits Progress with a compare-and-swap
//     on its revision. Completed steps are memoized so a retried run resumes where it failed.
//   - Dispatcher: API triggers, CLI runs and the cadence scheduler all funnel through one dispatcher that keeps at
//     most one run in flight per source.
//   - Persistence: Progress lives in memory, a local directory, a GCS bucket, Postgres or SQLite. The dedup index
//     and step memos live in memory, Postgres or SQLite. Backends are chosen per store in the config.
//   - Events: run milestones are batched by the events hub and fanned out to zap logs, Prometheus counters and,
//     when a topic is configured, Pub/Sub run summaries.
//
// Commands:
//   - serve: HTTP API plus the scheduler. Shuts down cleanly on SIGINT/SIGTERM.
//   - run --source fr: one synchronous run, printing the summary as JSON.
//   - sources: list the catalog.
//   - progress --source fr: print the stored Progress blob.
//
// Every config key can be overridden from the environment with the L10N_ prefix, e.g. L10N_SERVER_PORT or
// L10N_PROGRESS_BACKEND=postgres together with L10N_DB_DSN.
package main
