// Command goalclip runs the broadcast goal monitor.
//
// Architecture overview:
//   - Monitor: internal/monitor polls every registered target on a fixed interval in small concurrent batches,
//     drives a per-target goal state machine, notifies subscribers on transitions, and starts a capture when a goal
//     completes.
//   - Status: internal/statuscache fronts extraction with two TTL classes and per-target single-flight. Extraction
//     (internal/extract) prefers the cheap colly probe for offline checks and borrows a chromedp render agent from
//     internal/agentpool when goal data or a preview is needed. An optional Redis mirror survives restarts.
//   - Capture: internal/capture probes candidate media addresses one by one, records with ffmpeg under a hard
//     deadline, and delivers directly or, when oversized, through an upload link (GCS or local hosting).
//   - Quota: internal/quota enforces a per-identity cooldown and per-class duration ceilings; entitlements live in
//     the registry (TOML file or Postgres).
//   - Plumbing: Viper config with GOALCLIP_* env overrides, zap logging, Prometheus metrics at /metrics, an events hub
//     fanning out to logs and optionally Pub/Sub, and a chi admin API.
//
// Quick checklist:
//   - goalclip serve --config goalclip.yaml
//   - goalclip capture alice --channel 12345 --duration 30s
package main

import (
	"context"
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "goalclip:", err)
		os.Exit(1)
	}
}
