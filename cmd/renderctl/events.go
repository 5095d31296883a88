package main

import (
	"fmt"
	"sort"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/tendant/simple-renderfarm/internal/bus"
	"github.com/tendant/simple-renderfarm/pkg/schema"
)

var (
	natsURL       string
	subjectPrefix string

	eventsCmd = &cobra.Command{
		Use:   "events",
		Short: "Follow job and worker events the farm publishes on NATS",
		Args:  cobra.NoArgs,
		RunE:  followEvents,
	}
)

func init() {
	eventsCmd.Flags().StringVar(&natsURL, "nats", getenv("NATS_URL", "nats://127.0.0.1:4222"), "NATS server URL")
	eventsCmd.Flags().StringVar(&subjectPrefix, "prefix", getenv("SUBJECT_PREFIX", "render"), "farm subject prefix")
	rootCmd.AddCommand(eventsCmd)
}

func followEvents(_ *cobra.Command, _ []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	nc, err := bus.Connect(natsURL, nats.Name("renderctl"))
	if err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}
	defer nc.Close()

	subjects := bus.NewSubjects(subjectPrefix)
	onError := func(err error) { logger.Warn("bad event", "err", err) }
	if _, err := bus.SubscribeJSON(nc, subjects.JobEvents(), logJobEvent, onError); err != nil {
		return fmt.Errorf("subscribe %s: %w", subjects.JobEvents(), err)
	}
	if _, err := bus.SubscribeJSON(nc, subjects.ProcessesEvents(), logRegistryEvent, onError); err != nil {
		return fmt.Errorf("subscribe %s: %w", subjects.ProcessesEvents(), err)
	}
	if err := nc.Flush(); err != nil {
		return fmt.Errorf("flush subscriptions: %w", err)
	}
	logger.Info("following farm events", "nats_url", natsURL, "prefix", subjects.Prefix)

	<-ctx.Done()
	return nil
}

func logJobEvent(evt schema.JobLifecycleEvent) {
	attrs := []any{"generation", evt.Generation, "stage", evt.Stage,
		"done", fmt.Sprintf("%d/%d", evt.Rendered, evt.Total)}
	if evt.Error != "" {
		logger.Warn("job", append(attrs, "error", evt.Error)...)
		return
	}
	logger.Info("job", attrs...)
}

func logRegistryEvent(evt schema.RegistryChanged) {
	counts := map[schema.WorkerState]int{}
	for _, info := range evt.Processes {
		counts[info.State]++
	}
	states := make([]string, 0, len(counts))
	for state := range counts {
		states = append(states, string(state))
	}
	sort.Strings(states)

	attrs := []any{"count", len(evt.Processes)}
	for _, state := range states {
		attrs = append(attrs, state, counts[schema.WorkerState(state)])
	}
	logger.Info("workers", attrs...)
}
