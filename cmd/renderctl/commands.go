package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/tendant/simple-renderfarm/internal/client"
	"github.com/tendant/simple-renderfarm/internal/framestore"
	"github.com/tendant/simple-renderfarm/internal/img"
	"github.com/tendant/simple-renderfarm/pkg/schema"
)

var (
	job     = schema.DefaultJob()
	outDir  string
	noWait  bool
	killAll bool

	addCmd = &cobra.Command{
		Use:   "add [count]",
		Short: "Add render workers",
		Args:  cobra.MaximumNArgs(1),
		RunE:  addWorkers,
	}

	killCmd = &cobra.Command{
		Use:   "kill [worker-id...]",
		Short: "Remove render workers",
		RunE:  killWorkers,
	}

	submitCmd = &cobra.Command{
		Use:   "submit",
		Short: "Submit a job, wait for the animation and save it",
		Args:  cobra.NoArgs,
		RunE:  submitJob,
	}

	watchCmd = &cobra.Command{
		Use:   "watch",
		Short: "Print workers and job progress as they change",
		Args:  cobra.NoArgs,
		RunE:  watch,
	}

	localCmd = &cobra.Command{
		Use:   "local",
		Short: "Render a job in this process without a farm",
		Args:  cobra.NoArgs,
		RunE:  renderLocal,
	}
)

func init() {
	for _, cmd := range []*cobra.Command{submitCmd, localCmd} {
		cmd.Flags().IntVar(&job.TotalFrames, "frames", job.TotalFrames, "total frames")
		cmd.Flags().IntVar(&job.SamplesPerPixel, "spp", job.SamplesPerPixel, "samples per pixel")
		cmd.Flags().IntVar(&job.Width, "width", job.Width, "frame width")
		cmd.Flags().IntVar(&job.Height, "height", job.Height, "frame height")
		cmd.Flags().StringVarP(&outDir, "out", "o", "./render-out", "directory for frames and animation")
	}
	submitCmd.Flags().BoolVar(&noWait, "no-wait", false, "return once the job is accepted")
	killCmd.Flags().BoolVar(&killAll, "all", false, "remove every worker")

	rootCmd.AddCommand(addCmd, killCmd, submitCmd, watchCmd, localCmd)
}

func addWorkers(_ *cobra.Command, args []string) error {
	count := 1
	if len(args) == 1 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid count %q", args[0])
		}
		count = n
	}

	ctx, cancel := commandContext()
	defer cancel()
	s, err := connect(ctx, nil)
	if err != nil {
		return err
	}
	defer s.close()

	before := len(s.View().Processes)
	for i := 0; i < count; i++ {
		if err := s.AddWorker(); err != nil {
			return err
		}
	}
	v, err := s.Wait(ctx, func(v client.View) bool { return len(v.Processes) >= before+count })
	if err != nil {
		return err
	}
	logger.Info("workers added", "count", count, "workers", len(v.Processes))
	return nil
}

func killWorkers(_ *cobra.Command, args []string) error {
	if len(args) == 0 && !killAll {
		return fmt.Errorf("name at least one worker id or pass --all")
	}

	ctx, cancel := commandContext()
	defer cancel()
	s, err := connect(ctx, nil)
	if err != nil {
		return err
	}
	defer s.close()

	ids := args
	if killAll {
		ids = ids[:0:0]
		for id := range s.View().Processes {
			ids = append(ids, id)
		}
	}
	for _, id := range ids {
		if err := s.KillWorker(id); err != nil {
			return err
		}
	}
	_, err = s.Wait(ctx, func(v client.View) bool {
		for _, id := range ids {
			if _, ok := v.Processes[id]; ok {
				return false
			}
		}
		return true
	})
	if err != nil {
		return err
	}
	logger.Info("workers removed", "count", len(ids))
	return nil
}

func submitJob(_ *cobra.Command, _ []string) error {
	if err := job.Validate(); err != nil {
		return err
	}

	ctx, cancel := commandContext()
	defer cancel()
	s, err := connect(ctx, progressPrinter())
	if err != nil {
		return err
	}
	defer s.close()

	if err := s.SubmitJob(job); err != nil {
		return err
	}
	if _, err := s.Wait(ctx, func(v client.View) bool { return v.Job == job }); err != nil {
		return fmt.Errorf("job not accepted: %w", err)
	}
	logger.Info("job submitted", "frames", job.TotalFrames, "size", fmt.Sprintf("%dx%d", job.Width, job.Height),
		"spp", job.SamplesPerPixel)
	if noWait {
		return nil
	}

	if v := s.View(); len(v.Processes) == 0 {
		logger.Warn("no workers registered, run renderctl add")
	}
	anim, err := s.WaitAnimation(ctx)
	if err != nil {
		if interrupted(err) {
			return fmt.Errorf("interrupted")
		}
		return err
	}
	return save(s.Frames(), anim)
}

func watch(_ *cobra.Command, _ []string) error {
	ctx, cancel := commandContext()
	defer cancel()
	s, err := connect(ctx, progressPrinter())
	if err != nil {
		return err
	}
	defer s.close()

	select {
	case <-ctx.Done():
		return nil
	case err := <-s.done:
		s.done <- err
		return err
	}
}

func progressPrinter() func(client.Update, client.View) {
	return func(u client.Update, v client.View) {
		switch u.Kind {
		case client.UpdateJob:
			logger.Info("job", "frames", v.Job.TotalFrames, "size", fmt.Sprintf("%dx%d", v.Job.Width, v.Job.Height),
				"spp", v.Job.SamplesPerPixel)
		case client.UpdateProcesses:
			printWorkers(v)
		case client.UpdateFrame:
			logger.Info("frame", "index", u.Index, "done", fmt.Sprintf("%d/%d", v.Filled, v.Total))
		case client.UpdateAnimation:
			logger.Info("animation ready")
		}
	}
}

func printWorkers(v client.View) {
	ids := make([]string, 0, len(v.Processes))
	for id := range v.Processes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	logger.Info("workers", "count", len(ids))
	for _, id := range ids {
		info := v.Processes[id]
		attrs := []any{"id", id, "state", info.State}
		if info.Frame != nil {
			attrs = append(attrs, "frame", *info.Frame)
		}
		if info.Error != "" {
			attrs = append(attrs, "error", info.Error)
		}
		logger.Info("  worker", attrs...)
	}
}

func save(frames []framestore.Frame, anim []byte) error {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	for _, f := range frames {
		if f.Image == nil {
			continue
		}
		path := filepath.Join(outDir, fmt.Sprintf("frame_%03d.png", f.Index))
		if _, _, err := img.SaveFrame(f.Image, path); err != nil {
			return fmt.Errorf("save frame %d: %w", f.Index, err)
		}
	}
	gifPath := filepath.Join(outDir, "animation.gif")
	if err := os.WriteFile(gifPath, anim, 0o644); err != nil {
		return fmt.Errorf("save animation: %w", err)
	}
	logger.Info("saved", "dir", outDir, "frames", len(frames), "animation", gifPath, "bytes", len(anim))
	return nil
}

func renderLocal(_ *cobra.Command, _ []string) error {
	if err := job.Validate(); err != nil {
		return err
	}
	ctx, cancel := commandContext()
	defer cancel()

	renderer := &img.PatternRenderer{}
	anim := img.NewAnimation(job.TotalFrames)
	frames := make([]framestore.Frame, 0, job.TotalFrames)
	start := time.Now()
	for i := 0; i < job.TotalFrames; i++ {
		req := schema.RenderRequest{Index: i, Job: job, Pan: schema.PanOffset(i, job.TotalFrames)}
		src, err := renderer.Render(ctx, req)
		if err != nil {
			return fmt.Errorf("render frame %d: %w", i, err)
		}
		data, err := img.EncodePNG(src)
		if err != nil {
			return err
		}
		if err := anim.Put(i, src); err != nil {
			return err
		}
		// Same frame size a farm client receives.
		thumb, err := img.Thumbnail(data, img.DefaultThumbMaxPx)
		if err != nil {
			return fmt.Errorf("thumbnail frame %d: %w", i, err)
		}
		frames = append(frames, framestore.Frame{Index: i, Image: thumb})
		logger.Debug("rendered frame", "index", i)
	}

	gif, err := img.EncodeAnimation(anim.Frames())
	if err != nil {
		return err
	}
	logger.Info("rendered locally", "frames", job.TotalFrames, "elapsed", time.Since(start).Round(time.Millisecond))
	return save(frames, gif)
}
