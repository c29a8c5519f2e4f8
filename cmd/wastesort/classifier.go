package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/banshee-data/wastesort/internal/camera"
	"github.com/banshee-data/wastesort/internal/config"
	"github.com/banshee-data/wastesort/internal/detector"
	"github.com/banshee-data/wastesort/internal/dispatch"
	"github.com/banshee-data/wastesort/internal/monitoring"
	"github.com/banshee-data/wastesort/internal/timeutil"
	"github.com/banshee-data/wastesort/internal/waste"
)

func newClassifierCmd(opts *rootOptions) *cobra.Command {
	var controllerFlag, replayFlag string
	cmd := &cobra.Command{
		Use:   "classifier",
		Short: "Classify camera frames and send open commands to the controller",
		Long: `The classifier connects once to the controller and runs until the frames
run out, the link drops, or it is interrupted. It does not reconnect.

With replay_path set, recorded detections stand in for the camera and the
detector service.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.ReadClassifier(opts.configPath)
			if err != nil {
				return err
			}
			if opts.logLevel != "" {
				cfg.LogLevel = opts.logLevel
			}
			if controllerFlag != "" {
				cfg.ControllerAddr = controllerFlag
			}
			if replayFlag != "" {
				cfg.ReplayPath = replayFlag
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid classifier config: %w", err)
			}
			monitoring.Init(cfg.LogLevel)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			node, err := newClassifierNode(cfg, timeutil.RealClock{})
			if err != nil {
				return err
			}
			return node.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&controllerFlag, "controller", "", "Override controller_addr (host:port)")
	cmd.Flags().StringVar(&replayFlag, "replay", "", "Override replay_path with a recorded detections file")
	return cmd
}

type classifierNode struct {
	session *dispatch.Session
	frames  camera.FrameSource
	det     detector.Detector
	table   *waste.Table
}

func newClassifierNode(cfg *config.Classifier, clock timeutil.Clock) (*classifierNode, error) {
	n := &classifierNode{table: waste.DefaultTable()}
	if cfg.CategoryTable != "" {
		table, err := waste.LoadTable(cfg.CategoryTable)
		if err != nil {
			return nil, err
		}
		n.table = table
	}

	if cfg.ReplayPath != "" {
		replay, err := detector.LoadReplay(cfg.ReplayPath)
		if err != nil {
			return nil, err
		}
		n.det = replay
		n.frames = camera.NewSyntheticSource(replay.Len(), clock)
		log.Info().Str("path", cfg.ReplayPath).Int("frames", replay.Len()).Msg("replaying detections")
	} else {
		frames, err := camera.NewDirSource(cfg.FramesDir, true, clock)
		if err != nil {
			return nil, err
		}
		n.frames = frames
		n.det = detector.NewHTTP(cfg.DetectorURL)
		log.Info().Str("frames", cfg.FramesDir).Str("detector", cfg.DetectorURL).Msg("live detection")
	}

	n.session = dispatch.NewSession(dispatch.Config{
		Addr:             cfg.ControllerAddr,
		ConnectTimeout:   cfg.ConnectTimeout,
		HandshakeTimeout: cfg.HandshakeTimeout,
		WriteTimeout:     cfg.WriteTimeout,
		DebounceWindow:   cfg.DebounceWindow,
		FrameInterval:    cfg.FrameInterval,
		Clock:            clock,
	})
	return n, nil
}

// Run connects and drives the detection loop until it ends.
func (n *classifierNode) Run(ctx context.Context) error {
	if err := n.session.Connect(ctx); err != nil {
		n.frames.Close()
		return err
	}

	done := make(chan struct{})
	go n.logUpdates(done)
	defer close(done)

	if err := n.session.Run(ctx, n.frames, n.det, n.table); err != nil {
		return fmt.Errorf("classifier: %w", err)
	}
	st := n.session.Snapshot()
	log.Info().Int("frames", st.Frames).Int("sent", st.Sent).Msg("classifier finished")
	return nil
}

func (n *classifierNode) logUpdates(done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case st := <-n.session.Updates():
			log.Debug().
				Bool("connected", st.Connected).
				Str("category", st.LastResult.Category.String()).
				Str("label", st.LastResult.SourceLabel).
				Int("frames", st.Frames).
				Int("sent", st.Sent).
				Msg("classifier state")
		}
	}
}
