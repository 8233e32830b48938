package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/snarg/avatar-engine/internal/lipsync"
	"github.com/snarg/avatar-engine/internal/scene"
	"github.com/snarg/avatar-engine/internal/viseme"
)

type lipSyncOutput struct {
	Duration float64            `json:"duration"`
	Sequence viseme.Sequence    `json:"sequence"`
	At       *float64           `json:"at,omitempty"`
	Viseme   viseme.Code        `json:"viseme,omitempty"`
	Head     map[string]float64 `json:"head,omitempty"`
	Teeth    map[string]float64 `json:"teeth,omitempty"`
}

func newLipSyncCmd() *cobra.Command {
	var (
		text     string
		duration float64
		at       float64
	)
	cmd := &cobra.Command{
		Use:   "lipsync",
		Short: "Print the estimated viseme sequence for a line of text",
		Example: `  avatar-engine lipsync --text "Hello there" --duration 1.2
  avatar-engine lipsync --text "Hello there" --at 0.4`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if text == "" {
				return fmt.Errorf("--text is required")
			}
			seq := lipsync.FromText(text, duration)
			out := lipSyncOutput{Duration: seq.Duration(), Sequence: seq}

			if cmd.Flags().Changed("at") {
				head, teeth, err := scene.Default().Pair(scene.HeadNode, scene.TeethNode)
				if err != nil {
					return err
				}
				viseme.Animate(true, at, seq, head, teeth)
				out.At = &at
				if e, ok := seq.Active(at); ok {
					out.Viseme = e.Viseme
				}
				out.Head = head.Snapshot()
				out.Teeth = teeth.Snapshot()
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	cmd.Flags().StringVar(&text, "text", "", "text to estimate")
	cmd.Flags().Float64Var(&duration, "duration", 0, "utterance duration in seconds (0 = estimate from word count)")
	cmd.Flags().Float64Var(&at, "at", 0, "clock reading to evaluate the animator at")
	return cmd
}
