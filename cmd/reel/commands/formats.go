package commands

import (
	"context"
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/reel/sym"
)

// FormatsCmd lists the formats the retrieval tool offers for a URL
var FormatsCmd = &cobra.Command{
	Use:   "formats <url>",
	Short: sym.Fetch + " List available formats for a URL",
	Long: `Ask the retrieval tool which formats it can fetch for a URL.

The format id column is what --video and --audio accept on 'reel jobs add'.`,
	Args: cobra.ExactArgs(1),
	RunE: runFormats,
}

func runFormats(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	invoker, err := newInvoker(cfg)
	if err != nil {
		return err
	}

	ctx := context.Background()
	if timeout := cfg.FetchTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	formats, err := invoker.ListFormats(ctx, args[0])
	if err != nil {
		return err
	}
	if len(formats) == 0 {
		pterm.Warning.Println("No formats reported")
		return nil
	}

	rows := [][]string{{"ID", "Ext", "Resolution", "Note", "Video", "Audio"}}
	for _, f := range formats {
		rows = append(rows, []string{f.ID, f.Ext, f.Resolution, f.FormatNote, f.VideoCodec, f.AudioCodec})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithWriter(cmd.OutOrStdout()).WithData(rows).Render(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d formats\n", len(formats))
	return nil
}
