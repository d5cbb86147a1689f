package commands

import (
	"fmt"

	"github.com/pterm/pterm"

	"github.com/teranos/reel/am"
	"github.com/teranos/reel/logger"
	"github.com/teranos/reel/sym"
	"github.com/teranos/reel/version"
)

// printStartupBanner prints the user-friendly startup message
func printStartupBanner(verbosity int, cfg *am.Config, dbPath string, port int) {
	versionInfo := version.Get()

	pterm.DefaultCenter.Println(pterm.DefaultBox.
		WithTitle(pterm.LightCyan("reel")).
		Sprintf("%s schedule  %s fetch  %s store", sym.Pulse, sym.Fetch, sym.DB))

	rows := [][]string{
		{"Version", fmt.Sprintf("%s (commit %s)", versionInfo.Version, versionInfo.Short())},
		{"Built", versionInfo.BuildTime},
		{"Verbosity", logger.LevelName(verbosity)},
		{"Database", dbPath},
		{"Downloads", cfg.Fetch.DownloadDir},
		{"Tool", cfg.Fetch.Binary},
		{"Workers", fmt.Sprintf("%d (queue %d)", cfg.Pulse.Workers, cfg.Pulse.QueueSize)},
		{"Ticker", cfg.TickerInterval().String()},
		{"Port", fmt.Sprintf("%d", port)},
	}
	pterm.DefaultTable.WithData(rows).Render()

	pterm.Println()
	pterm.Info.Println("Press Ctrl+C to stop")
}
