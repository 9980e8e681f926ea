package infra

import (
	"fmt"
)

// ANSI Color Codes
const (
	ColorReset  = "\033[0m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
	ColorCyan   = "\033[36m"
)

// PrintBanner displays the startup banner for one of the host programs.
func PrintBanner(cfg *Config, mode string) {
	version := cfg.App.Version

	color := ColorCyan
	modeDesc := "CANDLE REPLAY"
	if mode == "PAPER" {
		color = ColorGreen
		modeDesc = "LIVE FEED, SIMULATED FILLS"
	}

	fmt.Println()
	fmt.Printf("%s###########################################################%s\n", color, ColorReset)
	fmt.Printf("%s#                                                         #%s\n", color, ColorReset)
	fmt.Printf("%s#               📈 MarketSim Exchange Emulator            #%s\n", color, ColorReset)
	fmt.Printf("%s#                                                         #%s\n", color, ColorReset)
	fmt.Printf("%s#   MODE:    %-36s #%s\n", color, mode, ColorReset)
	fmt.Printf("%s#   TYPE:    %-36s #%s\n", color, modeDesc, ColorReset)
	fmt.Printf("%s#   VERSION: %-36s #%s\n", color, version, ColorReset)
	fmt.Printf("%s#                                                         #%s\n", color, ColorReset)
	fmt.Printf("%s###########################################################%s\n", color, ColorReset)
	fmt.Println()
}
