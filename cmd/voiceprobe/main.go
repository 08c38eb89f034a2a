package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "voiceprobe",
	Short:         "Latency probe for the voicegw websocket gateway",
	SilenceUsage:  true,
	SilenceErrors: false,
	Long: `voiceprobe connects to a running voicegw, authenticates with a tenant token,
sends a series of text queries and reports time to first audio and time to
voice_end for each of them. Every audio chunk is decoded to check its framing.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
