package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const serviceName = "researchd"

func main() {
	var cfgPath string
	root := &cobra.Command{
		Use:           serviceName,
		Short:         "Research task service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is ./config/config.json)")

	root.AddCommand(serveCMD(&cfgPath), migrateCMD(&cfgPath), logsCMD(&cfgPath), tokenCMD(&cfgPath))
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
