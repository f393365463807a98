package main

import (
	"fmt"
	"os"

	"github.com/sandeepkv93/crm-export-proxy/internal/tools/exportctl"
)

func main() {
	cmd := exportctl.NewRootCommand()
	cmd.SilenceUsage = true
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
