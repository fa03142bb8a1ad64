package cmd

import (
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/lemonhq/lemon/internal/config"
	"github.com/lemonhq/lemon/internal/secrets"
	"github.com/lemonhq/lemon/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor(cmd.OutOrStdout())
		},
	}
}

func runDoctor(w io.Writer) {
	fmt.Fprintln(w, "lemon doctor")
	fmt.Fprintf(w, "  Version:  %s (protocol %d)\n", Version, protocol.ProtocolVersion)
	fmt.Fprintf(w, "  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Fprintf(w, "  Go:       %s\n", runtime.Version())
	fmt.Fprintln(w)

	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(w, "  Config load error: %s\n", err)
		return
	}
	fmt.Fprintln(w, "  Config:   OK")

	stateDir := config.ExpandHome(cfg.Stores.Dir)
	fmt.Fprintf(w, "  State dir: %s", stateDir)
	if info, err := os.Stat(stateDir); err != nil {
		fmt.Fprintln(w, " (missing; will be created by serve)")
	} else if !info.IsDir() {
		fmt.Fprintln(w, " (NOT A DIRECTORY)")
	} else {
		fmt.Fprintln(w, " (OK)")
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "  Sandbox runtime:")
	wasm := cfg.Tools.Wasm
	if !wasm.Enabled {
		fmt.Fprintln(w, "    disabled")
	} else if wasm.RuntimePath == "" {
		fmt.Fprintln(w, "    enabled but runtime_path is not set")
	} else if info, err := os.Stat(config.ExpandHome(wasm.RuntimePath)); err != nil {
		fmt.Fprintf(w, "    %s (NOT FOUND)\n", wasm.RuntimePath)
	} else if info.Mode()&0o111 == 0 {
		fmt.Fprintf(w, "    %s (NOT EXECUTABLE)\n", wasm.RuntimePath)
	} else {
		fmt.Fprintf(w, "    %s (OK)\n", wasm.RuntimePath)
	}
	if wasm.AutoBuild {
		fmt.Fprintln(w, "    auto_build: set (ignored; tool artifacts must be pre-built)")
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "  Secrets:")
	if os.Getenv(secrets.EnvMasterKey) == "" {
		fmt.Fprintf(w, "    %s not set (store locked, env fallback only)\n", secrets.EnvMasterKey)
	} else if _, err := secrets.Open(secretsPath(stateDir)); err != nil {
		fmt.Fprintf(w, "    store error: %s\n", err)
	} else {
		fmt.Fprintln(w, "    store unlocked (OK)")
	}
}
