package main

import (
	"fmt"
	"os"

	"github.com/akamensky/argparse"
	"github.com/clipvault/clipvault/server"
	"github.com/coreos/go-systemd/daemon"
)

func main() {
	parser := argparse.NewParser("clipvault", "Surveillance clip archive server")
	configFile := parser.String("c", "config", &argparse.Options{Help: "Configuration file", Default: "clipvault.json"})
	if err := parser.Parse(os.Args); err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	srv, err := server.NewServer(*configFile)
	if err != nil {
		fmt.Printf("Failed to start server: %v\n", err)
		os.Exit(1)
	}
	srv.ListenForKillSignals()

	// Tell systemd that we're alive
	daemon.SdNotify(false, daemon.SdNotifyReady)

	if err := srv.ListenAndServe(); err != nil {
		srv.Log.Errorf("ListenAndServe returned: %v", err)
		os.Exit(1)
	}
}
