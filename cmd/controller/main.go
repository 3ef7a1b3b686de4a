// Package main is the entry point of the fieldrig controller.
// It loads the configuration, builds the rig session (telemetry buffers,
// command channels, regulation loop, monitor) and runs until interrupted.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"fieldrig/internal/core"
	"fieldrig/internal/model"
	"fieldrig/internal/util"
)

func main() {
	cfgPath := flag.String("c", "", "path to configuration file (bench defaults when empty)")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()
	util.SetDebug(*debug)

	cfg := model.DefaultConfig()
	if *cfgPath != "" {
		var err error
		if cfg, err = model.LoadConfig(*cfgPath); err != nil {
			log.Fatalf("load config: %v", err)
		}
		log.Printf("using config %s", *cfgPath)
	}

	session, err := core.NewSession(cfg)
	if err != nil {
		log.Fatalf("build session: %v", err)
	}
	if err := session.Start(); err != nil {
		log.Fatalf("start session: %v", err)
	}
	if addr := session.MonitorAddr(); addr != "" {
		log.Printf("monitor listening on http://%s", addr)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Println("shutting down")
	session.Stop()
}
