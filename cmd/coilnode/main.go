// Package main runs the coil node bench agent: a simulator that answers
// the controller's command and waveform channels and emits the current,
// temperature and pressure streams.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"fieldrig/internal/node"
	"fieldrig/internal/util"
)

func main() {
	cmdBind := flag.String("cmd", ":1300", "command listen address")
	wfBind := flag.String("waveform", ":1400", "waveform listen address")
	controller := flag.String("controller", "127.0.0.1", "controller host for telemetry")
	currentPort := flag.Int("current", 1200, "controller current port")
	tempPort := flag.Int("temperature", 1500, "controller temperature port")
	presPort := flag.Int("pressure", 1600, "controller pressure port")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()
	util.SetDebug(*debug)

	agent := node.NewCoilAgent(node.CoilConfig{
		CommandBind:     *cmdBind,
		WaveformBind:    *wfBind,
		CurrentPeer:     fmt.Sprintf("%s:%d", *controller, *currentPort),
		TemperaturePeer: fmt.Sprintf("%s:%d", *controller, *tempPort),
		PressurePeer:    fmt.Sprintf("%s:%d", *controller, *presPort),
	})
	if err := agent.Start(); err != nil {
		log.Fatalf("start coil agent: %v", err)
	}
	log.Printf("coil agent up: commands on %s, waveforms on %s", agent.CommandAddr(), agent.WaveformAddr())

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Println("coil agent stopping")
	agent.Stop()
}
