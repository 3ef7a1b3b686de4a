// Package main runs the solenoid valve agent. By default the pressure is
// simulated; with -device it reads a serial-attached sensor instead.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fieldrig/internal/device"
	"fieldrig/internal/node"
	"fieldrig/internal/util"
)

func main() {
	cmdBind := flag.String("cmd", ":2390", "command listen address")
	controller := flag.String("controller", "127.0.0.1", "controller host for status pushes")
	statusPort := flag.Int("status", 2391, "controller status port")
	interval := flag.Int("interval", 1000, "status push interval ms")
	dev := flag.String("device", "", "serial pressure sensor, e.g. /dev/ttyUSB0 (simulated when empty)")
	baud := flag.Int("baud", 9600, "serial baudrate")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()
	util.SetDebug(*debug)

	var bridge *device.SensorBridge
	if *dev != "" {
		port, err := device.OpenSerial(*dev, *baud)
		if err != nil {
			log.Fatalf("open %s: %v", *dev, err)
		}
		bridge = device.NewSensorBridge(port)
		log.Printf("reading pressure from %s at %d baud", *dev, *baud)
	}

	agent := node.NewSolenoidAgent(node.SolenoidConfig{
		CommandBind:    *cmdBind,
		StatusPeer:     fmt.Sprintf("%s:%d", *controller, *statusPort),
		StatusInterval: time.Duration(*interval) * time.Millisecond,
		Bridge:         bridge,
	})
	if err := agent.Start(); err != nil {
		log.Fatalf("start solenoid agent: %v", err)
	}
	log.Printf("solenoid agent up: commands on %s", agent.CommandAddr())

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Println("solenoid agent stopping")
	agent.Stop()
}
