package main

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"

	"github.com/openDAQ/ws-streaming/streaming"
	"github.com/openDAQ/ws-streaming/streaming/metadatabuilder"
)

const usage = `wsstreamd.

Usage:
    wsstreamd [--port=<port>] [--command-port=<command_port>]

Options:
    -h --help                    Show this screen.
    -p --port=<port>             WebSocket streaming port [default: 7414].
    -c --command-port=<command_port>
                                  HTTP command interface port [default: 7438].
`

func main() {
	defer glog.Flush()

	opts, err := docopt.ParseArgs(usage, os.Args[1:], "")
	if err != nil {
		glog.Exitf("wsstreamd: %s", err)
	}

	port, _ := opts.Int("--port")
	commandPort, _ := opts.Int("--command-port")

	server := streaming.NewServer()
	if err := server.AddListener(uint16(port), false); err != nil {
		glog.Exitf("wsstreamd: %s", err)
	}
	if err := server.AddListener(uint16(commandPort), true); err != nil {
		glog.Exitf("wsstreamd: %s", err)
	}

	server.OnClientConnected(func(c *streaming.Connection) {
		glog.Infof("wsstreamd: client connected: %s", c.LocalID())
	})
	server.OnClientDisconnected(func(c *streaming.Connection, err error) {
		glog.Infof("wsstreamd: client disconnected: %s (%v)", c.LocalID(), err)
	})
	server.OnAvailable(func(c *streaming.Connection, remote *streaming.RemoteSignal) {
		glog.Infof("wsstreamd: %s advertises %s", c.LocalID(), remote.ID())
	})

	addExampleSignals(server)

	server.Run()
	fmt.Printf("wsstreamd listening on :%d (streaming) and :%d (command interface)\n", port, commandPort)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	<-sig

	glog.Infof("wsstreamd: shutting down")
	server.Close()
}

// addExampleSignals registers a demonstration domain signal "/T" (linear,
// nanosecond ticks) and a value signal "/V" (explicit, real64) driven from
// it, so a freshly connected client has something to subscribe to.
func addExampleSignals(server *streaming.Server) {
	domain := streaming.NewLocalSignal("/T",
		metadatabuilder.New("Time").
			LinearRule(0, 1_000_000).
			TickResolution(1, 1_000_000_000).
			Origin(streaming.UnixEpoch).
			Build())

	value := streaming.NewLocalSignal("/V",
		metadatabuilder.New("Voltage").
			DataType(streaming.DataTypeReal64).
			Table("/T").
			Unit(streaming.Unit{Name: "volts", Symbol: "V", Quantity: "voltage"}).
			Build())

	server.AddLocalSignal(domain)
	server.AddLocalSignal(value)

	var sample int64
	go func() {
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for range ticker.C {
			v := math.Sin(float64(sample) / 10)
			var payload [8]byte
			binary.LittleEndian.PutUint64(payload[:], math.Float64bits(v))
			value.PublishDataWithDomain(sample*1_000_000, 1, payload[:])
			sample++
		}
	}()
}
