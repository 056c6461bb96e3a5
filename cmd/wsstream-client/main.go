package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"

	"github.com/openDAQ/ws-streaming/streaming"
)

const usage = `wsstream-client.

Usage:
    wsstream-client <host> [--port=<port>] [--signal=<signal_id>]

Options:
    -h --help                  Show this screen.
    -p --port=<port>           WebSocket streaming port [default: 7414].
    -s --signal=<signal_id>    Signal id to subscribe to [default: /V].
`

func main() {
	defer glog.Flush()

	opts, err := docopt.ParseArgs(usage, os.Args[1:], "")
	if err != nil {
		glog.Exitf("wsstream-client: %s", err)
	}

	host, _ := opts.String("<host>")
	port, _ := opts.Int("--port")
	signalID, _ := opts.String("--signal")

	url := fmt.Sprintf("ws://%s:%d/", host, port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mutex sync.Mutex
	var active *streaming.Connection

	client := streaming.NewClient()
	client.Connect(ctx, url, func(conn *streaming.Connection, err error) {
		if err != nil {
			glog.Exitf("wsstream-client: connect to %s: %s", url, err)
		}

		mutex.Lock()
		active = conn
		mutex.Unlock()

		conn.OnAvailable(func(remote *streaming.RemoteSignal) {
			if remote.ID() != signalID {
				return
			}
			remote.OnDataReceived(func(domainValue, sampleCount int64, payload []byte) {
				fmt.Printf("%s: t=%d samples=%d bytes=%d\n", remote.ID(), domainValue, sampleCount, len(payload))
			})
			remote.Subscribe()
		})
		conn.OnDisconnected(func(err error) {
			fmt.Printf("wsstream-client: disconnected: %v\n", err)
			cancel()
		})
	})

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)

	select {
	case <-sig:
		glog.Infof("wsstream-client: shutting down")
		client.Cancel()
		mutex.Lock()
		conn := active
		mutex.Unlock()
		if conn != nil {
			conn.Close()
		}
	case <-ctx.Done():
	}
}
