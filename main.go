// Command mailout delivers queued messages over SMTP through configured
// transports. It runs as a periodic queue processor, and has subcommands for
// inspecting the queue and diagnosing transport configurations.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mailout/mailout/config"
	"github.com/mailout/mailout/mlog"
	"github.com/mailout/mailout/queue"
	"github.com/mailout/mailout/transport"
)

var xlog = mlog.New("main", nil)

func usage() {
	fmt.Fprintln(os.Stderr, "usage: mailout serve [-interval duration] [-metrics address] config-file")
	fmt.Fprintln(os.Stderr, "       mailout testconn config-file [transport-id]")
	fmt.Fprintln(os.Stderr, "       mailout queue list config-file")
	fmt.Fprintln(os.Stderr, "       mailout queue count config-file")
	fmt.Fprintln(os.Stderr, "       mailout transport list config-file")
	fmt.Fprintln(os.Stderr, "       mailout config test config-file")
	fmt.Fprintln(os.Stderr, "       mailout config describe")
	os.Exit(2)
}

func main() {
	log.SetFlags(0)
	if len(os.Args) < 2 {
		usage()
	}
	switch os.Args[1] {
	case "serve":
		serve(os.Args[2:])
	case "testconn":
		testconn(os.Args[2:])
	case "queue":
		queueCmd(os.Args[2:])
	case "transport":
		transportCmd(os.Args[2:])
	case "config":
		configCmd(os.Args[2:])
	default:
		usage()
	}
}

func xcheckf(err error, format string, args ...any) {
	if err != nil {
		log.Fatalf("%s: %s", fmt.Sprintf(format, args...), err)
	}
}

// load parses the config file and opens the databases.
func load(path string) (config.Static, config.Dispatch) {
	static, err := config.LoadFile(path)
	xcheckf(err, "loading config")
	err = transport.Init(context.Background(), static.DataDir)
	xcheckf(err, "opening transport database")
	err = queue.Init(context.Background(), static.DataDir)
	xcheckf(err, "opening queue database")
	return static, static.Dispatch()
}

func serve(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	interval := fs.Duration("interval", time.Minute, "delay between queue runs")
	metrics := fs.String("metrics", "", "address to serve prometheus metrics on, e.g. localhost:8010; empty for none")
	fs.Parse(args)
	if fs.NArg() != 1 {
		usage()
	}
	_, c := load(fs.Arg(0))

	if *metrics != "" {
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			xlog.Info("serving metrics", slog.String("address", *metrics))
			err := http.ListenAndServe(*metrics, nil)
			xcheckf(err, "serving metrics")
		}()
	}

	xlog.Info("mailout serving", slog.Duration("interval", *interval))
	for {
		log := xlog.WithCid(mlog.Cid())
		count, err := queue.ProcessQueue(context.Background(), log, c, time.Now())
		log.Check(err, "queue run")
		if count > 0 {
			log.Info("queue run done", slog.Int("processed", count))
		}
		time.Sleep(*interval)
	}
}

func testconn(args []string) {
	if len(args) != 1 && len(args) != 2 {
		usage()
	}
	_, c := load(args[0])
	var id int64
	if len(args) == 2 {
		v, err := strconv.ParseInt(args[1], 10, 64)
		xcheckf(err, "parsing transport id")
		id = v
	}
	err := queue.TestConnection(context.Background(), xlog.WithCid(mlog.Cid()), c, id)
	xcheckf(err, "test connection")
	fmt.Println("ok")
}

func queueCmd(args []string) {
	if len(args) != 2 {
		usage()
	}
	switch args[0] {
	case "list":
		load(args[1])
		msgs, err := queue.List(context.Background(), queue.Filter{})
		xcheckf(err, "listing queue")
		for _, m := range msgs {
			fmt.Printf("%5d %-9s %s %q\n", m.ID, m.Status, m.Queued.Format(time.RFC3339), m.Subject)
			if m.FailureKind != queue.FailNone {
				fmt.Printf("      %s: %s\n", m.FailureKind, m.FailureReason)
			}
		}
	case "count":
		load(args[1])
		n, err := queue.Count(context.Background(), queue.Filter{Status: queue.Outgoing})
		xcheckf(err, "counting queue")
		fmt.Println(n)
	default:
		usage()
	}
}

func transportCmd(args []string) {
	if len(args) != 2 || args[0] != "list" {
		usage()
	}
	load(args[1])
	l, err := transport.List(context.Background())
	xcheckf(err, "listing transports")
	for _, t := range l {
		active := "inactive"
		if t.Active {
			active = "active"
		}
		fmt.Printf("%5d %-20s prio %3d %-8s %s %s %s filter %v\n", t.ID, t.Name, t.Priority, active, t.Addr(), t.Encryption, t.AuthMode, t.SenderFilter)
	}
}

func configCmd(args []string) {
	switch {
	case len(args) == 2 && args[0] == "test":
		_, err := config.LoadFile(args[1])
		xcheckf(err, "checking config")
		fmt.Println("config OK")
	case len(args) == 1 && args[0] == "describe":
		err := config.Describe(&config.Static{})
		xcheckf(err, "describing config")
	default:
		usage()
	}
}
