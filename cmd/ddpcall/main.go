package main

import (
	"context"
	"log"
	"os"

	"github.com/docopt/docopt-go"
	"github.com/goccy/go-json"
	"github.com/patdz/ddp"
	"github.com/patdz/ddp/proto"
	"github.com/patdz/ddp/store"
	"github.com/patdz/ddp/stream"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const DdpCallVersion = "0.1.0"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `DDP call tool.

Arguments are parsed as JSON; anything that is not valid JSON is sent as a
string.

Usage:
    ddpcall call [--config=<config>] [--debug] <url> <method> [<arg>...]
    ddpcall sub [--config=<config>] [--debug] [--collection=<name>...] <url> <name> [<arg>...]
    ddpcall -h | --help
    ddpcall --version

Options:
    -h --help            Show this screen.
    --version            Show version.
    --config=<config>    YAML configuration file.
    --debug              Print every frame sent and received.
    --collection=<name>  Collection to print once the subscription is ready.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], DdpCallVersion)
	if err != nil {
		panic(err)
	}

	if call_, _ := opts.Bool("call"); call_ {
		err = call(opts)
	} else if sub_, _ := opts.Bool("sub"); sub_ {
		err = sub(opts)
	}
	if err != nil {
		Err.Fatalf("%+v", err)
	}
}

// dial reads the configuration and connects to the <url> argument.
func dial(opts docopt.Opts) (*ddp.Connection, *Config, error) {
	configPath, _ := opts.String("--config")
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger, err := cfg.logger()
	if err != nil {
		return nil, nil, err
	}

	connOpts := ddp.Options{
		Logger:            logger.WithField("component", "ddp"),
		HeartbeatInterval: cfg.Heartbeat,
	}
	if debug, _ := opts.Bool("--debug"); debug {
		connOpts.Debug = &proto.DebugObserver{
			Outgoing: func(s string) { Err.Printf("=> %s", s) },
			Incoming: func(s string) { Err.Printf("<= %s", s) },
		}
	}
	streamOpts := stream.Options{
		Header: cfg.header(),
		Logger: logger.WithField("component", "stream"),
	}

	url, _ := opts.String("<url>")
	conn, err := ddp.Dial(url, connOpts, streamOpts)
	if err != nil {
		return nil, nil, err
	}
	return conn, cfg, nil
}

func parseArgs(opts docopt.Opts) []interface{} {
	raw, _ := opts["<arg>"].([]string)
	args := make([]interface{}, 0, len(raw))
	for _, s := range raw {
		var v interface{}
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			v = s
		}
		args = append(args, v)
	}
	return args
}

func call(opts docopt.Opts) error {
	conn, cfg, err := dial(opts)
	if err != nil {
		return err
	}
	defer conn.Close()

	method, _ := opts.String("<method>")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	result, err := conn.Call(ctx, method, parseArgs(opts)...)
	if err != nil {
		return errors.Wrapf(err, "call %s", method)
	}
	if len(result) == 0 {
		Out.Println("null")
		return nil
	}
	Out.Println(string(result))
	return nil
}

func sub(opts docopt.Opts) error {
	conn, cfg, err := dial(opts)
	if err != nil {
		return err
	}
	defer conn.Close()

	names, _ := opts["--collection"].([]string)
	collections := make([]*store.Collection, 0, len(names))
	for _, name := range names {
		c := store.NewCollection(name)
		conn.RegisterStore(name, c)
		collections = append(collections, c)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	name, _ := opts.String("<name>")
	done := make(chan error, 1)
	report := func(err error) {
		select {
		case done <- err:
		default:
		}
	}
	handle, err := conn.Subscribe(ctx, name, parseArgs(opts), &ddp.SubscriptionCallbacks{
		OnReady: func() { report(nil) },
		OnStop: func(err error) {
			if err == nil {
				err = errors.New("subscription stopped")
			}
			report(err)
		},
	})
	if err != nil {
		return err
	}
	defer handle.Stop()

	select {
	case err := <-done:
		if err != nil {
			return errors.Wrapf(err, "subscribe %s", name)
		}
	case <-ctx.Done():
		return errors.Wrapf(ctx.Err(), "subscribe %s", name)
	}

	dump := make(map[string][]proto.Document, len(collections))
	for _, c := range collections {
		dump[c.Name()] = c.Find()
	}
	out, err := yaml.Marshal(dump)
	if err != nil {
		return errors.Wrap(err, "encode documents")
	}
	Out.Print(string(out))
	return nil
}
