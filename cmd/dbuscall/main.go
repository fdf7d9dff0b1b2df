// Program dbuscall is a small command-line client over this module's
// connection/message/introspection stack: it can call a method, dump
// an object's introspection tree, or watch a signal.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"

	"github.com/fatih/color"
	"github.com/urfave/cli/v2"

	"github.com/go-dbuscore/dbus"
)

func main() {
	app := &cli.App{
		Name:  "dbuscall",
		Usage: "call, introspect, and watch D-Bus objects",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "address", Usage: "bus address (default: $DBUS_SESSION_BUS_ADDRESS)"},
		},
		Commands: []*cli.Command{
			callCommand,
			introspectCommand,
			monitorCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		color.New(color.FgRed).Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func connect(c *cli.Context) (*dbus.Connection, error) {
	var opts []dbus.Option
	if addr := c.String("address"); addr != "" {
		opts = append(opts, dbus.WithAddress(addr))
	}
	return dbus.Connect(context.Background(), opts...)
}

var callCommand = &cli.Command{
	Name:      "call",
	Usage:     "call a method and print its reply",
	ArgsUsage: "ARG...",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "dest", Required: true, Usage: "destination bus name"},
		&cli.StringFlag{Name: "path", Required: true, Usage: "object path"},
		&cli.StringFlag{Name: "iface", Required: true, Usage: "interface name"},
		&cli.StringFlag{Name: "member", Required: true, Usage: "method name"},
		&cli.StringFlag{Name: "sig", Usage: "body signature, e.g. \"su\" for a string then a uint32"},
	},
	Action: func(c *cli.Context) error {
		conn, err := connect(c)
		if err != nil {
			return err
		}
		defer conn.Close()

		sig := c.String("sig")
		args, err := parseCallArgs(sig, c.Args().Slice())
		if err != nil {
			return err
		}

		var reply []interface{}
		err = callAndCapture(conn, c.String("dest"), dbus.ObjectPath(c.String("path")), c.String("iface"), c.String("member"), sig, args, &reply)
		if err != nil {
			if callErr, ok := err.(*dbus.CallError); ok {
				color.New(color.FgRed).Printf("%s\n", callErr.Name)
				for _, v := range callErr.Body {
					fmt.Printf("  %v\n", v)
				}
				return nil
			}
			return err
		}

		green := color.New(color.FgGreen)
		green.Println("ok")
		for _, v := range reply {
			fmt.Printf("  %v\n", v)
		}
		return nil
	},
}

// parseCallArgs converts CLI string arguments into typed Go values
// matching sig, one basic type per character. Container signatures
// are not supported from the command line.
func parseCallArgs(sig string, raw []string) ([]interface{}, error) {
	if len(raw) != len(sig) {
		return nil, fmt.Errorf("dbuscall: %d argument(s) given but signature %q needs %d", len(raw), sig, len(sig))
	}
	args := make([]interface{}, len(raw))
	for i, s := range raw {
		switch sig[i] {
		case 's':
			args[i] = s
		case 'o':
			args[i] = dbus.ObjectPath(s)
		case 'g':
			args[i] = dbus.Signature(s)
		case 'b':
			v, err := strconv.ParseBool(s)
			if err != nil {
				return nil, fmt.Errorf("dbuscall: argument %d: %w", i, err)
			}
			args[i] = v
		case 'y', 'n', 'q', 'i', 'u':
			v, err := strconv.ParseInt(s, 10, 32)
			if err != nil {
				return nil, fmt.Errorf("dbuscall: argument %d: %w", i, err)
			}
			args[i] = int32(v)
		case 'x', 't':
			v, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("dbuscall: argument %d: %w", i, err)
			}
			args[i] = v
		case 'd':
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("dbuscall: argument %d: %w", i, err)
			}
			args[i] = v
		default:
			return nil, fmt.Errorf("dbuscall: unsupported argument type %q at position %d", string(sig[i]), i)
		}
	}
	return args, nil
}

// callAndCapture issues the call and collects every reply value into
// *reply without knowing its shape ahead of time, unlike
// Connection.Call's typed-pointer contract.
func callAndCapture(conn *dbus.Connection, dest string, path dbus.ObjectPath, iface, member, sig string, args []interface{}, reply *[]interface{}) error {
	n := len(sig)
	dst := make([]interface{}, n)
	vals := make([]interface{}, n)
	for i := range dst {
		vals[i] = new(interface{})
		dst[i] = vals[i]
	}
	if err := conn.Call(context.Background(), dest, path, iface, member, sig, args, dst...); err != nil {
		return err
	}
	out := make([]interface{}, n)
	for i, v := range vals {
		out[i] = *(v.(*interface{}))
	}
	*reply = out
	return nil
}

var introspectCommand = &cli.Command{
	Name:  "introspect",
	Usage: "introspect an object and print its interfaces",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "dest", Required: true, Usage: "destination bus name"},
		&cli.StringFlag{Name: "path", Required: true, Usage: "object path"},
	},
	Action: func(c *cli.Context) error {
		conn, err := connect(c)
		if err != nil {
			return err
		}
		defer conn.Close()

		node, err := conn.Introspect(context.Background(), c.String("dest"), dbus.ObjectPath(c.String("path")))
		if err != nil {
			return err
		}
		printNode(node, 0)
		return nil
	},
}

func printNode(n *dbus.Node, depth int) {
	bold := color.New(color.Bold)
	indent := func(extra int) string {
		s := ""
		for i := 0; i < depth+extra; i++ {
			s += "  "
		}
		return s
	}
	for _, iface := range n.Interfaces {
		bold.Printf("%s%s\n", indent(0), iface.Name)
		for _, m := range iface.Methods {
			fmt.Printf("%s  method %s(%s) (%s)\n", indent(0), m.Name, m.InSignature, m.OutSignature)
		}
		for _, s := range iface.Signals {
			fmt.Printf("%s  signal %s(%s)\n", indent(0), s.Name, s.Signature)
		}
		for _, p := range iface.Properties {
			fmt.Printf("%s  property %s %s [%s]\n", indent(0), p.Name, p.Type, p.Access)
		}
	}
	for _, child := range n.Children {
		fmt.Printf("%snode %s\n", indent(0), child.Name)
		printNode(&child, depth+1)
	}
}

var monitorCommand = &cli.Command{
	Name:  "monitor",
	Usage: "watch a signal until interrupted",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "sender", Usage: "match rule sender"},
		&cli.StringFlag{Name: "path", Usage: "match rule object path"},
		&cli.StringFlag{Name: "iface", Usage: "match rule interface"},
		&cli.StringFlag{Name: "member", Usage: "match rule member"},
	},
	Action: func(c *cli.Context) error {
		conn, err := connect(c)
		if err != nil {
			return err
		}
		defer conn.Close()

		watch, err := conn.WatchSignal(&dbus.MatchRule{
			Sender:    c.String("sender"),
			Path:      dbus.ObjectPath(c.String("path")),
			Interface: c.String("iface"),
			Member:    c.String("member"),
		})
		if err != nil {
			return err
		}
		defer watch.Cancel()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt)

		cyan := color.New(color.FgCyan)
		for {
			select {
			case msg, ok := <-watch.C:
				if !ok {
					return nil
				}
				cyan.Printf("%s.%s %s\n", msg.Interface, msg.Member, msg.Path)
				for _, v := range msg.Body {
					fmt.Printf("  %v\n", v)
				}
			case <-sigCh:
				return nil
			}
		}
	},
}
