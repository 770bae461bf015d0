package bot

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/Web-Art-Online/Nishikigi/internal/review"
)

// Daemon is the main bot process. It connects to a chat platform via an
// Adapter, feeds inbound messages to the Router one at a time, and runs the
// expiry reaper alongside.
type Daemon struct {
	adapter  Adapter
	router   *Router
	notifier *ChatNotifier
	reaper   *review.Reaper
	ticker   review.Ticker
	name     string
	out      io.Writer
}

// DaemonOpts holds parameters for creating a new Daemon.
type DaemonOpts struct {
	Adapter  Adapter
	Router   *Router
	Notifier *ChatNotifier
	Reaper   *review.Reaper // optional; sessions never expire without it
	Ticker   review.Ticker  // drives the reaper; required with Reaper
	Name     string         // bot name used in status messages
	Out      io.Writer      // defaults to os.Stdout
}

// NewDaemon creates a Daemon with the given options.
func NewDaemon(opts DaemonOpts) (*Daemon, error) {
	if opts.Adapter == nil {
		return nil, fmt.Errorf("bot: adapter is required")
	}
	if opts.Router == nil {
		return nil, fmt.Errorf("bot: router is required")
	}
	if opts.Notifier == nil {
		return nil, fmt.Errorf("bot: notifier is required")
	}
	if opts.Reaper != nil && opts.Ticker == nil {
		return nil, fmt.Errorf("bot: reaper needs a ticker")
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	name := opts.Name
	if name == "" {
		name = "Nishikigi"
	}
	return &Daemon{
		adapter:  opts.Adapter,
		router:   opts.Router,
		notifier: opts.Notifier,
		reaper:   opts.Reaper,
		ticker:   opts.Ticker,
		name:     name,
		out:      out,
	}, nil
}

// Run connects the adapter and blocks until the context is cancelled or the
// adapter closes its inbound channel. On shutdown it closes the adapter
// gracefully.
func (d *Daemon) Run(ctx context.Context) error {
	fmt.Fprintf(d.out, "%s connecting...\n", d.name)
	if err := d.adapter.Connect(ctx); err != nil {
		return fmt.Errorf("bot: connect: %w", err)
	}

	inbound, err := d.adapter.Listen(ctx)
	if err != nil {
		d.adapter.Close()
		return fmt.Errorf("bot: listen: %w", err)
	}

	if d.reaper != nil {
		go d.reaper.Run(ctx, d.ticker)
	}

	fmt.Fprintf(d.out, "%s online\n", d.name)
	if err := d.notifier.SendToAdmin(ctx, d.name+" online"); err != nil {
		log.Printf("bot: send online message: %v", err)
	}
	d.router.refreshPresence(ctx)

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintf(d.out, "%s shutting down...\n", d.name)
			if err := d.adapter.Close(); err != nil {
				log.Printf("bot: close adapter: %v", err)
			}
			fmt.Fprintf(d.out, "%s stopped\n", d.name)
			return nil

		case msg, ok := <-inbound:
			if !ok {
				fmt.Fprintf(d.out, "%s inbound channel closed\n", d.name)
				return nil
			}
			d.router.Handle(ctx, msg)
		}
	}
}
