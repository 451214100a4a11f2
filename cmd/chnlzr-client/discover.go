package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/rjboer/gochnlzr/internal/mdns"
)

// discover is replaced in tests.
var discover = mdns.Discover

func newDiscoverCmd(ctx context.Context, out io.Writer) *cobra.Command {
	var (
		service string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Browse the local network for brokers over mDNS",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return printDiscovery(ctx, out, service, timeout)
		},
	}
	cmd.Flags().StringVar(&service, "service", mdns.DefaultService, "DNS-SD service type")
	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "Browse duration")
	return cmd
}

func printDiscovery(ctx context.Context, out io.Writer, service string, timeout time.Duration) error {
	fmt.Fprintln(out, "===============================================================")
	fmt.Fprintln(out, " Broker discovery")
	fmt.Fprintln(out, "===============================================================")
	fmt.Fprintf(out, " Service : %s.local\n", service)
	fmt.Fprintf(out, " Timeout : %s\n", timeout)
	fmt.Fprintln(out, "---------------------------------------------------------------")

	start := time.Now()
	hosts, err := discover(ctx, service, timeout)
	duration := time.Since(start)
	if err != nil {
		return fmt.Errorf("discovery error: %w", err)
	}

	if len(hosts) == 0 {
		fmt.Fprintf(out, "No brokers found (%s)\n", duration.Truncate(time.Millisecond))
		return nil
	}

	fmt.Fprintf(out, "Discovered %d broker(s) in %s\n", len(hosts), duration.Truncate(time.Millisecond))
	fmt.Fprintln(out, "===============================================================")
	for i, h := range hosts {
		fmt.Fprintf(out, " Broker #%d\n", i+1)
		fmt.Fprintln(out, "---------------------------------------------------------------")
		fmt.Fprintf(out, " Instance : %s\n", h.Instance)
		fmt.Fprintf(out, " Hostname : %s\n", h.Hostname)
		fmt.Fprintf(out, " Port     : %d\n", h.Port)
		fmt.Fprintf(out, " Dial     : brkr://%s\n", h.Broker())
		fmt.Fprintln(out, " Addresses:")
		if len(h.Addresses) == 0 {
			fmt.Fprintln(out, "   <none>")
		}
		for _, ip := range h.Addresses {
			fmt.Fprintf(out, "   - %s\n", ip)
		}
		if len(h.TXT) > 0 {
			fmt.Fprintln(out, " TXT:")
			for _, txt := range h.TXT {
				fmt.Fprintf(out, "   - %s\n", txt)
			}
		}
		fmt.Fprintln(out, "---------------------------------------------------------------")
	}
	return nil
}
