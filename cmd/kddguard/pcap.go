package main

import (
	"context"
	"errors"
	stdio "io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	kddio "github.com/hed1ad/kddguard/pkg/io"
	"github.com/hed1ad/kddguard/pkg/io/pcap"
	"github.com/hed1ad/kddguard/pkg/kdd"
	"github.com/hed1ad/kddguard/pkg/pipeline"
)

func newPcapCmd(opts *globalOptions) *cobra.Command {
	var (
		iface      string
		tcpTimeout time.Duration
		udpTimeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "pcap [FILE]",
		Short: "Assemble connections from a capture and predict each one",
		Long: `Reads packets from a PCAP file, or live from --interface, assembles
them into connections with derived KDD Cup 99 features and writes one
JSON result per completed connection. Content features that need payload
inspection are reported as zero.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (len(args) == 1) == (iface != "") {
				return errors.New("pass either a capture FILE or --interface")
			}

			a, err := opts.setup()
			if err != nil {
				return err
			}
			p, err := a.loadPipeline(cmd.Context())
			if err != nil {
				return err
			}

			asmOpts := []pcap.AssemblerOption{pcap.WithTCPTimeout(tcpTimeout), pcap.WithUDPTimeout(udpTimeout)}
			var r *pcap.Reader
			if iface != "" {
				r, err = pcap.NewLiveReader(iface, 65535, true, time.Second, asmOpts...)
			} else {
				r, err = pcap.NewFileReader(args[0], asmOpts...)
			}
			if err != nil {
				return err
			}
			defer r.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.predictCapture(ctx, p, r, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&iface, "interface", "i", "", "capture live from this interface")
	cmd.Flags().DurationVar(&tcpTimeout, "tcp-timeout", pcap.DefaultTCPTimeout, "idle time after which a TCP flow is completed")
	cmd.Flags().DurationVar(&udpTimeout, "udp-timeout", pcap.DefaultUDPTimeout, "idle time after which a UDP flow is completed")
	return cmd
}

// predictCapture streams assembled connections through the pipeline.
func (a *app) predictCapture(ctx context.Context, p *pipeline.Pipeline, r kddio.Reader, out stdio.Writer) error {
	conns, err := r.Stream(ctx)
	if err != nil {
		return err
	}
	return a.predictConnections(ctx, p, conns, out, "capture complete")
}

// predictConnections streams conns through the pipeline in arrival order
// and writes a result per connection.
func (a *app) predictConnections(ctx context.Context, p *pipeline.Pipeline, conns <-chan kdd.Connection, out stdio.Writer, done string) error {
	in := make(chan kdd.Record)
	pending := make(chan kdd.Connection, 64)
	results := make(chan pipeline.RowResult)

	go func() {
		defer close(in)
		for c := range conns {
			select {
			case pending <- c:
			case <-ctx.Done():
				return
			}
			select {
			case in <- c.Fields:
			case <-ctx.Done():
				return
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- p.PredictStream(ctx, in, results)
	}()

	w := kddio.NewJSONWriter(out)
	var sum summary
	for row := range results {
		c := <-pending
		res := toResult(row.Index, c, row.Result, row.Err)
		sum.add(res)
		if err := w.Write(res); err != nil {
			return err
		}
	}
	sum.log(a.logger, done)

	if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}
