package main

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/elvis-sim/elvis/internal/logging"
	"github.com/elvis-sim/elvis/internal/xcmd"
	"github.com/elvis-sim/elvis/pkg/endpoint"
	"github.com/elvis-sim/elvis/pkg/internet"
	"github.com/elvis-sim/elvis/pkg/machine"
	"github.com/elvis-sim/elvis/pkg/message"
	"github.com/elvis-sim/elvis/pkg/network"
	"github.com/elvis-sim/elvis/pkg/protocol"
	"github.com/elvis-sim/elvis/pkg/protocols/ipv4"
	"github.com/elvis-sim/elvis/pkg/protocols/ipv4/rib"
	"github.com/elvis-sim/elvis/pkg/protocols/pci"
	"github.com/elvis-sim/elvis/pkg/protocols/udp"
)

var cmd Cmd

// Cmd is the command line arguments.
type Cmd struct {
	// ConfigPath is the path to the configuration file (optional: a demo
	// scenario runs with defaults when omitted).
	ConfigPath string
}

var rootCmd = &cobra.Command{
	Use:   "elvis",
	Short: "Discrete-event network simulator",
	Run: func(rawCmd *cobra.Command, args []string) {
		if err := run(cmd); err != nil {
			if errors.Is(err, xcmd.Interrupted{}) {
				return
			}

			fmt.Printf("ERROR: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.Flags().StringVarP(&cmd.ConfigPath, "config", "c", "", "Path to the configuration file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd Cmd) error {
	cfg := internet.DefaultConfig()
	if cmd.ConfigPath != "" {
		loaded, err := internet.LoadConfig(cmd.ConfigPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
	}

	log, _, err := logging.Init(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer log.Sync()

	machines, err := demoScenario(log)
	if err != nil {
		return fmt.Errorf("failed to build scenario: %w", err)
	}

	ctx := context.Background()
	wg, ctx := errgroup.WithContext(ctx)

	var status internet.ExitStatus
	wg.Go(func() error {
		opts := []internet.Option{
			internet.WithLog(log),
			internet.WithShutdownGrace(cfg.ShutdownGrace),
		}
		var runErr error
		if cfg.Timeout > 0 {
			status, runErr = internet.RunWithTimeout(ctx, machines, cfg.Timeout, opts...)
		} else {
			status, runErr = internet.Run(ctx, machines, opts...)
		}
		return runErr
	})
	wg.Go(func() error {
		err := xcmd.WaitInterrupted(ctx)
		log.Infof("caught signal: %v", err)
		return err
	})

	if err := wg.Wait(); err != nil {
		var interrupted xcmd.Interrupted
		if errors.As(err, &interrupted) {
			return interrupted
		}
		return err
	}

	log.Infow("simulation finished", "status", status)
	return nil
}

// demoScenario wires the minimal scenario cmd/elvis exists to demonstrate:
// two machines on one lossless network exchanging a single UDP datagram.
// Real topologies are expected to be built programmatically by an embedding
// driver and handed to internet.Run directly, the same way pkg/internet's
// own tests do — this CLI is not a scenario catalog.
func demoScenario(log *zap.SugaredLogger) ([]*machine.Machine, error) {
	const (
		pciID = protocol.ProtocolId(1)
		ipID  = protocol.ProtocolId(2)
		udpID = protocol.ProtocolId(17)
	)

	fabric := network.New(network.Config{MTU: 1500 * datasize.B})

	senderAddr := netip.MustParseAddr("10.0.0.1")
	receiverAddr := netip.MustParseAddr("10.0.0.2")

	senderPci := pci.New(pciID, log)
	receiverPci := pci.New(pciID, log)
	senderPci.Attach(fabric, 1)
	receiverMAC := uint64(2)
	receiverPci.Attach(fabric, receiverMAC)

	senderIPv4 := ipv4.New(ipID, pciID, log)
	receiverIPv4 := ipv4.New(ipID, pciID, log)
	mac := network.Unicast(receiverMAC)
	senderIPv4.AddRoute(netip.MustParsePrefix("10.0.0.2/32"), rib.Recipient{Slot: 0, MAC: &mac})
	receiverIPv4.AddLocalAddress(receiverAddr, 0)

	senderUDP := udp.New(udpID, ipID, log)
	receiverUDP := udp.New(udpID, ipID, log)

	receiverEP := endpoint.Endpoint{Addr: receiverAddr, Port: 9000}
	senderEP := endpoint.Endpoint{Addr: senderAddr, Port: 5000}

	receiverUDP.Listen(receiverEP, loggingApp{log: log})

	senderMachine, err := machine.New(senderPci, senderIPv4, senderUDP)
	if err != nil {
		return nil, err
	}
	receiverMachine, err := machine.New(receiverPci, receiverIPv4, receiverUDP)
	if err != nil {
		return nil, err
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		sess, err := senderUDP.Open(senderEP, receiverEP, loggingApp{log: log}, senderMachine)
		if err != nil {
			log.Errorw("demo: failed to open udp session", "error", err)
			return
		}
		if err := sess.Send(message.New([]byte("Hello!")), senderMachine); err != nil {
			log.Errorw("demo: failed to send", "error", err)
		}
	}()

	return []*machine.Machine{senderMachine, receiverMachine}, nil
}

type loggingApp struct {
	log *zap.SugaredLogger
}

func (a loggingApp) Receive(msg message.Message, from endpoint.Endpoint) {
	a.log.Infow("demo: received datagram", "from", from, "payload", string(msg.Bytes()))
}
