package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/oriys/hvbus/internal/bus"
	"github.com/oriys/hvbus/internal/hostemu"
	"github.com/oriys/hvbus/internal/hvcall"
	"github.com/oriys/hvbus/internal/logging"
)

type discardFast struct{}

func (discardFast) FastHypercall8(control, input uint64) {}

func probeCmd() *cobra.Command {
	var (
		addr string
		cid  uint32
	)

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Run a full connection handshake against a host and report the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Emulator.Addr = addr
			}

			logging.SetLevelFromString(cfg.Log.Level)
			logging.InitStructured(cfg.Log.Format, cfg.Log.Level)

			maxVersion, err := cfg.Bus.ParseMaxVersion()
			if err != nil {
				return err
			}

			var conn *bus.Connection
			client, err := hostemu.Dial(cfg.Emulator.UseVsock, cfg.Emulator.Addr,
				cid, cfg.Emulator.Port, func(raw []byte) {
					conn.DeliverMessage(raw)
				})
			if err != nil {
				return err
			}
			defer client.Close()

			conn = bus.New(&hvcall.Platform{ConnectVP: cfg.Bus.ConnectVP},
				bus.Collaborators{Poster: client, Fast: discardFast{}},
				bus.Config{MaxVersion: maxVersion})

			if err := conn.Connect(); err != nil {
				return fmt.Errorf("handshake failed: %w", err)
			}
			defer conn.Disconnect()

			fmt.Printf("connected: version=%s conn_id=%#x\n",
				conn.Version(), conn.MessageConnID())
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Host address (overrides config)")
	cmd.Flags().Uint32Var(&cid, "cid", 2, "vsock context id of the host")

	return cmd
}
