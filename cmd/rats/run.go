package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	rats "github.com/opd-ai/rats"
	"github.com/opd-ai/rats/file"
	"github.com/opd-ai/rats/platform"
)

var (
	listenPort  uint16
	dhtPort     uint16
	bootstrap   []string
	noDiscovery bool
	statePath   string
	downloadDir string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a rats node",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := rats.NewOptions()
		opts.ListenPort = listenPort
		opts.DHTPort = dhtPort
		opts.EnableDiscovery = !noDiscovery
		opts.StatePath = statePath
		if downloadDir != "" {
			opts.Transfer.DownloadDir = downloadDir
		}
		for _, seed := range bootstrap {
			ep, err := platform.ParseEndpoint(seed)
			if err != nil {
				return err
			}
			opts.BootstrapNodes = append(opts.BootstrapNodes, ep)
		}

		client, err := rats.New(opts)
		if err != nil {
			return err
		}

		client.OnPeerConnected(func(peerID string) {
			logrus.WithField("peer_id", peerID).Info("Peer connected")
		})
		client.OnPeerDisconnected(func(peerID string, reason error) {
			logrus.WithFields(logrus.Fields{
				"peer_id": peerID,
				"reason":  reason,
			}).Info("Peer disconnected")
		})
		client.OnMessage(func(peerID string, payload []byte) {
			logrus.WithFields(logrus.Fields{
				"peer_id": peerID,
				"message": string(payload),
			}).Info("Message received")
		})
		client.OnTransferComplete(func(snap file.Snapshot) {
			logrus.WithFields(logrus.Fields{
				"transfer_id": snap.ID,
				"status":      snap.Status.String(),
				"file":        snap.LocalPath,
				"bytes":       snap.BytesTransferred,
			}).Info("Transfer finished")
		})

		if err := client.Start(); err != nil {
			return err
		}
		defer client.Stop()

		logrus.WithFields(logrus.Fields{
			"peer_id":  client.PeerID(),
			"tcp_port": client.ListenPort(),
			"dht_port": dhtPort,
		}).Info("Node running, press Ctrl-C to stop")

		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
		<-stop
		return nil
	},
}

func init() {
	runCmd.Flags().Uint16Var(&listenPort, "port", 8080, "TCP listen port for peer sessions")
	runCmd.Flags().Uint16Var(&dhtPort, "dht-port", 8881, "UDP port for the DHT (0 disables)")
	runCmd.Flags().StringSliceVar(&bootstrap, "bootstrap", nil, "DHT bootstrap nodes (host:port)")
	runCmd.Flags().BoolVar(&noDiscovery, "no-discovery", false, "disable automatic peer discovery")
	runCmd.Flags().StringVar(&statePath, "state", "", "path for persisted DHT state")
	runCmd.Flags().StringVar(&downloadDir, "downloads", "", "directory for received files")
	rootCmd.AddCommand(runCmd)
}
