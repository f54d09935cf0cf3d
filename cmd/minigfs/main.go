package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"

	minigfs "github.com/kkyrenc/mini-gfs"
	"github.com/kkyrenc/mini-gfs/master"
	"github.com/kkyrenc/mini-gfs/util"
)

func main() {
	root := &cobra.Command{
		Use:          "minigfs",
		Short:        "mini-gfs cluster coordination master and tools",
		SilenceUsage: true,
	}
	root.AddCommand(masterCmd(), statusCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func masterCmd() *cobra.Command {
	var (
		addr     string
		dir      string
		logLevel string
		logFile  string
		cfg      minigfs.Config
	)
	cmd := &cobra.Command{
		Use:   "master",
		Short: "run the coordination master",
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging(logLevel, logFile)

			m, err := master.NewAndServe(minigfs.ServerAddress(addr), dir, cfg)
			if err != nil {
				return err
			}

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			s := <-sig
			log.Infof("received %v, shutting down", s)
			m.Shutdown()
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":7777", "address to serve RPC on")
	cmd.Flags().StringVar(&dir, "dir", "minigfs-meta", "directory for the recovery log and checkpoints")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warning, error)")
	cmd.Flags().StringVar(&logFile, "log-file", "", "log to this rotating file instead of stderr")
	cmd.Flags().DurationVar(&cfg.HeartbeatInterval, "heartbeat-interval", 0, "heartbeat and sweep interval")
	cmd.Flags().IntVar(&cfg.HeartbeatMissLimit, "heartbeat-miss-limit", 0, "missed intervals before a node is dead")
	cmd.Flags().DurationVar(&cfg.LeaseDuration, "lease-duration", 0, "primary lease lifetime")
	cmd.Flags().DurationVar(&cfg.ReconcileInterval, "reconcile-interval", 0, "replication reconcile period")
	cmd.Flags().DurationVar(&cfg.GCInterval, "gc-interval", 0, "garbage sweep period")
	cmd.Flags().DurationVar(&cfg.GCGracePeriod, "gc-grace", 0, "orphan grace period before deletion")
	cmd.Flags().IntVar(&cfg.DefaultReplicas, "replicas", 0, "default replica target for new files")
	cmd.Flags().IntVar(&cfg.VirtualNodes, "virtual-nodes", 0, "ring positions per storage node")
	return cmd
}

func statusCmd() *cobra.Command {
	var masterAddr string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "print cluster status",
		RunE: func(cmd *cobra.Command, args []string) error {
			var reply minigfs.ClusterStatusReply
			err := util.Call(minigfs.ServerAddress(masterAddr), "Master.RPCClusterStatus", minigfs.ClusterStatusArg{}, &reply)
			if err != nil {
				return err
			}
			printStatus(reply)
			return nil
		},
	}
	cmd.Flags().StringVar(&masterAddr, "master", "127.0.0.1:7777", "master address")
	return cmd
}

func printStatus(s minigfs.ClusterStatusReply) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Node", "Address", "State", "Last Beat", "Chunks", "Used", "Capacity"})
	for _, n := range s.Nodes {
		table.Append([]string{
			string(n.ID),
			string(n.Address),
			n.State.String(),
			n.LastHeartbeat.Format(time.RFC3339),
			fmt.Sprintf("%d", n.Chunks),
			fmt.Sprintf("%d MiB", n.UsedBytes>>20),
			fmt.Sprintf("%d MiB", n.CapacityBytes>>20),
		})
	}
	table.Render()

	fmt.Printf("files: %d  chunks: %d\n", s.Files, s.Chunks)
	if s.ReadOnly {
		fmt.Println("MASTER IS READ-ONLY: recovery log damaged")
	}
	if len(s.Degraded) > 0 {
		fmt.Printf("degraded chunks (%d):\n", len(s.Degraded))
		for _, id := range s.Degraded {
			fmt.Printf("  %v\n", id)
		}
	}
}

func setupLogging(level, file string) {
	if lvl, err := log.ParseLevel(level); err == nil {
		log.SetLevel(lvl)
	}
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	if file != "" {
		log.SetOutput(&lumberjack.Logger{
			Filename:   file,
			MaxSize:    100, // MiB
			MaxBackups: 3,
			MaxAge:     14, // days
		})
	}
}
