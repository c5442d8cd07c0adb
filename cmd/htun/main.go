// Command htun is the daemon binary: the same binary drives both ends of a
// tunnel, dispatching to the server or client engine according to the
// config file's "mode" key (or the "serve"/"client" subcommand override),
// the Go equivalent of main.c's is_server branch.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"

	"github.com/htun/htun/client"
	"github.com/htun/htun/config"
	"github.com/htun/htun/iprange"
	"github.com/htun/htun/server"
)

const version = "htun 2.0"

var (
	flagCfgFile    string
	flagForeground bool
	flagDebug      bool
	flagVersion    bool
	flagTunFile    string
	flagLogFile    string
	flagDontRoute  bool
	flagPort       uint
	flagConfigTest bool
)

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), "usage:\n\thtun [ flags ] <serve|client>\n\n")
	flag.PrintDefaults()
}

func init() {
	flag.Usage = usage
	flag.StringVar(&flagCfgFile, "c", "/etc/htun.conf", "config file to read")
	flag.BoolVar(&flagForeground, "f", false, "run in the foreground")
	flag.BoolVar(&flagDebug, "d", false, "include debug-level messages in the log")
	flag.BoolVar(&flagVersion, "v", false, "print version information and exit")
	flag.StringVar(&flagTunFile, "t", "", "use this tun device file instead of the config value")
	flag.StringVar(&flagLogFile, "l", "", "log output file; '-' means stdout and implies -f")
	flag.BoolVar(&flagDontRoute, "r", false, "client: do not alter the default route")
	flag.UintVar(&flagPort, "p", 0, "override the primary server/proxy port")
	flag.BoolVar(&flagConfigTest, "o", false, "configtest only, check config syntax and exit")
}

func main() {
	flag.Parse()
	if flagVersion {
		fmt.Println(version)
		return
	}

	m, err := config.ReadFile(flagCfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "htun: reading config %s: %v\n", flagCfgFile, err)
		os.Exit(1)
	}

	mode := m["mode"]
	if a := flag.Arg(0); a != "" {
		mode = a
	}

	log := newLogger(logWriter())

	switch mode {
	case "s", "serve", "server":
		err = runServer(log, m)
	case "c", "client":
		err = runClient(log, m)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Error("htun exited with error", "err", err)
		os.Exit(1)
	}
}

func logWriter() io.Writer {
	if flagLogFile == "-" {
		return os.Stdout
	}
	if flagLogFile == "" {
		return os.Stderr
	}
	f, err := os.OpenFile(flagLogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "htun: opening logfile %s: %v (falling back to stderr)\n", flagLogFile, err)
		return os.Stderr
	}
	return f
}

func newLogger(w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	if flagDebug {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
	}))
}

func runServer(log *slog.Logger, m map[string]string) error {
	cfg := config.DefaultServerConfig()
	if err := cfg.FromMap(m); err != nil {
		return fmt.Errorf("htun: config: %w", err)
	}
	if flagTunFile != "" {
		cfg.TunFile = flagTunFile
	}
	if flagPort != 0 {
		cfg.ServerPort1 = uint16(flagPort)
	}

	ranges, err := iprange.ParseSet(cfg.IPRanges)
	if err != nil {
		return fmt.Errorf("htun: iprange: %w", err)
	}

	if flagConfigTest {
		printServerConfig(cfg, ranges)
		return nil
	}

	srv := server.New(server.Config{ServerConfig: cfg, Ranges: ranges}, log)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go watchSignals(cancel, nil, nil, srv.DumpSessions)
	log.Info("htun server starting", "port1", cfg.ServerPort1, "port2", cfg.ServerPort2)
	return srv.ListenAndServe(ctx)
}

func runClient(log *slog.Logger, m map[string]string) error {
	cfg := config.DefaultClientConfig()
	if err := cfg.FromMap(m); err != nil {
		return fmt.Errorf("htun: config: %w", err)
	}
	if flagTunFile != "" {
		cfg.TunFile = flagTunFile
	}
	if flagPort != 0 {
		cfg.ProxyPort = uint16(flagPort)
	}
	if flagDontRoute {
		cfg.DoRouting = false
	}

	ranges, err := iprange.ParseSet(cfg.IPRanges)
	if err != nil {
		return fmt.Errorf("htun: iprange: %w", err)
	}

	if flagConfigTest {
		printClientConfig(cfg, ranges)
		return nil
	}

	c := client.New(client.Config{ClientConfig: cfg, Ranges: ranges}, log)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go watchSignals(cancel, c.Reload, c.Quit, nil)
	log.Info("htun client starting", "proxy", cfg.ProxyHost, "server", cfg.ServerHost)
	return c.Run(ctx)
}

// watchSignals maps INT/TERM to shutdown, HUP to the client's Reload (a
// session restart; neither side re-reads its config file, and the server
// ignores HUP), TSTP to a self-directed stop, and USR1
// to the session-dump diagnostic (server only), replacing the original's
// blocking sigwait loop in the starter thread.
func watchSignals(cancel context.CancelFunc, reload func(), quit func(), dump func()) {
	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGTSTP, syscall.SIGUSR1)
	defer signal.Stop(sigCh)
	for sig := range sigCh {
		switch sig {
		case syscall.SIGINT, syscall.SIGTERM:
			if quit != nil {
				quit()
			}
			cancel()
			return
		case syscall.SIGHUP:
			if reload != nil {
				reload()
			}
		case syscall.SIGTSTP:
			syscall.Kill(os.Getpid(), syscall.SIGSTOP)
		case syscall.SIGUSR1:
			if dump != nil {
				dump()
			}
		}
	}
}

func printServerConfig(cfg config.ServerConfig, ranges iprange.Set) {
	fmt.Printf("mode: server\n")
	fmt.Printf("max_clients: %d\nmax_pending: %d\n", cfg.MaxClients, cfg.MaxPendingConns)
	fmt.Printf("idle_disconnect: %s\n", cfg.IdleDisconnect)
	fmt.Printf("server_port1: %d\nserver_port2: %d\n", cfg.ServerPort1, cfg.ServerPort2)
	fmt.Printf("min_nack_delay: %s\npacket_count_threshold: %d\npacket_max_interval: %s\n",
		cfg.MinNackDelay, cfg.PacketCountThreshold, cfg.PacketMaxInterval)
	fmt.Printf("max_response_delay: %s\nclidata_timeout: %s\n", cfg.MaxResponseDelay, cfg.ClidataTimeout)
	fmt.Printf("redir_host: %s\nredir_port: %d\n", cfg.RedirHost, cfg.RedirPort)
	fmt.Printf("tun_file: %s\n", cfg.TunFile)
	for _, r := range ranges {
		fmt.Printf("iprange: %s/%d\n", r.Net, r.Bits)
	}
}

func printClientConfig(cfg config.ClientConfig, ranges iprange.Set) {
	fmt.Printf("mode: client\n")
	fmt.Printf("proxy_ip: %s\nproxy_port: %d\n", cfg.ProxyHost, cfg.ProxyPort)
	fmt.Printf("server_ip: %s\nserver_port1: %d\nserver_port2: %d\n", cfg.ServerHost, cfg.ServerPort1, cfg.ServerPort2)
	fmt.Printf("protocol: %d\n", cfg.Protocol)
	fmt.Printf("do_routing: %t\n", cfg.DoRouting)
	fmt.Printf("max_poll_interval: %s\nmin_poll_interval_msec: %s\npoll_backoff_rate: %d\n",
		cfg.MaxPollInterval, cfg.MinPollInterval, cfg.PollBackoffRate)
	fmt.Printf("channel_2_idle_allow: %s\n", cfg.Channel2IdleAllow)
	fmt.Printf("connect_tries: %d\nreconnect_tries: %d\nreconnect_sleep_sec: %s\n",
		cfg.ConnectTries, cfg.ReconnectTries, cfg.ReconnectSleep)
	fmt.Printf("ack_wait: %s\nif_name: %s\ntun_file: %s\n", cfg.AckWait, cfg.IfName, cfg.TunFile)
	for _, r := range ranges {
		fmt.Printf("iprange: %s/%d\n", r.Net, r.Bits)
	}
}
