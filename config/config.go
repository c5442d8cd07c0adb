// Package config reads htun's "key = value" configuration files into typed
// server and client settings; cmd/htun reconciles those with command-line
// flags.
//
// The file grammar itself is deliberately minimal and dependency-free: it is
// the one external collaborator the system description scopes out as
// "specified only at its interface", so unlike every other ambient concern
// in this repository it is not worth pulling in a general-purpose config
// library for.
package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

// ReadFile parses a key=value file, skipping blank lines and lines starting
// with '#'. Keys are lower-cased; values are trimmed of surrounding
// whitespace.
func ReadFile(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parse(f)
}

func parse(r io.Reader) (map[string]string, error) {
	m := make(map[string]string)
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("config: line %d: missing '=' in %q", lineNo, line)
		}
		m[strings.ToLower(strings.TrimSpace(key))] = strings.TrimSpace(val)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return m, nil
}

// ServerConfig holds every server-side tunable named in the wire/CLI
// surface.
type ServerConfig struct {
	MaxClients           int
	MaxPendingConns       int
	IdleDisconnect        time.Duration
	ServerPort1           uint16
	ServerPort2           uint16
	MinNackDelay          time.Duration
	PacketCountThreshold  int
	PacketMaxInterval     time.Duration
	MaxResponseDelay      time.Duration
	ClidataTimeout        time.Duration
	IPRanges              []string
	RedirHost             string
	RedirPort             uint16
	TunFile               string
}

// DefaultServerConfig mirrors the original's compiled-in defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		MaxClients:           64,
		MaxPendingConns:      16,
		IdleDisconnect:       30 * time.Second,
		ServerPort1:          80,
		ServerPort2:          81,
		MinNackDelay:         100 * time.Millisecond,
		PacketCountThreshold: 5,
		PacketMaxInterval:    500 * time.Millisecond,
		MaxResponseDelay:     2 * time.Second,
		ClidataTimeout:       5 * time.Minute,
		TunFile:              "/dev/net/tun",
	}
}

// FromMap overlays values found in m onto c, leaving fields untouched when
// their key is absent.
func (c *ServerConfig) FromMap(m map[string]string) error {
	var err error
	assignInt(m, "max_clients", &c.MaxClients, &err)
	assignInt(m, "max_pending", &c.MaxPendingConns, &err)
	assignDuration(m, "idle_disconnect", &c.IdleDisconnect, &err)
	assignUint16(m, "server_port1", &c.ServerPort1, &err)
	assignUint16(m, "server_port2", &c.ServerPort2, &err)
	assignDuration(m, "min_nack_delay", &c.MinNackDelay, &err)
	assignInt(m, "packet_count_threshold", &c.PacketCountThreshold, &err)
	assignDuration(m, "packet_max_interval", &c.PacketMaxInterval, &err)
	assignDuration(m, "max_response_delay", &c.MaxResponseDelay, &err)
	assignDuration(m, "clidata_timeout", &c.ClidataTimeout, &err)
	assignString(m, "redir_host", &c.RedirHost)
	assignUint16(m, "redir_port", &c.RedirPort, &err)
	assignString(m, "tun_file", &c.TunFile)
	if v, ok := m["iprange"]; ok {
		c.IPRanges = append(c.IPRanges, strings.Fields(v)...)
	}
	return err
}

// ClientConfig holds every client-side tunable named in the wire/CLI
// surface.
type ClientConfig struct {
	ProxyHost         string
	ProxyPort         uint16
	ProxyUser         string
	ProxyPass         string
	ServerHost        string
	ServerPort1       uint16
	ServerPort2       uint16
	Protocol          int
	LocalIP           string
	PeerIP            string
	DoRouting         bool
	MaxPollInterval   time.Duration
	MinPollInterval   time.Duration
	PollBackoffRate   int
	Channel2IdleAllow time.Duration
	ConnectTries      int
	ReconnectTries    int
	ReconnectSleep    time.Duration
	AckWait           time.Duration
	IfName            string
	IPRanges          []string
	TunFile           string
}

// DefaultClientConfig mirrors the original's compiled-in defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		ServerPort1:       80,
		ServerPort2:       81,
		Protocol:          1,
		MaxPollInterval:   2 * time.Second,
		MinPollInterval:   100 * time.Millisecond,
		PollBackoffRate:   4,
		Channel2IdleAllow: 60 * time.Second,
		ConnectTries:      3,
		ReconnectTries:    5,
		ReconnectSleep:    5 * time.Second,
		AckWait:           10500 * time.Millisecond,
		TunFile:           "/dev/net/tun",
	}
}

// FromMap overlays values found in m onto c.
func (c *ClientConfig) FromMap(m map[string]string) error {
	var err error
	assignString(m, "proxy_ip", &c.ProxyHost)
	assignUint16(m, "proxy_port", &c.ProxyPort, &err)
	assignString(m, "proxy_user", &c.ProxyUser)
	assignString(m, "proxy_pass", &c.ProxyPass)
	assignString(m, "server_ip", &c.ServerHost)
	assignUint16(m, "server_port1", &c.ServerPort1, &err)
	assignUint16(m, "server_port2", &c.ServerPort2, &err)
	assignInt(m, "protocol", &c.Protocol, &err)
	assignString(m, "local_ip", &c.LocalIP)
	assignString(m, "peer_ip", &c.PeerIP)
	assignBool(m, "do_routing", &c.DoRouting, &err)
	assignDuration(m, "max_poll_interval", &c.MaxPollInterval, &err)
	assignDuration(m, "min_poll_interval_msec", &c.MinPollInterval, &err)
	assignInt(m, "poll_backoff_rate", &c.PollBackoffRate, &err)
	assignDuration(m, "channel_2_idle_allow", &c.Channel2IdleAllow, &err)
	assignInt(m, "connect_tries", &c.ConnectTries, &err)
	assignInt(m, "reconnect_tries", &c.ReconnectTries, &err)
	assignDuration(m, "reconnect_sleep_sec", &c.ReconnectSleep, &err)
	assignDuration(m, "ack_wait", &c.AckWait, &err)
	assignString(m, "if_name", &c.IfName)
	assignString(m, "tun_file", &c.TunFile)
	if v, ok := m["iprange"]; ok {
		c.IPRanges = append(c.IPRanges, strings.Fields(v)...)
	}
	return err
}

func assignString(m map[string]string, key string, dst *string) {
	if v, ok := m[key]; ok {
		*dst = v
	}
}

func assignInt(m map[string]string, key string, dst *int, err *error) {
	v, ok := m[key]
	if !ok {
		return
	}
	n, e := strconv.Atoi(v)
	if e != nil {
		*err = fmt.Errorf("config: %s: %w", key, e)
		return
	}
	*dst = n
}

func assignUint16(m map[string]string, key string, dst *uint16, err *error) {
	v, ok := m[key]
	if !ok {
		return
	}
	n, e := strconv.ParseUint(v, 10, 16)
	if e != nil {
		*err = fmt.Errorf("config: %s: %w", key, e)
		return
	}
	*dst = uint16(n)
}

func assignBool(m map[string]string, key string, dst *bool, err *error) {
	v, ok := m[key]
	if !ok {
		return
	}
	b, e := strconv.ParseBool(v)
	if e != nil {
		*err = fmt.Errorf("config: %s: %w", key, e)
		return
	}
	*dst = b
}

func assignDuration(m map[string]string, key string, dst *time.Duration, err *error) {
	v, ok := m[key]
	if !ok {
		return
	}
	// Bare numbers in the config file are milliseconds, matching the
	// original's *_msec keys, except under keys ending in _sec, where they
	// are seconds.
	if n, e := strconv.Atoi(v); e == nil {
		unit := time.Millisecond
		if strings.HasSuffix(key, "_sec") {
			unit = time.Second
		}
		*dst = time.Duration(n) * unit
		return
	}
	d, e := time.ParseDuration(v)
	if e != nil {
		*err = fmt.Errorf("config: %s: %w", key, e)
		return
	}
	*dst = d
}
