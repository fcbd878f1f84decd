package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/farmlink/isobus"
	"github.com/farmlink/isobus/candrv"
	"github.com/farmlink/isobus/endpoint"
)

// config is the optional YAML file loaded before flags are applied, the
// same "file defaults, flags override" shape as the teacher's
// cmd/n2kreader/main.go.
type config struct {
	Interface string `yaml:"interface"`
	PrefAddr  uint8  `yaml:"pref_addr"`
	Name      uint64 `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
}

func loadConfig(path string) (config, error) {
	var c config
	if path == "" {
		return c, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return c, nil
}

func main() {
	configPath := pflag.StringP("config", "c", "", "path to YAML config file")
	ifName := pflag.StringP("interface", "i", "can0", "CAN interface to bind")
	prefAddr := pflag.Uint8P("pref-addr", "a", isobus.AnyAddr, "preferred source address (0-253, default: any)")
	nameRaw := pflag.Uint64P("name", "n", 0, "64-bit NAME to claim with (0: generate a random one)")
	logLevel := pflag.StringP("log-level", "l", "info", "log level: debug, info, warn, error")
	nodesMode := pflag.Bool("nodes", false, "suppress message traffic output (list observed nodes with the !nodes STDIN command)")
	pflag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if !isFlagSet("interface") && cfg.Interface != "" {
		*ifName = cfg.Interface
	}
	if !isFlagSet("pref-addr") && cfg.PrefAddr != 0 {
		*prefAddr = cfg.PrefAddr
	}
	if !isFlagSet("name") && cfg.Name != 0 {
		*nameRaw = cfg.Name
	}
	if !isFlagSet("log-level") && cfg.LogLevel != "" {
		*logLevel = cfg.LogLevel
	}

	logger := log.Default()
	logger.SetLevel(parseLevel(*logLevel))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	conn := candrv.NewSocketCANConn(logger)
	ep := endpoint.New(conn, logger)
	if *nameRaw != 0 {
		if err := ep.SetOption(isobus.OptName, isobus.Name(*nameRaw)); err != nil {
			logger.Fatal("setting NAME failed", "err", err)
		}
	}

	nodes := newNodeCache()
	ep.SetPeerObserver(nodes.observe)

	logger.Info("binding interface", "if", *ifName, "prefAddr", *prefAddr)
	if err := ep.Bind(ctx, *ifName, *prefAddr); err != nil {
		if errors.Is(err, isobus.ErrInterfaceDown) {
			logger.Warn("bound while interface is administratively down", "if", *ifName)
		} else {
			logger.Fatal("bind failed", "err", err)
		}
	}
	defer ep.Release()
	logger.Info("address claimed", "addr", ep.OwnAddress())

	go handleStdin(ctx, ep, nodes, logger)

	for {
		msg, err := ep.Recv(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				break
			}
			logger.Warn("recv failed", "err", err)
			if errors.Is(err, isobus.ErrNoSuchInterface) {
				break
			}
			continue
		}
		if *nodesMode {
			continue
		}
		fmt.Printf("%s pri=%d pgn=%06X src=%d dst=%d data=%s\n",
			msg.Time.Format(time.RFC3339Nano), msg.Priority, msg.PGN, msg.Source, msg.Destination,
			hex.EncodeToString(msg.Data))
	}
	logger.Info("shutting down")
}

func isFlagSet(name string) bool {
	found := false
	pflag.Visit(func(f *pflag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

func parseLevel(s string) log.Level {
	switch strings.ToLower(s) {
	case "debug":
		return log.DebugLevel
	case "warn":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}

// nodeCache is the lightweight last-seen address->NAME observation cache
// SPEC_FULL §11 asks for, in the spirit of the teacher's
// addressmapper.AddressMapper but without a full peer database.
type nodeCache struct {
	mu       sync.Mutex
	bySource map[uint8]isobus.Name
}

func newNodeCache() *nodeCache {
	return &nodeCache{bySource: make(map[uint8]isobus.Name)}
}

func (c *nodeCache) observe(sa uint8, name isobus.Name) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bySource[sa] = name
}

func (c *nodeCache) print() {
	c.mu.Lock()
	sources := make([]uint8, 0, len(c.bySource))
	for sa := range c.bySource {
		sources = append(sources, sa)
	}
	sort.Slice(sources, func(i, j int) bool { return sources[i] < sources[j] })
	fmt.Printf("# known nodes: %d\n", len(sources))
	for _, sa := range sources {
		fmt.Printf("# addr=%d name=%#016x function=%d self-configurable=%t\n",
			sa, uint64(c.bySource[sa]), c.bySource[sa].Function(), c.bySource[sa].SelfConfigurable())
	}
	c.mu.Unlock()
}

// handleStdin accepts "!nodes" to print the observation cache and
// "pri,pgn,dst,hexdata" lines to send a message, echoing
// cmd/n2kreader's STDIN command handling.
func handleStdin(ctx context.Context, ep *endpoint.Endpoint, nodes *nodeCache, logger *log.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "!nodes" {
			nodes.print()
			continue
		}
		msg, destAddr, err := parseSendLine(line)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			continue
		}
		if err := ep.Send(msg, destAddr); err != nil {
			logger.Warn("send failed", "err", err)
		}
	}
}

// parseSendLine parses "priority,pgn,dst,hexdata".
func parseSendLine(line string) (isobus.Message, uint8, error) {
	parts := strings.Split(line, ",")
	if len(parts) != 4 {
		return isobus.Message{}, 0, fmt.Errorf("expected priority,pgn,dst,hexdata")
	}
	pri, err := strconv.ParseUint(parts[0], 10, 8)
	if err != nil {
		return isobus.Message{}, 0, fmt.Errorf("invalid priority: %w", err)
	}
	pgn, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return isobus.Message{}, 0, fmt.Errorf("invalid pgn: %w", err)
	}
	dst, err := strconv.ParseUint(parts[2], 10, 8)
	if err != nil {
		return isobus.Message{}, 0, fmt.Errorf("invalid dst: %w", err)
	}
	data, err := hex.DecodeString(parts[3])
	if err != nil {
		return isobus.Message{}, 0, fmt.Errorf("invalid hexdata: %w", err)
	}
	return isobus.Message{
		Priority: uint8(pri),
		PGN:      uint32(pgn),
		Data:     data,
	}, uint8(dst), nil
}
