package main

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/recordmoney/syncd/internal/blobstore"
	"github.com/recordmoney/syncd/internal/conflict"
	"github.com/recordmoney/syncd/internal/device"
	"github.com/recordmoney/syncd/internal/group"
	"github.com/recordmoney/syncd/internal/localstore"
	"github.com/recordmoney/syncd/internal/migration"
	"github.com/recordmoney/syncd/internal/pairing"
	"github.com/recordmoney/syncd/internal/publish"
	"github.com/recordmoney/syncd/internal/syncengine"
	pkgconfig "github.com/recordmoney/syncd/pkg/config"
)

var (
	flagStateFile    string
	flagConfigDir    string
	flagGateways     []string
	flagLogLevel     string
	flagTransport    string
	flagListenAddr   string
	flagPinningPeer  string

	appMu sync.Mutex
	app   *application
)

// application holds every collaborator a subcommand might need, built once
// in rootCmd's PersistentPreRunE and reused across the command's lifetime.
type application struct {
	cfg       *pkgconfig.SyncConfig
	logger    *logrus.Logger
	store     *localstore.Store
	blobs     blobstore.BlobStore
	cids      *blobstore.CidManager
	devices   *device.Service
	pairing   *pairing.Service
	group     *group.Service
	publish   *publish.Service
	sync      *syncengine.Service
	conflicts *conflict.Detector
	migration *migration.Service
}

func newLogger(level string) *logrus.Logger {
	l := logrus.New()
	if lvl, err := logrus.ParseLevel(level); err == nil {
		l.SetLevel(lvl)
	}
	return l
}

func buildApplication(cmd *cobra.Command, _ []string) error {
	appMu.Lock()
	defer appMu.Unlock()
	if app != nil {
		return nil
	}

	logger := newLogger(flagLogLevel)

	var configPaths []string
	if flagConfigDir != "" {
		configPaths = append(configPaths, flagConfigDir)
	}
	cfg, err := pkgconfig.Load(configPaths...)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	stateFile := flagStateFile
	if stateFile == "" {
		stateFile = cfg.StateFile
	}
	store, err := localstore.Open(stateFile)
	if err != nil {
		return fmt.Errorf("open local store: %w", err)
	}

	blobs, err := buildBlobStore(logger)
	if err != nil {
		return fmt.Errorf("build blob transport: %w", err)
	}
	cids := blobstore.NewCidManager(cfg.ChunkHistoryMax, blobs.Unpin, logger)

	devices := device.New(store, blobs, cids, logger)
	pairingCfg := pairing.Config{
		PollInterval:    cfg.PollInterval(),
		MaxPollAttempts: cfg.MaxPollAttempts,
		SessionExpiry:   cfg.SessionExpiry(),
	}
	pairingSvc := pairing.New(store, blobs, cids, devices, pairingCfg, logger)
	groupCfg := group.Config{
		PollInterval:    cfg.PollInterval(),
		MaxPollAttempts: cfg.MaxPollAttempts,
		SessionExpiry:   cfg.SessionExpiry(),
	}
	groupSvc := group.New(store, blobs, devices, groupCfg, logger)
	publishSvc := publish.New(store, blobs, cids, devices, nil, nil, logger)
	conflicts := conflict.New(store, logger)
	syncCfg := syncengine.Config{
		ForegroundInterval:     cfg.ForegroundInterval(),
		BackgroundInterval:     cfg.BackgroundInterval(),
		MinBackoff:             cfg.MinBackoff(),
		MaxBackoff:             cfg.MaxBackoff(),
		MaxConsecutiveFailures: 10,
	}
	syncSvc := syncengine.New(store, blobs, publishSvc, nil, nil, conflicts, nil, syncCfg, logger)
	migrationSvc := migration.New(store, devices, logger)

	app = &application{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		blobs:     blobs,
		cids:      cids,
		devices:   devices,
		pairing:   pairingSvc,
		group:     groupSvc,
		publish:   publishSvc,
		sync:      syncSvc,
		conflicts: conflicts,
		migration: migrationSvc,
	}
	return nil
}

// buildBlobStore picks the BlobStore transport per --transport: the default
// "http" pool of pinning-service gateways, or "libp2p" to dial a pinning
// peer directly over a libp2p host this process bootstraps.
func buildBlobStore(logger *logrus.Logger) (blobstore.BlobStore, error) {
	switch flagTransport {
	case "", "http":
		gateways := parseGateways(flagGateways)
		return blobstore.NewHTTPBlobStore(blobstore.NewGatewayManager(gateways), 30*time.Second, logger), nil
	case "libp2p":
		return buildLibP2PBlobStore(logger)
	default:
		return nil, fmt.Errorf("unknown transport %q (want \"http\" or \"libp2p\")", flagTransport)
	}
}

func buildLibP2PBlobStore(logger *logrus.Logger) (blobstore.BlobStore, error) {
	if flagPinningPeer == "" {
		return nil, fmt.Errorf("--pinning-peer is required for --transport libp2p")
	}
	pinningInfo, err := peer.AddrInfoFromString(flagPinningPeer)
	if err != nil {
		return nil, fmt.Errorf("parse pinning peer address: %w", err)
	}

	h, err := libp2p.New(libp2p.ListenAddrStrings(flagListenAddr))
	if err != nil {
		return nil, fmt.Errorf("create libp2p host: %w", err)
	}

	ctx := context.Background()
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("create gossipsub: %w", err)
	}

	if err := h.Connect(ctx, *pinningInfo); err != nil {
		h.Close()
		return nil, fmt.Errorf("connect to pinning peer: %w", err)
	}

	return blobstore.NewLibP2PBlobStore(h, ps, pinningInfo.ID, 30*time.Second, logger), nil
}

func parseGateways(raw []string) []blobstore.Gateway {
	gateways := make([]blobstore.Gateway, 0, len(raw))
	for i, url := range raw {
		url = strings.TrimSpace(url)
		if url == "" {
			continue
		}
		gateways = append(gateways, blobstore.Gateway{URL: url, Priority: i})
	}
	return gateways
}

var rootCmd = &cobra.Command{
	Use:               "syncctl",
	Short:             "Operate one device's side of the ledger sync protocol",
	PersistentPreRunE: buildApplication,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagStateFile, "state-file", "", "path to this device's local state file (default from config)")
	rootCmd.PersistentFlags().StringVar(&flagConfigDir, "config-dir", "", "directory containing config.yaml")
	rootCmd.PersistentFlags().StringSliceVar(&flagGateways, "gateway", nil, "pinning-service gateway URL, repeatable, in priority order (--transport http)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&flagTransport, "transport", "http", "blob-store transport: \"http\" (gateway pool) or \"libp2p\" (direct pinning peer)")
	rootCmd.PersistentFlags().StringVar(&flagListenAddr, "listen-addr", "/ip4/0.0.0.0/tcp/0", "libp2p listen multiaddr (--transport libp2p)")
	rootCmd.PersistentFlags().StringVar(&flagPinningPeer, "pinning-peer", "", "pinning peer's libp2p multiaddr, e.g. /ip4/1.2.3.4/tcp/4001/p2p/Qm... (--transport libp2p)")

	rootCmd.AddCommand(deviceCmd)
	rootCmd.AddCommand(pairCmd)
	rootCmd.AddCommand(groupCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(upgradeCmd)
}
