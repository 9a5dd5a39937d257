package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/pairchat/pkg/chatserver"
	"github.com/go-go-golems/pairchat/pkg/config"
	"github.com/go-go-golems/pairchat/pkg/fanout"
	"github.com/go-go-golems/pairchat/pkg/logging"
	"github.com/go-go-golems/pairchat/pkg/store"
)

func main() {
	cobra.CheckErr(newRootCmd().Execute())
}

func newRootCmd() *cobra.Command {
	settings := config.DefaultServerSettings()
	var configFile string

	cmd := &cobra.Command{
		Use:           "pairchat-server",
		Short:         "Serve pair conversations over websocket with persisted history",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if configFile != "" {
				fromFile := config.DefaultServerSettings()
				if err := config.LoadYAML(configFile, &fromFile); err != nil {
					return err
				}
				applyChangedServerFlags(cmd, &fromFile, settings)
				settings = fromFile
			}
			return logging.Init(settings.Log)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := settings.Validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, settings)
		},
	}

	f := cmd.Flags()
	f.StringVar(&configFile, "config", "", "YAML settings file; flags given explicitly win")
	f.StringVar(&settings.Addr, "addr", settings.Addr, "listen address")
	f.StringVar(&settings.Store, "store", settings.Store, "history store: memory, sqlite or redis")
	f.StringVar(&settings.DBFile, "db-file", settings.DBFile, "SQLite file for the sqlite store")
	f.StringVar(&settings.DSN, "dsn", settings.DSN, "SQLite DSN, overrides --db-file")
	f.IntVar(&settings.MemoryCap, "memory-cap", settings.MemoryCap, "messages kept per room by the memory and redis stores")
	f.IntVar(&settings.HistoryLimit, "history-limit", settings.HistoryLimit, "messages returned by the history endpoint")
	f.BoolVar(&settings.InsecureDevIdentity, "insecure-dev-identity", settings.InsecureDevIdentity, "trust X-User-Id or the token cookie as the user id (development only)")
	f.StringVar(&settings.NodeID, "node-id", settings.NodeID, "node id for the redis fan-out consumer group (random when empty)")
	f.BoolVar(&settings.Redis.Enabled, "redis", settings.Redis.Enabled, "fan out room frames through Redis Streams")
	f.StringVar(&settings.Redis.Addr, "redis-addr", settings.Redis.Addr, "Redis address")
	f.StringVar(&settings.Redis.StreamPrefix, "redis-prefix", settings.Redis.StreamPrefix, "prefix of Redis keys and streams")
	f.DurationVar(&settings.MemberWriteTimeout, "write-timeout", settings.MemberWriteTimeout, "websocket write timeout per member")
	f.DurationVar(&settings.IdleRoomTimeout, "idle-room-timeout", settings.IdleRoomTimeout, "how long an empty room is kept")
	f.StringVar(&settings.Log.Level, "log-level", settings.Log.Level, "log level")
	f.StringVar(&settings.Log.Format, "log-format", settings.Log.Format, "log format: auto, console or json")
	return cmd
}

// applyChangedServerFlags copies the flags the user set explicitly from
// flagged onto dst.
func applyChangedServerFlags(cmd *cobra.Command, dst *config.ServerSettings, flagged config.ServerSettings) {
	changed := cmd.Flags().Changed
	set := map[string]func(){
		"addr":              func() { dst.Addr = flagged.Addr },
		"store":             func() { dst.Store = flagged.Store },
		"db-file":           func() { dst.DBFile = flagged.DBFile },
		"dsn":               func() { dst.DSN = flagged.DSN },
		"memory-cap":        func() { dst.MemoryCap = flagged.MemoryCap },
		"history-limit":     func() { dst.HistoryLimit = flagged.HistoryLimit },
		"node-id":           func() { dst.NodeID = flagged.NodeID },
		"redis":             func() { dst.Redis.Enabled = flagged.Redis.Enabled },
		"redis-addr":        func() { dst.Redis.Addr = flagged.Redis.Addr },
		"redis-prefix":      func() { dst.Redis.StreamPrefix = flagged.Redis.StreamPrefix },
		"write-timeout":     func() { dst.MemberWriteTimeout = flagged.MemberWriteTimeout },
		"idle-room-timeout": func() { dst.IdleRoomTimeout = flagged.IdleRoomTimeout },
		"log-level":         func() { dst.Log.Level = flagged.Log.Level },
		"log-format":        func() { dst.Log.Format = flagged.Log.Format },
		"insecure-dev-identity": func() {
			dst.InsecureDevIdentity = flagged.InsecureDevIdentity
		},
	}
	for name, apply := range set {
		if changed(name) {
			apply()
		}
	}
}

var errNoIdentity = errors.New("no identity provider configured; pass --insecure-dev-identity to trust X-User-Id in development")

func serverOptions(s config.ServerSettings) ([]chatserver.Option, error) {
	if !s.InsecureDevIdentity {
		return nil, errNoIdentity
	}
	log.Warn().Msg("insecure dev identity enabled: clients choose their own user id")
	return []chatserver.Option{
		chatserver.WithIdentify(chatserver.IdentifyInsecureDev),
		chatserver.WithHistoryLimit(s.HistoryLimit),
		chatserver.WithWriteTimeout(s.MemberWriteTimeout),
		chatserver.WithIdleTimeout(s.IdleRoomTimeout),
	}, nil
}

func run(ctx context.Context, s config.ServerSettings) error {
	opts, err := serverOptions(s)
	if err != nil {
		return err
	}
	st, err := openStore(s)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Error().Err(err).Msg("store close error")
		}
	}()

	var bus *fanout.Bus
	if s.Redis.Enabled {
		nodeID := s.NodeID
		if nodeID == "" {
			nodeID = uuid.NewString()
		}
		bus, err = fanout.NewRedis(ctx, fanout.RedisSettings{
			Addr:   s.Redis.Addr,
			Stream: s.Redis.StreamPrefix + ".rooms",
			NodeID: nodeID,
		})
		if err != nil {
			return err
		}
		log.Info().Str("node_id", nodeID).Str("redis", s.Redis.Addr).Msg("redis fan-out enabled")
	} else {
		bus = fanout.NewInMemory()
	}
	defer func() {
		if err := bus.Close(); err != nil {
			log.Error().Err(err).Msg("fan-out bus close error")
		}
	}()

	srv, err := chatserver.NewServer(st, bus, opts...)
	if err != nil {
		return err
	}
	return srv.Run(ctx, s.Addr)
}

func openStore(s config.ServerSettings) (store.Store, error) {
	switch s.Store {
	case config.StoreMemory:
		return store.NewMemoryStore(s.MemoryCap), nil
	case config.StoreSQLite:
		dsn := s.DSN
		if dsn == "" {
			var err error
			dsn, err = store.SQLiteDSNForFile(s.DBFile)
			if err != nil {
				return nil, err
			}
		}
		return store.NewSQLiteStore(dsn)
	case config.StoreRedis:
		client := redis.NewClient(&redis.Options{Addr: s.Redis.Addr})
		st, err := store.NewRedisStore(client, s.Redis.StreamPrefix, s.MemoryCap)
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		return &clientOwningStore{RedisStore: st, client: client}, nil
	default:
		return nil, errors.Errorf("unknown store %q", s.Store)
	}
}

// clientOwningStore closes the Redis client the store was built on.
type clientOwningStore struct {
	*store.RedisStore
	client *redis.Client
}

func (s *clientOwningStore) Close() error {
	return s.client.Close()
}
