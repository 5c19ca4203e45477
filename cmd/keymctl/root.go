package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/root-sector/retail-pos-module-keymanager/audit"
	"github.com/root-sector/retail-pos-module-keymanager/field"
	"github.com/root-sector/retail-pos-module-keymanager/fileenc"
	"github.com/root-sector/retail-pos-module-keymanager/keycipher"
	"github.com/root-sector/retail-pos-module-keymanager/keystore"
	kstore "github.com/root-sector/retail-pos-module-keymanager/keystore/store"
	"github.com/root-sector/retail-pos-module-keymanager/masterkey"
	"github.com/root-sector/retail-pos-module-keymanager/rotation"
	rstore "github.com/root-sector/retail-pos-module-keymanager/rotation/store"
	"github.com/root-sector/retail-pos-module-keymanager/types"
)

const envPrefix = "KEYMANAGER"

// services bundles the wired component graph the subcommands run against.
type services struct {
	cfg       *types.Config
	keys      *keystore.Service
	fields    *field.Service
	files     *fileenc.Service
	registry  *rotation.Registry
	scheduler *rotation.Scheduler
}

func newRootCmd() *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:           "keymctl",
		Short:         "Encryption key lifecycle manager",
		Long:          "keymctl manages the encryption keys protecting customer PII in the POS platform:\ngeneration, rotation with re-encryption, encrypted files, and encrypted backups.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			zerolog.TimeFieldFormat = time.RFC3339
			level := zerolog.InfoLevel
			if verbose {
				level = zerolog.DebugLevel
			}
			log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
				Level(level).
				With().Timestamp().Logger()
		},
	}
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	cmd.AddCommand(newKeyCmd())
	cmd.AddCommand(newFileCmd())
	cmd.AddCommand(newBackupCmd())
	cmd.AddCommand(newPolicyCmd())

	return cmd
}

func loadConfig() (*types.Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	v.SetDefault("catalogue_dir", "./keymanager")
	v.SetDefault("rotation_db_path", "./keymanager/rotation.db")
	v.SetDefault("scheduler_spec", rotation.DefaultSchedulerSpec)

	var cfg types.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return &cfg, nil
}

// buildServices wires the full component graph from configuration: catalogue,
// master key wrapper, key store, cipher, field, file, and rotation layers.
func buildServices(ctx context.Context) (*services, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	catalogue, err := kstore.NewFileStore(cfg.CatalogueDir)
	if err != nil {
		return nil, err
	}

	salt, err := catalogue.LoadSalt(ctx)
	if err != nil {
		return nil, err
	}
	if salt == nil {
		salt, err = masterkey.GenerateSalt()
		if err != nil {
			return nil, err
		}
		if err := catalogue.SaveSalt(ctx, salt); err != nil {
			return nil, err
		}
	}

	deriverOpts := []masterkey.Option{masterkey.WithProductionMode(cfg.Production)}
	if cfg.KDFIterations > 0 {
		deriverOpts = append(deriverOpts, masterkey.WithIterations(cfg.KDFIterations))
	}
	deriver, err := masterkey.NewDeriver(deriverOpts...)
	if err != nil {
		return nil, err
	}
	wrapper, err := deriver.WrapperFor(ctx, cfg.MasterSecret, salt)
	if err != nil {
		return nil, err
	}

	sink := audit.NewZerologSink()
	keys := keystore.NewService(catalogue, wrapper, sink)
	cipher := keycipher.NewService()
	fields := field.NewService(keys, cipher, sink)
	files := fileenc.NewService(keys, cipher, sink)

	db, err := gorm.Open(sqlite.Open(cfg.RotationDBPath), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open rotation database: %w", err)
	}
	rotStore, err := rstore.NewGormStore(db)
	if err != nil {
		return nil, err
	}
	registry := rotation.NewRegistry(rotStore)
	scheduler := rotation.NewScheduler(registry, keys, fields, sink)

	return &services{
		cfg:       cfg,
		keys:      keys,
		fields:    fields,
		files:     files,
		registry:  registry,
		scheduler: scheduler,
	}, nil
}
