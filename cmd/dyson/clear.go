package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pawciobiel/dyson/internal/dirlock"
	"github.com/pawciobiel/dyson/internal/logging"
	"github.com/pawciobiel/dyson/internal/server"
	"github.com/pawciobiel/dyson/internal/storage"
	"github.com/pawciobiel/dyson/internal/types"
)

func newClearCmd(v *viper.Viper) *cobra.Command {
	var incoming, processed bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove stored mail while no instance is running",
		Long: `Clear removes every file from the incoming and/or processed directory.
Both directories are locked for the duration, so clear refuses to run
while a dyson instance owns them. Without flags both are cleared.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			logger := logging.Setup(&cfg.Logging)

			srv, err := server.New(cfg, logger)
			if err != nil {
				return err
			}

			var roles []types.DirRole
			if incoming || !processed {
				roles = append(roles, types.DirRoleIncoming)
			}
			if processed || !incoming {
				roles = append(roles, types.DirRoleProcessed)
			}

			return clearDirs(srv.Storage(), roles, logger)
		},
	}

	cmd.Flags().BoolVar(&incoming, "incoming", false, "clear only the incoming directory")
	cmd.Flags().BoolVar(&processed, "processed", false, "clear only the processed directory")
	return cmd
}

// clearDirs locks every role's directory before clearing any of them.
func clearDirs(store *storage.Storage, roles []types.DirRole, logger *slog.Logger) (err error) {
	owner := dirlock.OwnerID()

	var held []*dirlock.Lock
	defer func() {
		for _, lock := range held {
			err = errors.Join(err, lock.Release())
		}
	}()

	var present []types.DirRole
	for _, role := range roles {
		dir := store.Dir(role)
		if _, statErr := os.Stat(dir); errors.Is(statErr, os.ErrNotExist) {
			logger.Info("Nothing to clear, directory does not exist", "role", role, "dir", dir)
			continue
		}

		lock := dirlock.New(dir, owner, logger)
		if err := lock.Acquire(); err != nil {
			return fmt.Errorf("cannot clear %s directory: %w", role, err)
		}
		held = append(held, lock)
		present = append(present, role)
	}

	for _, role := range present {
		switch role {
		case types.DirRoleIncoming:
			err = store.ClearIncomingDir()
		case types.DirRoleProcessed:
			err = store.ClearProcessedDir()
		}
		if err != nil {
			return err
		}
	}
	return nil
}
