package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"

	"github.com/TxnLab/stakeledger/internal/lib/config"
	"github.com/TxnLab/stakeledger/internal/lib/misc"
)

func ConfigFilename() (string, error) {
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	cfgPath := filepath.Join(cfgDir, "stakeledger", "stakeledger.yaml")
	err = os.MkdirAll(filepath.Dir(cfgPath), 0775) // user+group RWX, others RX
	if err != nil {
		return "", fmt.Errorf("error making directory:%s, error:%w", cfgDir, err)
	}
	return cfgPath, nil
}

func LoadConfig(cfgName string) (config.Config, error) {
	return config.Load(cfgName)
}

// SaveConfig writes cfg to cfgName, by first saving into a temp file and then replacing the config
// file only if successfully written.
func SaveConfig(cfgName string, cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	temp, err := os.CreateTemp(filepath.Dir(cfgName), filepath.Base(cfgName)+".*")
	if err != nil {
		return err
	}
	err = cfg.Encode(temp)
	if err != nil {
		_ = temp.Close()
		_ = os.Remove(temp.Name())
		return fmt.Errorf("error saving configuration: %w", err)
	}

	err = temp.Close()
	if err != nil {
		_ = os.Remove(temp.Name())
		return err
	}

	return os.Rename(temp.Name(), cfgName)
}

func GetConfigCmdOpts() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Show or create the ledger configuration file",
		Commands: []*cli.Command{
			{
				Name:   "show",
				Usage:  "Print the effective configuration",
				Action: ConfigShow,
			},
			{
				Name:   "init",
				Usage:  "Write the default configuration to the config file",
				Action: ConfigInit,
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "force",
						Usage: "Overwrite an existing configuration file",
					},
				},
			},
		},
	}
}

func ConfigShow(ctx context.Context, command *cli.Command) error {
	fmt.Printf("# %s\n", App.cfgPath)
	return App.cfg.Encode(os.Stdout)
}

func ConfigInit(ctx context.Context, command *cli.Command) error {
	if _, err := os.Stat(App.cfgPath); err == nil && !command.Bool("force") {
		return fmt.Errorf("%s already exists, use --force to overwrite", App.cfgPath)
	}
	if err := SaveConfig(App.cfgPath, config.Default()); err != nil {
		return err
	}
	misc.Infof(App.logger, "configuration written to %s", App.cfgPath)
	return nil
}
