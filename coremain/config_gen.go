package coremain

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newConfigGenCmd() *cobra.Command {
	var force bool
	c := &cobra.Command{
		Use:   "config-gen [file]",
		Short: "Write a config file with the default values. Prints to stdout if file is omitted.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := marshalConfig(defaultConfig())
			if err != nil {
				return err
			}
			if len(args) == 0 {
				_, err := cmd.OutOrStdout().Write(b)
				return err
			}
			return writeConfigFile(args[0], b, force)
		},
		SilenceUsage: true,
	}
	c.Flags().BoolVarP(&force, "force", "f", false, "overwrite the file if it exists")
	return c
}

func marshalConfig(cfg *Config) ([]byte, error) {
	buf := new(bytes.Buffer)
	enc := yaml.NewEncoder(buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return nil, fmt.Errorf("failed to encode config, %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to encode config, %w", err)
	}
	return buf.Bytes(), nil
}

func writeConfigFile(path string, b []byte, force bool) error {
	flag := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if !force {
		flag |= os.O_EXCL
	}
	f, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%s already exists, use --force to overwrite it", path)
		}
		return err
	}
	if _, err := f.Write(b); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
