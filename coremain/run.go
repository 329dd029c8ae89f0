package coremain

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/pmkol/httpsdns/constant"
	"github.com/pmkol/httpsdns/mlog"
)

type serverFlags struct {
	c         string
	dir       string
	cpu       int
	asService bool
}

var rootCmd = &cobra.Command{
	Use:   "httpsdns",
	Short: "Forward udp dns queries to a DNS-over-HTTPS server.",
}

func init() {
	sf := new(serverFlags)
	startCmd := &cobra.Command{
		Use:   "start [-c config_file] [-d working_dir]",
		Short: "Start the gateway.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if sf.asService {
				svc, err := service.New(&serverService{f: sf, fs: cmd.Flags()}, svcCfg)
				if err != nil {
					return fmt.Errorf("failed to init service, %w", err)
				}
				return svc.Run()
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return StartServer(ctx, sf, cmd.Flags())
		},
		DisableFlagsInUseLine: true,
		SilenceUsage:          true,
	}
	rootCmd.AddCommand(startCmd)
	fs := startCmd.Flags()
	fs.StringVarP(&sf.c, "config", "c", "", "config file")
	fs.StringVarP(&sf.dir, "dir", "d", "", "working dir")
	fs.IntVar(&sf.cpu, "cpu", 0, "set runtime.GOMAXPROCS")
	fs.BoolVar(&sf.asService, "as-service", false, "start as a service")
	fs.MarkHidden("as-service")
	fs.String("local-address", defaultListenAddr, "local listen address")
	fs.Uint16("local-port", defaultListenPort, "local listen port")
	fs.String("upstream-address", defaultUpstreamAddr, "upstream DoH server address")
	fs.Uint16("upstream-port", defaultUpstreamPort, "upstream DoH server port")

	serviceCmd := &cobra.Command{
		Use:   "service",
		Short: "Manage httpsdns as a system service.",
	}
	serviceCmd.PersistentPreRunE = initService
	serviceCmd.AddCommand(
		newSvcInstallCmd(),
		newSvcUninstallCmd(),
		newSvcStartCmd(),
		newSvcStopCmd(),
		newSvcRestartCmd(),
		newSvcStatusCmd(),
	)
	rootCmd.AddCommand(serviceCmd)

	rootCmd.AddCommand(newConfigGenCmd(), &cobra.Command{
		Use:   "version",
		Short: "Print the version.",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println(constant.Version)
		},
	})
}

func Run() error {
	return rootCmd.Execute()
}

// StartServer runs the gateway until ctx is done.
func StartServer(ctx context.Context, sf *serverFlags, fs *pflag.FlagSet) error {
	if sf.cpu > 0 {
		runtime.GOMAXPROCS(sf.cpu)
	}

	if len(sf.dir) > 0 {
		err := os.Chdir(sf.dir)
		if err != nil {
			return fmt.Errorf("failed to change the current working directory, %w", err)
		}
		mlog.L().Info("working directory changed", zap.String("path", sf.dir))
	}

	cfg, fileUsed, err := loadConfig(sf.c, fs)
	if err != nil {
		return fmt.Errorf("fail to load config, %w", err)
	}
	if len(fileUsed) > 0 {
		mlog.L().Info("config loaded", zap.String("file", fileUsed))
	}

	if err := RunGateway(ctx, cfg); err != nil {
		return fmt.Errorf("httpsdns exited, %w", err)
	}
	return nil
}
