package coremain

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/pmkol/httpsdns/mlog"
)

var svcCfg = &service.Config{
	Name:        "httpsdns",
	DisplayName: "httpsdns",
	Description: "A udp dns to DNS-over-HTTPS gateway.",
}

var svc service.Service

type serverService struct {
	f  *serverFlags
	fs *pflag.FlagSet

	cancel context.CancelFunc
	done   chan struct{}
}

func (ss *serverService) Start(s service.Service) error {
	ctx, cancel := context.WithCancel(context.Background())
	ss.cancel = cancel
	ss.done = make(chan struct{})
	go func() {
		defer close(ss.done)
		if err := StartServer(ctx, ss.f, ss.fs); err != nil {
			mlog.L().Error("server exited", zap.Error(err))
			os.Exit(1)
		}
	}()
	return nil
}

func (ss *serverService) Stop(s service.Service) error {
	if ss.cancel != nil {
		ss.cancel()
		<-ss.done
	}
	return nil
}

func initService(_ *cobra.Command, _ []string) error {
	s, err := service.New(&serverService{}, svcCfg)
	if err != nil {
		return fmt.Errorf("cannot init service, %w", err)
	}
	svc = s
	return nil
}

func newSvcInstallCmd() *cobra.Command {
	var workDir, cfgFile string
	c := &cobra.Command{
		Use:   "install [-d working_dir] [-c config_file]",
		Short: "Install httpsdns as a system service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(workDir) == 0 {
				wd, err := os.Getwd()
				if err != nil {
					return fmt.Errorf("failed to get current working directory, %w", err)
				}
				workDir = wd
			} else {
				wd, err := filepath.Abs(workDir)
				if err != nil {
					return fmt.Errorf("failed to resolve working directory, %w", err)
				}
				workDir = wd
			}

			svcCfg.Arguments = []string{"start", "--as-service", "-d", workDir}
			if len(cfgFile) > 0 {
				svcCfg.Arguments = append(svcCfg.Arguments, "-c", cfgFile)
			}
			s, err := service.New(&serverService{}, svcCfg)
			if err != nil {
				return fmt.Errorf("cannot init service, %w", err)
			}
			return s.Install()
		},
		SilenceUsage: true,
	}
	c.Flags().StringVarP(&workDir, "dir", "d", "", "working dir")
	c.Flags().StringVarP(&cfgFile, "config", "c", "", "config file")
	return c
}

func newSvcUninstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Uninstall httpsdns from system service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return svc.Uninstall()
		},
		SilenceUsage: true,
	}
}

func newSvcStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start httpsdns system service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return svc.Start()
		},
		SilenceUsage: true,
	}
}

func newSvcStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop httpsdns system service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return svc.Stop()
		},
		SilenceUsage: true,
	}
}

func newSvcRestartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Restart httpsdns system service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return svc.Restart()
		},
		SilenceUsage: true,
	}
}

func newSvcStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Status of httpsdns system service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := svc.Status()
			if err != nil {
				return fmt.Errorf("cannot get service status, %w", err)
			}
			var out string
			switch s {
			case service.StatusRunning:
				out = "running"
			case service.StatusStopped:
				out = "stopped"
			default:
				out = "unknown"
			}
			cmd.Println(out)
			return nil
		},
		SilenceUsage: true,
	}
}
