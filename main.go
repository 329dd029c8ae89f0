package main

import (
	"os"

	"go.uber.org/zap"

	"github.com/pmkol/httpsdns/coremain"
	"github.com/pmkol/httpsdns/mlog"
)

func main() {
	if err := coremain.Run(); err != nil {
		mlog.L().Error("fatal error", zap.Error(err))
		os.Exit(1)
	}
}
