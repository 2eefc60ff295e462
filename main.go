package main

import (
	"context"
	"os"

	"github.com/TxnLab/stakeledger/internal/lib/misc"
)

var App *StakeApp

func main() {
	App = initApp()
	err := App.cliCmd.Run(context.Background(), os.Args)
	if err != nil {
		misc.Errorf(App.logger, "Error: %v", err)
	}
	App.close()
	if err != nil {
		os.Exit(1)
	}
}
