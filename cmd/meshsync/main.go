package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"time"

	"github.com/inconshreveable/log15"
	"gopkg.in/urfave/cli.v1"

	"github.com/meshsync/go-meshsync/cmd/params"
	"github.com/meshsync/go-meshsync/cmd/utils"
	"github.com/meshsync/go-meshsync/common"
)

// meshsync is the command-line client of the meshsync peer network

var (
	log = log15.New("module", "meshsync/main")

	app = cli.NewApp()

	//config
	configFlags = []cli.Flag{
		utils.ConfigFileFlag,
	}
	//general
	generalFlags = []cli.Flag{
		utils.DataDirFlag,
		utils.MachineIDFlag,
	}
	//p2p
	p2pFlags = []cli.Flag{
		utils.ListenAddrFlag,
		utils.GroupsFlag,
		utils.MaxSocketsFlag,
		utils.DiscoveryFlag,
		utils.MulticastFlag,
		utils.SeedsFlag,
	}
	//log
	logFlags = []cli.Flag{
		utils.LogLvlFlag,
		utils.ConsoleFlag,
	}

	versionCommand = cli.Command{
		Action:    versionAction,
		Name:      "version",
		Usage:     "Print version numbers",
		ArgsUsage: " ",
		Category:  "MISCELLANEOUS COMMANDS",
	}
	peersCommand = cli.Command{
		Action:    peersAction,
		Name:      "peers",
		Usage:     "Find the peers of the LAN and print them",
		ArgsUsage: " ",
		Flags: []cli.Flag{
			cli.DurationFlag{
				Name:  "wait",
				Usage: "time to wait for announcements",
				Value: 5 * time.Second,
			},
		},
	}
)

func init() {
	app.Name = filepath.Base(os.Args[0])
	app.Version = params.Version
	app.Compiled = time.Now()
	app.Copyright = "Copyright 2019-2026 The go-meshsync Authors"
	app.Usage = "the go-meshsync cli application"

	app.Commands = []cli.Command{
		versionCommand,
		peersCommand,
	}
	sort.Sort(cli.CommandsByName(app.Commands))

	app.Flags = utils.MergeFlags(configFlags, generalFlags, p2pFlags, logFlags)

	app.Action = action
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func action(ctx *cli.Context) error {
	if args := ctx.Args(); len(args) > 0 {
		return fmt.Errorf("invalid command: %q", args[0])
	}

	cfg, err := utils.MakeConfig(ctx)
	if err != nil {
		return err
	}
	common.SetupLog(cfg.DataDir, cfg.LogLevel, cfg.Console)

	node, err := utils.MakeNode(cfg)
	if err != nil {
		return fmt.Errorf("new node error, %+v", err)
	}

	log.Info("starting", "version", params.Version, "machine", node.MachineID())
	return utils.RunNode(node)
}

func peersAction(ctx *cli.Context) error {
	cfg, err := utils.MakeConfig(ctx)
	if err != nil {
		return err
	}
	common.SetupLog(cfg.DataDir, cfg.LogLevel, cfg.Console)

	node, err := utils.MakeNode(cfg)
	if err != nil {
		return err
	}
	if err = node.Start(); err != nil {
		return err
	}
	defer node.Stop()

	time.Sleep(ctx.Duration("wait"))

	tctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	contacts, err := node.TryFindAllNodes(tctx)
	if err != nil {
		return err
	}

	for _, c := range contacts {
		fmt.Printf("%s\t%s\t%v:%d\t%s\n", c.ID.Brief(), c.MachineID, c.LastActive(), c.Port, c.LastSeen().Format(time.RFC3339))
	}
	return nil
}

func versionAction(ctx *cli.Context) error {
	fmt.Println("meshsync")
	fmt.Println("Version:", params.Version)
	fmt.Println("Architecture:", runtime.GOARCH)
	fmt.Println("Go Version:", runtime.Version())
	fmt.Println("Operating System:", runtime.GOOS)
	return nil
}
