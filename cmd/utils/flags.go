package utils

import (
	"strings"

	"gopkg.in/urfave/cli.v1"

	"github.com/meshsync/go-meshsync/config"
)

var (
	// Config settings
	ConfigFileFlag = cli.StringFlag{
		Name:  "config",
		Usage: "Json configuration file",
		Value: config.DefaultConfigFileName,
	}

	// General settings
	DataDirFlag = DirectoryFlag{
		Name:  "datadir",
		Usage: "use for store all files",
	}
	MachineIDFlag = cli.StringFlag{
		Name:  "machine", //mapping:MachineID
		Usage: "Machine id announced to peers (default = hostname)",
	}

	// Network Settings
	ListenAddrFlag = cli.StringFlag{
		Name:  "listen", //mapping:p2p.ListenAddress
		Usage: "TCP address of the peer server",
	}
	GroupsFlag = cli.StringFlag{
		Name:  "groups", //mapping:p2p.Groups
		Usage: "Comma separated groups of this machine",
	}
	MaxSocketsFlag = cli.UintFlag{
		Name:  "maxsockets", //mapping:p2p.MaxSockets
		Usage: "Maximum number of open sockets",
	}
	DiscoveryFlag = cli.StringFlag{
		Name:  "discovery", //mapping:p2p.Discover
		Usage: "enable LAN discovery or not (true/false)",
	}
	MulticastFlag = cli.StringFlag{
		Name:  "multicast", //mapping:p2p.Multicast
		Usage: "Multicast group of the LAN discovery",
	}
	SeedsFlag = cli.StringFlag{
		Name:  "seeds", //mapping:p2p.Seeds
		Usage: "Comma separated UDP addresses receiving announcements",
	}

	// Log settings
	LogLvlFlag = cli.StringFlag{
		Name:  "loglevel", //mapping:LogLevel
		Usage: "log level (info,eror,warn,dbug)",
	}
	ConsoleFlag = cli.BoolFlag{
		Name:  "console", //mapping:Console
		Usage: "mirror the log to stderr",
	}
)

// MergeFlags concatenates flag sets
func MergeFlags(flagsSet ...[]cli.Flag) []cli.Flag {
	var mergeFlags []cli.Flag
	for _, flags := range flagsSet {
		mergeFlags = append(mergeFlags, flags...)
	}
	return mergeFlags
}

func splitList(str string) (list []string) {
	for _, item := range strings.Split(str, ",") {
		if item = strings.TrimSpace(item); item != "" {
			list = append(list, item)
		}
	}
	return
}

// MakeConfig loads the config file and overrides it with the flags set on the command line
func MakeConfig(ctx *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(ctx.GlobalString(ConfigFileFlag.Name))
	if err != nil {
		return nil, err
	}

	if dataDir := ctx.GlobalString(DataDirFlag.Name); dataDir != "" {
		cfg.DataDir = dataDir
	}
	if ctx.GlobalIsSet(MachineIDFlag.Name) {
		cfg.MachineID = ctx.GlobalString(MachineIDFlag.Name)
	}
	if ctx.GlobalIsSet(ListenAddrFlag.Name) {
		cfg.P2P.ListenAddress = ctx.GlobalString(ListenAddrFlag.Name)
	}
	if ctx.GlobalIsSet(GroupsFlag.Name) {
		cfg.P2P.Groups = splitList(ctx.GlobalString(GroupsFlag.Name))
	}
	if ctx.GlobalIsSet(MaxSocketsFlag.Name) {
		cfg.P2P.MaxSockets = ctx.GlobalUint(MaxSocketsFlag.Name)
	}
	if ctx.GlobalIsSet(DiscoveryFlag.Name) {
		cfg.P2P.Discover = ctx.GlobalString(DiscoveryFlag.Name) == "true"
	}
	if ctx.GlobalIsSet(MulticastFlag.Name) {
		cfg.P2P.Multicast = ctx.GlobalString(MulticastFlag.Name)
	}
	if ctx.GlobalIsSet(SeedsFlag.Name) {
		cfg.P2P.Seeds = splitList(ctx.GlobalString(SeedsFlag.Name))
	}
	if ctx.GlobalIsSet(LogLvlFlag.Name) {
		cfg.LogLevel = ctx.GlobalString(LogLvlFlag.Name)
	}
	if ctx.GlobalIsSet(ConsoleFlag.Name) {
		cfg.Console = ctx.GlobalBool(ConsoleFlag.Name)
	}

	return cfg, nil
}
