// Package cmd wires a mammutfs process together: flags, config,
// logging, the communicator, the module set and finally the mount.
package cmd

import (
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/stustanet/mammutfs/comm"
	"github.com/stustanet/mammutfs/config"
	"github.com/stustanet/mammutfs/fusefs"
	"github.com/stustanet/mammutfs/mammut"
	"github.com/stustanet/mammutfs/module"
)

var (
	configFile string
	foreground bool
)

// Root is the one command of the binary.
var Root = &cobra.Command{
	Use:           "mammutfs [flags] [mountpoint]",
	Short:         "Userspace filesystem federating user directories across raids",
	Args:          cobra.MaximumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	flags := Root.Flags()
	flags.StringVarP(&configFile, "config", "c", "mammutfs.cfg", "config file")
	flags.BoolVarP(&foreground, "foreground", "f", false, "stay in the foreground")
	// Every config key can be overridden as --<key> <value>.
	for _, key := range config.Mandatory {
		flags.String(key, "", "override the config key "+key)
	}
}

// Main runs the root command and turns failures into a non-zero exit.
func Main() {
	if err := Root.Execute(); err != nil {
		mammut.Errorf("main", "%v", err)
		os.Exit(2)
	}
}

func overrides(flags *pflag.FlagSet, args []string) map[string]string {
	o := map[string]string{}
	for _, key := range config.Mandatory {
		if f := flags.Lookup(key); f != nil && f.Changed {
			o[key] = f.Value.String()
		}
	}
	if len(args) > 0 {
		o["mountpoint"] = args[0]
	}
	if foreground {
		o["daemonize"] = "false"
	}
	return o
}

func run(cmd *cobra.Command, args []string) error {
	if os.Getuid() == 0 || os.Geteuid() == 0 {
		return errors.New("refusing to run as the superuser")
	}

	cfg, err := config.Load(configFile, overrides(cmd.Flags(), args))
	if err != nil {
		return err
	}

	levelName, _ := cfg.Get("loglevel")
	level, err := mammut.ParseLogLevel(levelName)
	if err != nil {
		return err
	}
	mammut.InitLogging(level)
	cfg.Subscribe("loglevel", func() {
		name, _ := cfg.Get("loglevel")
		level, err := mammut.ParseLogLevel(name)
		if err != nil {
			mammut.Warnf("main", "%v", err)
			return
		}
		mammut.SetLogLevel(level)
	})

	c := comm.New(cfg)
	files := module.NewOpenFiles(cfg)
	res := module.NewResolver()

	// The registration order is fixed; activation is filtered from
	// the config below.
	lister := module.NewLister(cfg, c, files)
	res.Register(module.NewDefault(cfg, c, files, res))
	res.Register(module.NewPrivate(cfg, c, files))
	res.Register(module.NewPublic(cfg, c, files))
	res.Register(module.NewAnonym(cfg, c, files, lister.AnonView()))
	res.Register(module.NewBackup(cfg, c, files))
	res.Register(lister)
	res.Register(module.NewBackupTree(cfg, c, files))
	res.Register(module.NewAuthkeys(cfg, c, files))
	res.Register(module.NewControl(cfg, c, files))

	res.Activate("default")
	for _, name := range cfg.GetList("modules") {
		mammut.Infof("main", "activating module: %s", name)
		res.Activate(name)
	}
	res.FinishActivation()

	c.Start()
	defer c.Close()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		mammut.Infof("main", "unmounting %s", cfg.Mountpoint)
		if err := fusefs.Unmount(cfg); err != nil {
			mammut.Errorf("main", "unmount: %v", err)
		}
	}()

	return fusefs.Mount(res, cfg)
}
