// novactl drives an engine instance backed by a pmem file: format it,
// create files, and move data in and out of them from the shell.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/towander/nova/common"
	"github.com/towander/nova/dax"
	"github.com/towander/nova/pmem"
	"github.com/towander/nova/super"
	"github.com/towander/nova/util"
)

type config struct {
	Device string `yaml:"device"`
	Blocks uint64 `yaml:"blocks"`
	Inodes uint64 `yaml:"inodes"`

	InplaceDataUpdates bool `yaml:"inplace_data_updates"`
	DataCsum           bool `yaml:"data_csum"`
	DataParity         bool `yaml:"data_parity"`

	Debug uint64 `yaml:"debug"`
}

func defaultConfig() config {
	return config{
		Device: "nova.img",
		Blocks: 16384,
		Inodes: 1024,
		Debug:  1,
	}
}

func loadConfig(c *cli.Context) (config, error) {
	cfg := defaultConfig()
	if path := c.String("config"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if c.IsSet("device") {
		cfg.Device = c.String("device")
	}
	if c.IsSet("debug") {
		cfg.Debug = c.Uint64("debug")
	}
	util.Debug = cfg.Debug
	return cfg, nil
}

func (cfg config) options() super.Options {
	return super.Options{
		InplaceDataUpdates: cfg.InplaceDataUpdates,
		DataCsum:           cfg.DataCsum,
		DataParity:         cfg.DataParity,
	}
}

func mount(c *cli.Context) (config, *super.Super, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return cfg, nil, err
	}
	dev, err := pmem.OpenFileDevice(cfg.Device, cfg.Blocks)
	if err != nil {
		return cfg, nil, err
	}
	sb, err := super.Open(dev, cfg.options())
	if err != nil {
		dev.Close()
		return cfg, nil, err
	}
	return cfg, sb, nil
}

func main() {
	app := &cli.App{
		Name:  "novactl",
		Usage: "manage a log-structured pmem file store",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"},
				Usage: "yaml config file"},
			&cli.StringFlag{Name: "device", Usage: "pmem backing file"},
			&cli.Uint64Flag{Name: "debug", Usage: "log verbosity"},
		},
		Commands: []*cli.Command{
			mkfsCommand(),
			createCommand(),
			writeCommand(),
			readCommand(),
			snapshotCommand(),
			statsCommand(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "novactl: %v\n", err)
		os.Exit(1)
	}
}

func mkfsCommand() *cli.Command {
	return &cli.Command{
		Name:  "mkfs",
		Usage: "format the device",
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			dev, err := pmem.OpenFileDevice(cfg.Device, cfg.Blocks)
			if err != nil {
				return err
			}
			defer dev.Close()
			sb, err := super.Mkfs(dev, cfg.options(), cfg.Inodes)
			if err != nil {
				return err
			}
			fmt.Printf("%s: %d blocks, %d inodes, %d free\n",
				cfg.Device, sb.NumBlocks, sb.NumInodes, sb.Alloc.FreeCount())
			return nil
		},
	}
}

func createCommand() *cli.Command {
	return &cli.Command{
		Name:  "create",
		Usage: "allocate a file",
		Flags: []cli.Flag{
			&cli.Uint64Flag{Name: "ino", Required: true},
		},
		Action: func(c *cli.Context) error {
			_, sb, err := mount(c)
			if err != nil {
				return err
			}
			defer sb.Dev.Close()
			ip, err := sb.CreateFile(common.Inum(c.Uint64("ino")))
			if err != nil {
				return err
			}
			fmt.Printf("created inode %d\n", ip.Ino)
			return nil
		},
	}
}

func writeCommand() *cli.Command {
	return &cli.Command{
		Name:  "write",
		Usage: "write a local file's contents into a file",
		Flags: []cli.Flag{
			&cli.Uint64Flag{Name: "ino", Required: true},
			&cli.Uint64Flag{Name: "off"},
			&cli.StringFlag{Name: "from", Usage: "local source path",
				Required: true},
			&cli.BoolFlag{Name: "append", Usage: "write at end of file"},
		},
		Action: func(c *cli.Context) error {
			data, err := os.ReadFile(c.String("from"))
			if err != nil {
				return err
			}
			_, sb, err := mount(c)
			if err != nil {
				return err
			}
			defer sb.Dev.Close()
			eng := dax.MkEngine(sb)
			ino := common.Inum(c.Uint64("ino"))
			count := uint64(len(data))
			var off, n uint64
			if c.Bool("append") {
				off, n, err = eng.Append(ino, data, count)
			} else {
				off = c.Uint64("off")
				n, err = eng.Write(ino, data, count, off)
			}
			if err != nil {
				return err
			}
			fmt.Printf("wrote %d bytes at %d\n", n, off)
			return nil
		},
	}
}

func readCommand() *cli.Command {
	return &cli.Command{
		Name:  "read",
		Usage: "copy a byte range to stdout",
		Flags: []cli.Flag{
			&cli.Uint64Flag{Name: "ino", Required: true},
			&cli.Uint64Flag{Name: "off"},
			&cli.Uint64Flag{Name: "len", Required: true},
		},
		Action: func(c *cli.Context) error {
			_, sb, err := mount(c)
			if err != nil {
				return err
			}
			defer sb.Dev.Close()
			eng := dax.MkEngine(sb)
			buf := make([]byte, c.Uint64("len"))
			n, err := eng.Read(common.Inum(c.Uint64("ino")), buf, c.Uint64("off"))
			if n > 0 {
				os.Stdout.Write(buf[:n])
			}
			return err
		},
	}
}

func snapshotCommand() *cli.Command {
	return &cli.Command{
		Name:  "snapshot",
		Usage: "advance the write epoch",
		Action: func(c *cli.Context) error {
			_, sb, err := mount(c)
			if err != nil {
				return err
			}
			defer sb.Dev.Close()
			fmt.Printf("epoch %d\n", sb.CreateSnapshot())
			return nil
		},
	}
}

func statsCommand() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "print engine counters",
		Action: func(c *cli.Context) error {
			_, sb, err := mount(c)
			if err != nil {
				return err
			}
			defer sb.Dev.Close()
			s := sb.Stats.Snapshot()
			fmt.Printf("free blocks:    %d\n", sb.Alloc.FreeCount())
			fmt.Printf("epoch:          %d\n", sb.Epoch())
			fmt.Printf("read bytes:     %d\n", s.ReadBytes)
			fmt.Printf("cow bytes:      %d\n", s.CowWrittenBytes)
			fmt.Printf("inplace bytes:  %d\n", s.InplaceWrittenBytes)
			fmt.Printf("write breaks:   %d\n", s.WriteBreaks)
			return nil
		},
	}
}
