// nandctl talks to nandd: it reads and writes devices, toggles their
// access flags, and drives the boot area and secure storage ioctls.
package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/c35s/nandblk/ioctl"
	"github.com/c35s/nandblk/nand"
	"github.com/c35s/nandblk/server"
	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"
	"golang.org/x/term"
)

const usage = `usage: nandctl [flags] command [args]

commands:
  list                      list devices
  cmds                      list ioctl commands and their numbers
  geo                       print the device's geometry
  read SECTOR BYTES         read from the device
  write SECTOR [FILE]       write FILE (or stdin) to the device
  flush                     flush the device's write cache
  discard SECTOR COUNT      discard sectors
  ro | rw                   disable or enable writes
  noread | read-ok          disable or enable reads
  read-boot SLOT BYTES      read a boot area
  burn-boot SLOT [FILE]     burn FILE (or stdin) to a boot area
  secure-read ITEM BYTES    read a secure storage item
  secure-write ITEM [FILE]  write FILE (or stdin) to a secure storage item
  secure-count              print the number of secure storage items
  self-test                 run the chip self test

flags:
`

func main() {
	var (
		network = pflag.StringP("network", "n", "unix", "connect over `net` (unix or vsock)")
		address = pflag.StringP("address", "a", "/run/nandd.sock", "server socket path or vsock cid:port")
		dev     = pflag.IntP("dev", "d", 0, "operate on device `num`")
		raw     = pflag.Bool("raw", false, "write data to stdout even if it's a terminal")
	)

	pflag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		pflag.PrintDefaults()
	}

	pflag.Parse()

	if pflag.NArg() == 0 {
		pflag.Usage()
		os.Exit(2)
	}

	cmd, args := pflag.Arg(0), pflag.Args()[1:]

	if cmd == "cmds" {
		printCmds(os.Stdout)
		return
	}

	c, err := server.Dial(*network, *address)
	if err != nil {
		fatal(err)
	}

	defer c.Close()

	out := &output{w: os.Stdout, hex: !*raw && term.IsTerminal(int(os.Stdout.Fd()))}

	if err := run(c, *dev, cmd, args, out); err != nil {
		fatal(err)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "nandctl: %v\n", err)
	os.Exit(1)
}

// output writes data as a hex dump or raw bytes.
type output struct {
	w   io.Writer
	hex bool
}

func (o *output) data(p []byte) error {
	if o.hex {
		_, err := io.WriteString(o.w, hex.Dump(p))
		return err
	}

	_, err := o.w.Write(p)
	return err
}

func run(c *server.Client, dev int, cmd string, args []string, out *output) error {
	switch cmd {
	case "list":
		devs, err := c.List()
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(out.w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "DEV\tMINOR\tNAME\tSIZE\tMODE")
		for _, d := range devs {
			fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%v\n",
				d.Num, d.Minor, d.DevName(), humanize.IBytes(d.Sectors*512), nand.AccessMode(d.Mode))
		}

		return tw.Flush()

	case "geo":
		geo, err := c.Geometry(dev)
		if err != nil {
			return err
		}

		_, err = fmt.Fprintf(out.w, "cylinders %d heads %d sectors %d start %d\n",
			geo.Cylinders, geo.Heads, geo.Sectors, geo.Start)
		return err

	case "read":
		sector, n, err := twoInts(args)
		if err != nil {
			return err
		}

		p, err := c.Read(dev, uint64(sector), int(n))
		if err != nil {
			return err
		}

		return out.data(p)

	case "write":
		sector, p, err := intAndData(args)
		if err != nil {
			return err
		}

		return c.Write(dev, uint64(sector), p)

	case "flush":
		return c.Flush(dev)

	case "discard":
		sector, n, err := twoInts(args)
		if err != nil {
			return err
		}

		return c.Discard(dev, uint64(sector), uint32(n))

	case "ro", "rw":
		return c.SetWriteEnabled(dev, cmd == "rw")

	case "noread", "read-ok":
		return c.SetReadEnabled(dev, cmd == "read-ok")

	case "read-boot":
		slot, n, err := twoInts(args)
		if err != nil {
			return err
		}

		p, err := c.ReadBoot(int(slot), uint64(n))
		if err != nil {
			return err
		}

		return out.data(p)

	case "burn-boot":
		slot, p, err := intAndData(args)
		if err != nil {
			return err
		}

		if err := c.BurnBoot(int(slot), p); err != nil {
			return err
		}

		_, err = fmt.Fprintf(out.w, "burned %s to boot%d\n", humanize.IBytes(uint64(len(p))), slot)
		return err

	case "secure-read":
		item, n, err := twoInts(args)
		if err != nil {
			return err
		}

		p, err := c.SecureRead(int(item), int(n))
		if err != nil {
			return err
		}

		return out.data(p)

	case "secure-write":
		item, p, err := intAndData(args)
		if err != nil {
			return err
		}

		return c.SecureWrite(int(item), p)

	case "secure-count":
		n, err := c.SecureItemCount()
		if err != nil {
			return err
		}

		_, err = fmt.Fprintln(out.w, n)
		return err

	case "self-test":
		if err := c.SelfTest(); err != nil {
			return err
		}

		_, err := fmt.Fprintln(out.w, "ok")
		return err

	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func printCmds(w io.Writer) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, c := range ioctl.Cmds {
		fmt.Fprintf(tw, "%v\t%#08x\tdir %d size %d type %q nr %d\n", c, uint32(c), c.Dir(), c.Size(), c.Type(), c.Nr())
	}

	tw.Flush()
}

func twoInts(args []string) (a, b int64, err error) {
	if len(args) != 2 {
		return 0, 0, fmt.Errorf("want 2 arguments, got %d", len(args))
	}

	if a, err = strconv.ParseInt(args[0], 0, 64); err != nil {
		return 0, 0, err
	}

	if b, err = strconv.ParseInt(args[1], 0, 64); err != nil {
		return 0, 0, err
	}

	if a < 0 || b < 0 {
		return 0, 0, fmt.Errorf("negative argument")
	}

	return a, b, nil
}

// intAndData parses an integer argument and reads the data named by the
// optional second argument, or stdin.
func intAndData(args []string) (n int64, p []byte, err error) {
	if len(args) < 1 || len(args) > 2 {
		return 0, nil, fmt.Errorf("want 1 or 2 arguments, got %d", len(args))
	}

	if n, err = strconv.ParseInt(args[0], 0, 64); err != nil {
		return 0, nil, err
	}

	if len(args) == 2 && args[1] != "-" {
		p, err = os.ReadFile(args[1])
	} else {
		p, err = io.ReadAll(os.Stdin)
	}

	return n, p, err
}
