package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	modbus "github.com/edgeo-scada/modbus-sim"
)

var consoleCmd = &cobra.Command{
	Use:     "console",
	Aliases: []string{"c", "repl", "shell"},
	Short:   "Serve the channels and edit them from an interactive shell",
	Long: `Start the server together with an interactive shell operating on the
served channel bank. Equivalent to 'serve --console'.

Available commands:
  set <ch> <value>      - Set a channel value (clamped to +/-32767)
  add <ch> <delta>      - Add delta to a channel value
  enable <ch>           - Enable a channel (value resets to 0)
  disable <ch>          - Disable a channel (reports -32767)
  toggle <ch>           - Flip the enabled state of a channel
  show                  - Show all channels
  total                 - Sum of the enabled channels
  save <file>           - Write the channels to a preset file
  load <file>           - Apply a preset file
  help                  - Show help
  quit                  - Stop the server and exit`,
	Example: `  bintracsim console
  bintracsim console -l :5020 --preset bins.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		serveConsole = true
		return runServe(cmd, args)
	},
}

func init() {
	addServeFlags(consoleCmd)
}

var errQuit = errors.New("quit")

// Console is a line-oriented shell editing a channel bank.
type Console struct {
	bank *modbus.ChannelBank
	in   io.Reader
	out  io.Writer
}

// NewConsole creates a console editing bank, reading commands from in.
func NewConsole(bank *modbus.ChannelBank, in io.Reader, out io.Writer) *Console {
	return &Console{bank: bank, in: in, out: out}
}

// Run reads commands until quit or end of input.
func (c *Console) Run() error {
	fmt.Fprintln(c.out, color(colorBold, "Channel Console"))
	fmt.Fprintln(c.out, "Type 'help' for available commands, 'quit' to exit")

	scanner := bufio.NewScanner(c.in)
	for {
		fmt.Fprint(c.out, "bintrac> ")
		if !scanner.Scan() {
			fmt.Fprintln(c.out)
			return scanner.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if err := c.Execute(line); err != nil {
			if errors.Is(err, errQuit) {
				return nil
			}
			fmt.Fprintln(c.out, color(colorRed, "ERROR")+" "+err.Error())
		}
	}
}

// Execute runs a single command line.
func (c *Console) Execute(line string) error {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return nil
	}

	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "quit", "exit", "q":
		return errQuit
	case "help", "h", "?":
		c.showHelp()
		return nil
	case "show", "ls", "s":
		c.show()
		return nil
	case "total", "t":
		fmt.Fprintf(c.out, "Total: %d\n", c.bank.Total())
		return nil
	case "set":
		return c.update(args, "usage: set <ch> <value>", c.bank.Set)
	case "add", "adjust":
		return c.update(args, "usage: add <ch> <delta>", c.bank.Adjust)
	case "enable", "on":
		return c.setEnabled(args, func(bool) bool { return true })
	case "disable", "off":
		return c.setEnabled(args, func(bool) bool { return false })
	case "toggle":
		return c.setEnabled(args, func(enabled bool) bool { return !enabled })
	case "save":
		return c.save(args)
	case "load":
		return c.load(args)
	default:
		return fmt.Errorf("unknown command: %s (type 'help' for commands)", cmd)
	}
}

func (c *Console) update(args []string, usage string, apply func(int, int) (int16, error)) error {
	if len(args) != 2 {
		return errors.New(usage)
	}
	ch, err := modbus.ParseChannel(args[0])
	if err != nil {
		return err
	}
	v, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("invalid value: %s", args[1])
	}

	state, err := c.bank.Channel(ch)
	if err != nil {
		return err
	}
	if !state.Enabled {
		return fmt.Errorf("channel %s is disabled", state.Label)
	}

	stored, err := apply(ch, v)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s %s = %d\n", color(colorGreen, "OK"), state.Label, stored)
	return nil
}

func (c *Console) setEnabled(args []string, next func(bool) bool) error {
	if len(args) != 1 {
		return errors.New("usage: enable|disable|toggle <ch>")
	}
	ch, err := modbus.ParseChannel(args[0])
	if err != nil {
		return err
	}
	state, err := c.bank.Channel(ch)
	if err != nil {
		return err
	}

	enabled := next(state.Enabled)
	if err := c.bank.SetEnabled(ch, enabled); err != nil {
		return err
	}
	status := "disabled"
	if enabled {
		status = "enabled"
	}
	fmt.Fprintf(c.out, "%s %s %s\n", color(colorGreen, "OK"), state.Label, status)
	return nil
}

func (c *Console) show() {
	tw := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CHANNEL\tADDRESS\tVALUE\tSTATUS")
	fmt.Fprintln(tw, "-------\t-------\t-----\t------")
	for _, ch := range c.bank.Channels() {
		status := color(colorGreen, "ENABLED")
		value := strconv.Itoa(int(ch.Value))
		if !ch.Enabled {
			status = color(colorRed, "DISABLED")
			value = strconv.Itoa(int(ch.Reported()))
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", ch.Label, modbus.ChannelAddress(ch.Index), value, status)
	}
	tw.Flush()
}

func (c *Console) save(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: save <file>")
	}
	f, err := os.Create(args[0])
	if err != nil {
		return err
	}
	if err := modbus.EncodePreset(f, c.bank.Preset()); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s saved %s\n", color(colorGreen, "OK"), args[0])
	return nil
}

func (c *Console) load(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: load <file>")
	}
	p, err := modbus.LoadPresetFile(args[0])
	if err != nil {
		return err
	}
	if err := c.bank.Apply(p); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s loaded %s\n", color(colorGreen, "OK"), args[0])
	return nil
}

func (c *Console) showHelp() {
	fmt.Fprint(c.out, `
Commands:
  set <ch> <value>     Set a channel value (clamped to +/-32767)
  add <ch> <delta>     Add delta to a channel value
  enable <ch>          Enable a channel (value resets to 0)
  disable <ch>         Disable a channel (reports -32767)
  toggle <ch>          Flip the enabled state of a channel
  show                 Show all channels
  total                Sum of the enabled channels
  save <file>          Write the channels to a preset file
  load <file>          Apply a preset file
  help                 Show this help
  quit                 Exit

Channels are named A-D or 0-3.

`)
}
