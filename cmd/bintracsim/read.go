package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	modbus "github.com/edgeo-scada/modbus-sim"
)

var (
	readAddr  uint16
	readCount uint16
)

var readCmd = &cobra.Command{
	Use:     "read",
	Aliases: []string{"r"},
	Short:   "Read channels or input registers from a server",
	Long:    `Read the channel bank, a single channel, or a raw input register range using function code 04.`,
}

var readChannelsCmd = &cobra.Command{
	Use:     "channels",
	Aliases: []string{"all", "chs"},
	Short:   "Read all four channels",
	Example: `  bintracsim read channels -H 192.168.1.100
  bintracsim r all -o json`,
	Args: cobra.NoArgs,
	RunE: runReadChannels,
}

var readChannelCmd = &cobra.Command{
	Use:     "channel <A-D>",
	Aliases: []string{"ch"},
	Short:   "Read one channel",
	Example: `  bintracsim read channel B
  bintracsim r ch 3 -o yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runReadChannel,
}

var readRegistersCmd = &cobra.Command{
	Use:     "input-registers",
	Aliases: []string{"ir", "registers"},
	Short:   "Read raw input registers (FC04)",
	Example: `  bintracsim read ir -a 1000 -c 8
  bintracsim r ir -a 1006 -c 2 -o hex`,
	Args: cobra.NoArgs,
	RunE: runReadRegisters,
}

func init() {
	readCmd.AddCommand(readChannelsCmd)
	readCmd.AddCommand(readChannelCmd)
	readCmd.AddCommand(readRegistersCmd)

	readRegistersCmd.Flags().Uint16VarP(&readAddr, "address", "a", modbus.RegisterBase, "Starting address")
	readRegistersCmd.Flags().Uint16VarP(&readCount, "count", "c", modbus.NumChannels*modbus.RegistersPerChannel, "Number of registers to read")
}

func runReadChannels(cmd *cobra.Command, args []string) error {
	client, err := createClient()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	readings, err := client.ReadChannels(ctx)
	if err != nil {
		return fmt.Errorf("read channels failed: %w", err)
	}
	return outputReadings(os.Stdout, readings[:])
}

func runReadChannel(cmd *cobra.Command, args []string) error {
	channel, err := modbus.ParseChannel(args[0])
	if err != nil {
		return err
	}

	client, err := createClient()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	reading, err := client.ReadChannel(ctx, channel)
	if err != nil {
		return fmt.Errorf("read channel %s failed: %w", modbus.ChannelLabel(channel), err)
	}
	return outputReadings(os.Stdout, []modbus.Reading{reading})
}

func runReadRegisters(cmd *cobra.Command, args []string) error {
	client, err := createClient()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	values, err := client.ReadInputRegisters(ctx, readAddr, readCount)
	if err != nil {
		return fmt.Errorf("read input registers failed: %w", err)
	}
	return outputRegisterValues(os.Stdout, readAddr, values)
}

func createClient() (*modbus.Client, error) {
	client, err := modbus.NewClient(
		getAddress(),
		modbus.WithUnitID(modbus.UnitID(unitID)),
		modbus.WithTimeout(timeout),
		modbus.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}
	return client, nil
}
