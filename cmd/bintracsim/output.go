package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"

	modbus "github.com/edgeo-scada/modbus-sim"
)

// Color codes
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

func color(c, s string) string {
	if noColor {
		return s
	}
	return c + s + colorReset
}

func outputSuccess(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fmt.Println(color(colorGreen, "OK") + " " + msg)
}

func outputError(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, color(colorRed, "ERROR")+" "+msg)
}

func outputWarning(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, color(colorYellow, "WARN")+" "+msg)
}

func outputInfo(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fmt.Println(color(colorCyan, "INFO") + " " + msg)
}

type ChannelResult struct {
	Channel  string  `json:"channel" yaml:"channel"`
	Address  uint16  `json:"address" yaml:"address"`
	Raw      int16   `json:"raw" yaml:"raw"`
	Disabled bool    `json:"disabled" yaml:"disabled"`
	Weight   float64 `json:"weight" yaml:"weight"`
}

type RegisterResult struct {
	Address uint16 `json:"address" yaml:"address"`
	Raw     uint16 `json:"raw" yaml:"raw"`
	Hex     string `json:"hex" yaml:"hex"`
	Value   int16  `json:"value" yaml:"value"`
}

func channelResults(readings []modbus.Reading) []ChannelResult {
	results := make([]ChannelResult, len(readings))
	for i, r := range readings {
		results[i] = ChannelResult{
			Channel:  modbus.ChannelLabel(r.Channel),
			Address:  modbus.ChannelAddress(r.Channel),
			Raw:      r.Raw,
			Disabled: r.Disabled,
			Weight:   r.Weight(),
		}
	}
	return results
}

func outputReadings(w io.Writer, readings []modbus.Reading) error {
	switch outputFmt {
	case "json":
		return encodeJSON(w, channelResults(readings))
	case "yaml":
		return encodeYAML(w, channelResults(readings))
	case "csv":
		return outputReadingsCSV(w, readings)
	case "raw", "hex":
		for _, r := range readings {
			if outputFmt == "hex" {
				fmt.Fprintf(w, "%04X\n", uint16(r.Raw))
			} else {
				fmt.Fprintf(w, "%d\n", r.Raw)
			}
		}
		return nil
	default:
		return outputReadingsTable(w, readings)
	}
}

func outputReadingsTable(w io.Writer, readings []modbus.Reading) error {
	fmt.Fprintf(w, "\n%s (%s)\n", color(colorBold, "Channels"), getAddress())
	fmt.Fprintln(w, strings.Repeat("-", 50))

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CHANNEL\tADDRESS\tVALUE\tSTATUS")
	fmt.Fprintln(tw, "-------\t-------\t-----\t------")

	total := 0.0
	for _, r := range readings {
		status := color(colorGreen, "ENABLED")
		value := strconv.Itoa(int(r.Raw))
		if r.Disabled {
			status = color(colorRed, "DISABLED")
			value = "-"
		}
		total += r.Weight()
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", modbus.ChannelLabel(r.Channel), modbus.ChannelAddress(r.Channel), value, status)
	}
	tw.Flush()

	if len(readings) > 1 {
		fmt.Fprintf(w, "Total: %g\n", total)
	}
	fmt.Fprintln(w)
	return nil
}

func outputReadingsCSV(w io.Writer, readings []modbus.Reading) error {
	cw := csv.NewWriter(w)
	cw.Write([]string{"channel", "address", "raw", "disabled"})
	for _, r := range readings {
		cw.Write([]string{
			modbus.ChannelLabel(r.Channel),
			strconv.Itoa(int(modbus.ChannelAddress(r.Channel))),
			strconv.Itoa(int(r.Raw)),
			strconv.FormatBool(r.Disabled),
		})
	}
	cw.Flush()
	return cw.Error()
}

func outputRegisterValues(w io.Writer, startAddr uint16, values []uint16) error {
	switch outputFmt {
	case "json":
		return encodeJSON(w, registerResults(startAddr, values))
	case "yaml":
		return encodeYAML(w, registerResults(startAddr, values))
	case "csv":
		cw := csv.NewWriter(w)
		cw.Write([]string{"address", "raw", "hex", "value"})
		for i, v := range values {
			cw.Write([]string{strconv.Itoa(int(startAddr) + i), strconv.Itoa(int(v)), fmt.Sprintf("0x%04X", v), strconv.Itoa(int(int16(v)))})
		}
		cw.Flush()
		return cw.Error()
	case "raw":
		for _, v := range values {
			fmt.Fprintf(w, "%d\n", int16(v))
		}
		return nil
	case "hex":
		for i, v := range values {
			if i > 0 {
				fmt.Fprint(w, " ")
			}
			fmt.Fprintf(w, "%04X", v)
		}
		fmt.Fprintln(w)
		return nil
	default:
		return outputRegisterTable(w, startAddr, values)
	}
}

func outputRegisterTable(w io.Writer, startAddr uint16, values []uint16) error {
	fmt.Fprintf(w, "\n%s (Address %d-%d, Count: %d)\n",
		color(colorBold, "Input Registers"),
		startAddr,
		int(startAddr)+len(values)-1,
		len(values))
	fmt.Fprintln(w, strings.Repeat("-", 50))

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ADDRESS\tDECIMAL\tHEX\tCHANNEL")
	fmt.Fprintln(tw, "-------\t-------\t---\t-------")
	for i, v := range values {
		addr := int(startAddr) + i
		channel, slot := modbus.LocateRegister(addr)
		label := "-"
		if channel >= 0 && channel < modbus.NumChannels && slot == 0 {
			label = modbus.ChannelLabel(channel)
		}
		fmt.Fprintf(tw, "%d\t%d\t0x%04X\t%s\n", addr, int16(v), v, label)
	}
	tw.Flush()
	fmt.Fprintln(w)
	return nil
}

func registerResults(startAddr uint16, values []uint16) []RegisterResult {
	results := make([]RegisterResult, len(values))
	for i, v := range values {
		results[i] = RegisterResult{
			Address: startAddr + uint16(i),
			Raw:     v,
			Hex:     fmt.Sprintf("0x%04X", v),
			Value:   int16(v),
		}
	}
	return results
}

func encodeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func encodeYAML(w io.Writer, v interface{}) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}
