package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	modbus "github.com/edgeo-scada/modbus-sim"
)

var (
	watchInterval  time.Duration
	watchCount     int
	watchShowDiff  bool
	watchClearTerm bool
	watchTimestamp bool
	watchLogFile   string
	watchAlertHigh float64
	watchAlertLow  float64
	watchAlert     bool
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Continuously poll the four channels",
	Long: `Poll all channels at a fixed interval, one connection per poll.

Features:
  - Change highlighting
  - Alert thresholds on the channel weight
  - CSV logging
  - Timestamp display`,
	Example: `  # Poll every second
  bintracsim watch -H 192.168.1.100

  # Highlight changes and alert above 1000
  bintracsim watch -i 500ms --diff --alert --alert-high 1000

  # Log 60 polls to a file
  bintracsim watch -n 60 --log bins.csv`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().DurationVarP(&watchInterval, "interval", "i", 1*time.Second, "Poll interval")
	watchCmd.Flags().IntVarP(&watchCount, "iterations", "n", 0, "Number of iterations (0 = infinite)")
	watchCmd.Flags().BoolVar(&watchShowDiff, "diff", false, "Highlight changed values")
	watchCmd.Flags().BoolVar(&watchClearTerm, "clear", true, "Clear terminal between updates")
	watchCmd.Flags().BoolVar(&watchTimestamp, "timestamp", true, "Show timestamps")
	watchCmd.Flags().StringVar(&watchLogFile, "log", "", "Log values to file (CSV format)")
	watchCmd.Flags().Float64Var(&watchAlertHigh, "alert-high", 0, "Alert when a weight exceeds this threshold")
	watchCmd.Flags().Float64Var(&watchAlertLow, "alert-low", 0, "Alert when a weight falls below this threshold")
	watchCmd.Flags().BoolVar(&watchAlert, "alert", false, "Enable threshold alerts")
}

type WatchState struct {
	client       *modbus.Client
	ctx          context.Context
	cancel       context.CancelFunc
	out          io.Writer
	prev         []modbus.Reading
	iteration    int
	logFile      *os.File
	logWriter    *csv.Writer
	startTime    time.Time
	errorCount   int
	successCount int
}

func runWatch(cmd *cobra.Command, args []string) error {
	state, err := initWatchState()
	if err != nil {
		return err
	}
	defer state.cleanup()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()

	if err := state.attempt(); err != nil {
		outputWarning("Initial read failed: %v", err)
	}

	for {
		if state.finished(watchCount) {
			state.printSummary()
			return nil
		}
		select {
		case <-sigCh:
			fmt.Fprintln(state.out, "\n\nStopping watch...")
			state.printSummary()
			return nil
		case <-ticker.C:
			if err := state.attempt(); err != nil {
				if verbose {
					outputWarning("Read failed: %v", err)
				}
			}
		case <-state.ctx.Done():
			return state.ctx.Err()
		}
	}
}

func initWatchState() (*WatchState, error) {
	client, err := createClient()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	state := &WatchState{
		client:    client,
		ctx:       ctx,
		cancel:    cancel,
		out:       os.Stdout,
		startTime: time.Now(),
	}

	if watchLogFile != "" {
		f, err := os.Create(watchLogFile)
		if err != nil {
			state.cleanup()
			return nil, fmt.Errorf("failed to create log file: %w", err)
		}
		state.logFile = f
		state.logWriter = csv.NewWriter(f)
	}

	return state, nil
}

func (s *WatchState) cleanup() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.logWriter != nil {
		s.logWriter.Flush()
	}
	if s.logFile != nil {
		s.logFile.Close()
	}
}

// attempt polls once and counts the outcome.
func (s *WatchState) attempt() error {
	err := s.poll()
	if err != nil {
		s.errorCount++
	}
	return err
}

// finished reports whether limit attempts, successful or not, have been made.
// A limit of zero never finishes.
func (s *WatchState) finished(limit int) bool {
	return limit > 0 && s.successCount+s.errorCount >= limit
}

func (s *WatchState) poll() error {
	readCtx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()

	readings, err := s.client.ReadChannels(readCtx)
	if err != nil {
		return err
	}

	s.iteration++
	s.successCount++
	s.record(time.Now(), readings[:])
	return nil
}

func (s *WatchState) record(now time.Time, readings []modbus.Reading) {
	if outputFmt == "json" {
		s.outputWatchJSON(readings, now)
	} else {
		s.display(readings, now)
	}
	if s.logWriter != nil {
		s.logToFile(now, readings)
	}
	s.prev = readings
}

func (s *WatchState) display(readings []modbus.Reading, now time.Time) {
	if watchClearTerm && s.iteration > 1 {
		fmt.Fprint(s.out, "\033[H\033[2J")
	}

	fmt.Fprintf(s.out, "%s - Watching channels A-D (Address %d-%d)\n",
		color(colorBold, "CHANNEL WATCH"),
		modbus.RegisterBase,
		modbus.RegisterBase+modbus.NumChannels*modbus.RegistersPerChannel-1)
	fmt.Fprintf(s.out, "Host: %s | Unit: %d | Interval: %s\n", getAddress(), unitID, watchInterval)
	if watchTimestamp {
		fmt.Fprintf(s.out, "Time: %s | Iteration: %d", now.Format("15:04:05.000"), s.iteration)
		if watchCount > 0 {
			fmt.Fprintf(s.out, "/%d", watchCount)
		}
		fmt.Fprintln(s.out)
	}
	fmt.Fprintln(s.out, strings.Repeat("-", 50))

	w := tabwriter.NewWriter(s.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CH\tVALUE\tSTATUS\tCHANGE")
	fmt.Fprintln(w, "--\t-----\t------\t------")

	for i, r := range readings {
		value := strconv.Itoa(int(r.Raw))
		status := color(colorGreen, "ENABLED")
		if r.Disabled {
			value = "-"
			status = color(colorRed, "DISABLED")
		}

		change := ""
		if watchShowDiff && s.prev != nil && i < len(s.prev) {
			change = describeChange(s.prev[i], r)
		}
		if watchAlert && !r.Disabled {
			if watchAlertHigh != 0 && r.Weight() > watchAlertHigh {
				change += " " + color(colorRed+colorBold, "HIGH!")
			}
			if watchAlertLow != 0 && r.Weight() < watchAlertLow {
				change += " " + color(colorYellow+colorBold, "LOW!")
			}
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", modbus.ChannelLabel(r.Channel), value, status, change)
	}
	w.Flush()
}

func describeChange(prev, cur modbus.Reading) string {
	switch {
	case prev.Disabled && !cur.Disabled:
		return color(colorGreen, "->ON")
	case !prev.Disabled && cur.Disabled:
		return color(colorRed, "->OFF")
	case cur.Disabled:
		return ""
	}
	diff := int(cur.Raw) - int(prev.Raw)
	if diff > 0 {
		return color(colorGreen, fmt.Sprintf("+%d", diff))
	}
	if diff < 0 {
		return color(colorRed, fmt.Sprintf("%d", diff))
	}
	return ""
}

func (s *WatchState) outputWatchJSON(readings []modbus.Reading, ts time.Time) error {
	data := struct {
		Timestamp string          `json:"timestamp"`
		Iteration int             `json:"iteration"`
		Channels  []ChannelResult `json:"channels"`
	}{
		Timestamp: ts.Format(time.RFC3339Nano),
		Iteration: s.iteration,
		Channels:  channelResults(readings),
	}
	return json.NewEncoder(s.out).Encode(data)
}

func (s *WatchState) logToFile(ts time.Time, readings []modbus.Reading) {
	if s.iteration == 1 {
		header := []string{"timestamp"}
		for _, r := range readings {
			header = append(header, modbus.ChannelLabel(r.Channel))
		}
		s.logWriter.Write(header)
	}

	row := []string{ts.Format(time.RFC3339)}
	for _, r := range readings {
		if r.Disabled {
			row = append(row, "")
		} else {
			row = append(row, strconv.Itoa(int(r.Raw)))
		}
	}
	s.logWriter.Write(row)
	s.logWriter.Flush()
}

func (s *WatchState) printSummary() {
	duration := time.Since(s.startTime)
	fmt.Fprintln(s.out)
	fmt.Fprintln(s.out, color(colorBold, "Watch Summary"))
	fmt.Fprintln(s.out, strings.Repeat("-", 30))
	fmt.Fprintf(s.out, "Duration:    %s\n", duration.Round(time.Millisecond))
	fmt.Fprintf(s.out, "Iterations:  %d\n", s.iteration)
	fmt.Fprintf(s.out, "Success:     %d\n", s.successCount)
	fmt.Fprintf(s.out, "Errors:      %d\n", s.errorCount)
	if s.iteration > 0 {
		fmt.Fprintf(s.out, "Avg Rate:    %.2f reads/sec\n", float64(s.iteration)/duration.Seconds())
	}
}
