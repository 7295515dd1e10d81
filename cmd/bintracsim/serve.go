package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	modbus "github.com/edgeo-scada/modbus-sim"
	"github.com/edgeo-scada/modbus-sim/internal/mqttsink"
	"github.com/edgeo-scada/modbus-sim/internal/promexport"
)

var (
	servePreset  string
	serveConsole bool
	serveQuiet   bool
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"server", "s"},
	Short:   "Serve the channel bank over Modbus TCP",
	Long: `Serve four channels as input registers at base address 1000 (function code 04).
Every request is answered on its own connection and the connection is closed.
Other function codes are answered with exception 01 (illegal function).

Each request is logged to stdout as:
  [HH:MM:SS] <peer> - FC<fc> addr=<start> count=<n>

Initial channel values come from --preset or the config file:
  channels:
    a: {value: 150}
    d: {enabled: false}`,
	Example: `  bintracsim serve
  bintracsim serve -l :5020 --console
  bintracsim serve --metrics-listen :9102 --mqtt-broker tcp://localhost:1883`,
	RunE: runServe,
}

func init() {
	addServeFlags(serveCmd)
	serveCmd.Flags().BoolVar(&serveConsole, "console", false, "Edit channel values from an interactive shell")
}

func addServeFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("listen", "l", fmt.Sprintf("0.0.0.0:%d", modbus.DefaultPort), "Listen address")
	cmd.Flags().Duration("read-timeout", modbus.DefaultTimeout, "Wait for a request frame")
	cmd.Flags().Duration("write-timeout", modbus.DefaultTimeout, "Response write deadline (0 = none)")
	cmd.Flags().Int("max-conns", 0, "Maximum concurrent connections (0 = unlimited)")
	cmd.Flags().Int("max-registers", 0, "Maximum registers per request, larger requests get exception 03 (0 = unlimited)")
	cmd.Flags().String("metrics-listen", "", "Serve Prometheus metrics on this address")
	cmd.Flags().String("mqtt-broker", "", "Publish request events to this MQTT broker")
	cmd.Flags().String("mqtt-topic", "bintracsim/requests", "MQTT topic for request events")
	cmd.Flags().String("mqtt-client-id", "bintracsim", "MQTT client ID")
	cmd.Flags().StringVar(&servePreset, "preset", "", "Initial channel values (YAML preset file)")
	cmd.Flags().BoolVarP(&serveQuiet, "quiet", "q", false, "Do not log requests to stdout")
}

// bindServeFlags binds the flags of the running command, so serve and
// console share the same configuration keys.
func bindServeFlags(cmd *cobra.Command) {
	keys := map[string]string{
		"listen":         "listen",
		"read_timeout":   "read-timeout",
		"write_timeout":  "write-timeout",
		"max_conns":      "max-conns",
		"max_registers":  "max-registers",
		"metrics.listen": "metrics-listen",
		"mqtt.broker":    "mqtt-broker",
		"mqtt.topic":     "mqtt-topic",
		"mqtt.client_id": "mqtt-client-id",
	}
	for key, flag := range keys {
		viper.BindPFlag(key, cmd.Flags().Lookup(flag))
	}
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
}

func runServe(cmd *cobra.Command, args []string) error {
	bindServeFlags(cmd)

	bank := modbus.NewChannelBank()
	if err := applyChannelConfig(bank, viper.GetViper()); err != nil {
		return err
	}
	if servePreset != "" {
		p, err := modbus.LoadPresetFile(servePreset)
		if err != nil {
			return fmt.Errorf("load preset: %w", err)
		}
		if err := bank.Apply(p); err != nil {
			return fmt.Errorf("apply preset: %w", err)
		}
	}

	opts := []modbus.ServerOption{
		modbus.WithServerLogger(logger),
		modbus.WithReadTimeout(viper.GetDuration("read_timeout")),
		modbus.WithWriteTimeout(viper.GetDuration("write_timeout")),
		modbus.WithMaxConnections(viper.GetInt("max_conns")),
		modbus.WithMaxRegisters(viper.GetInt("max_registers")),
	}
	if !serveQuiet {
		opts = append(opts, modbus.WithRequestSink(modbus.NewLineSink(os.Stdout)))
	}

	if broker := viper.GetString("mqtt.broker"); broker != "" {
		sink, err := mqttsink.Dial(mqttsink.Config{
			Broker:   broker,
			ClientID: viper.GetString("mqtt.client_id"),
			Topic:    viper.GetString("mqtt.topic"),
			Timeout:  timeout,
		}, logger)
		if err != nil {
			return err
		}
		defer sink.Close()
		opts = append(opts, modbus.WithRequestSink(sink))
	}

	server := modbus.NewServer(bank, opts...)
	addr := viper.GetString("listen")
	if err := server.Start(addr); err != nil {
		return err
	}
	outputInfo("Serving channels on %s (registers %d-%d)", server.Addr(),
		modbus.RegisterBase, modbus.RegisterBase+modbus.NumChannels*modbus.RegistersPerChannel-1)

	var metricsSrv *http.Server
	if metricsAddr := viper.GetString("metrics.listen"); metricsAddr != "" {
		metricsSrv = startMetrics(metricsAddr, promexport.NewCollector(server.Metrics(), bank))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if serveConsole {
		go func() {
			if err := NewConsole(bank, os.Stdin, os.Stdout).Run(); err != nil {
				outputError("console: %v", err)
			}
			stop()
		}()
	}

	<-ctx.Done()
	fmt.Println()
	outputInfo("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), viper.GetDuration("read_timeout")+time.Second)
	defer cancel()

	if metricsSrv != nil {
		metricsSrv.Shutdown(shutdownCtx)
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		outputWarning("Shutdown: %v (%d connections still open)", err, server.ActiveConnections())
		return nil
	}
	m := server.Metrics()
	outputSuccess("Server stopped after %d requests", m.RequestsTotal.Value())
	return nil
}

func startMetrics(addr string, collector *promexport.Collector) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promexport.Handler(collector))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", slog.String("error", err.Error()))
		}
	}()
	outputInfo("Serving metrics on http://%s/metrics", addr)
	return srv
}

// applyChannelConfig applies the channels.<a-d>.value and
// channels.<a-d>.enabled keys.
func applyChannelConfig(bank *modbus.ChannelBank, v *viper.Viper) error {
	for i := 0; i < modbus.NumChannels; i++ {
		prefix := "channels." + strings.ToLower(modbus.ChannelLabel(i))
		if v.IsSet(prefix + ".enabled") {
			if err := bank.SetEnabled(i, v.GetBool(prefix+".enabled")); err != nil {
				return err
			}
		}
		if v.IsSet(prefix + ".value") {
			if _, err := bank.Set(i, v.GetInt(prefix+".value")); err != nil {
				return err
			}
		}
	}
	return nil
}
